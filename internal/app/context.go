package app

import (
	"context"
	"fmt"
	"log/slog"

	"safeline/internal/config"
	"safeline/internal/db"
	"safeline/internal/engine"
	"safeline/internal/migrate"
)

// Open prepares the state directory, opens and migrates the metrics store
// and wires an engine for cfg. The returned close func releases the store.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (engine.Engine, func() error, error) {
	if cfg == nil {
		return engine.Engine{}, nil, fmt.Errorf("config required")
	}
	if err := cfg.Validate(); err != nil {
		return engine.Engine{}, nil, err
	}
	if err := db.EnsureStateDir(cfg.StateDir); err != nil {
		return engine.Engine{}, nil, err
	}
	conn, err := db.OpenStore(cfg.MetricsDB())
	if err != nil {
		return engine.Engine{}, nil, err
	}
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("migrate metrics store: %w", err)
	}
	e := engine.New(conn, cfg, logger)
	if len(applied) > 0 {
		e.Logger.Debug("metrics store migrated", "applied", applied, "path", cfg.MetricsDB())
	}
	return e, conn.Close, nil
}
