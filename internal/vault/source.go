package vault

import (
	"context"
	"fmt"
	"strings"
	"time"

	"safeline/internal/db"
	"safeline/internal/domain"
)

// Source discovers pending rows of the vault tasks table. It only reads:
// rows stay pending and the metrics store decides what has already run.
type Source struct {
	Path        string
	Limit       int
	BusyTimeout time.Duration
}

func (s Source) Name() string { return SourceName }

// Discover returns pending tasks. Malformed rows are reported as an error
// alongside the tasks that did parse.
func (s Source) Discover(ctx context.Context) ([]domain.Task, error) {
	conn, err := db.OpenVault(s.Path, s.busy())
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	tasks, bad, err := PendingTasks(ctx, conn, s.Limit)
	if err != nil {
		return nil, err
	}
	if len(bad) > 0 {
		return tasks, fmt.Errorf("%d malformed vault tasks: %s", len(bad), strings.Join(bad, "; "))
	}
	return tasks, nil
}

func (s Source) busy() time.Duration {
	if s.BusyTimeout <= 0 {
		return time.Second
	}
	return s.BusyTimeout
}
