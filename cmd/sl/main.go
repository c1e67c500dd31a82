package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"safeline/internal/app"
	"safeline/internal/config"
	"safeline/internal/db"
	"safeline/internal/engine"
	"safeline/internal/migrate"
	"safeline/internal/server"
	"safeline/internal/vault"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "safeline CLI",
	Long: `safeline runs autonomous tasks against a local workspace without letting them break it.
Core concepts:
- Risk: every task is scored 0-100 over four weighted factors and banded LOW, MEDIUM, HIGH or CRITICAL.
- Profiles: a profile maps each band to an action (auto_execute, conditional_execute, escalate_human, block).
- Rehearsal: conditional tasks run first against a disposable copy of the workspace; failures are fixed and retried.
- Production: admitted tasks run behind pre-flight checks and a snapshot, then post-flight checks.
- Rollback: a failed production run restores its snapshot and is journalled in the rollback log.
- Heartbeat: 'sl run' discovers tasks from the vault and the inbox and takes each one through the pipeline.
- Kill switch: while <state_dir>/KILL_SWITCH exists no cycle runs ('sl killswitch on|off').`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SAFELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("config", "", "config file (default <state-dir>/safeline.yml)")
	rootCmd.PersistentFlags().String("state-dir", "", "state directory (default ~/.safeline)")
	rootCmd.PersistentFlags().StringP("workspace", "w", "", "workspace root (overrides config)")
	rootCmd.PersistentFlags().String("profile", "", "policy profile (overrides config)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	for _, name := range []string{"config", "state-dir", "workspace", "profile", "json", "verbose"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(assessCmd())
	rootCmd.AddCommand(rehearseCmd())
	rootCmd.AddCommand(executeCmd())
	rootCmd.AddCommand(enqueueCmd())
	rootCmd.AddCommand(snapshotCmd())
	rootCmd.AddCommand(rollbackCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(killSwitchCmd())
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func configPath() string {
	if p := viper.GetString("config"); p != "" {
		return p
	}
	return config.Path(viper.GetString("state-dir"))
}

// loadConfig reads the config file and applies flag and env overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, err
	}
	if viper.IsSet("state-dir") && viper.GetString("state-dir") != "" {
		cfg.StateDir = viper.GetString("state-dir")
	}
	if viper.IsSet("workspace") && viper.GetString("workspace") != "" {
		cfg.Workspace.Root = viper.GetString("workspace")
	}
	if viper.IsSet("profile") && viper.GetString("profile") != "" {
		cfg.Policy.Profile = viper.GetString("profile")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e, closeStore, err := app.Open(ctx, cfg, newLogger())
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(ctx, e)
}

func withConfig(fn func(*config.Config) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return fn(cfg)
}

func initCmd() *cobra.Command {
	var seed bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the state directory, config file and metrics store",
		RunE: func(cmd *cobra.Command, args []string) error {
			stateDir := viper.GetString("state-dir")
			if stateDir == "" {
				stateDir = config.Default().StateDir
			}
			workspace := viper.GetString("workspace")
			if workspace == "" {
				workspace = "."
			}
			absWorkspace, err := filepath.Abs(workspace)
			if err != nil {
				return err
			}
			if err := db.EnsureStateDir(stateDir); err != nil {
				return err
			}
			path := configPath()
			created := false
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(path, []byte(config.GenerateDefault(absWorkspace, stateDir)), 0o644); err != nil {
					return fmt.Errorf("write config: %w", err)
				}
				created = true
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			for _, dir := range []string{cfg.ProfilesDir(), cfg.InboxDir(), cfg.SnapshotsDir(), cfg.LogsDir()} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
			conn, err := db.OpenStore(cfg.MetricsDB())
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			seeded := false
			if seed {
				err := vault.Seed(cmd.Context(), cfg.DatastorePath())
				switch {
				case err == nil:
					seeded = true
				case errors.Is(err, vault.ErrAlreadySeeded):
				default:
					return err
				}
			}
			return printJSONOrText(map[string]any{
				"config":         path,
				"config_created": created,
				"state_dir":      cfg.StateDir,
				"datastore":      cfg.DatastorePath(),
				"migrations":     applied,
				"vault_seeded":   seeded,
			}, func() {
				fmt.Printf("Initialized safeline in %s (config %s)\n", cfg.StateDir, path)
				if seeded {
					fmt.Printf("Seeded vault at %s\n", cfg.DatastorePath())
				}
			})
		},
	}
	cmd.Flags().BoolVar(&seed, "seed-vault", false, "create a minimal vault if none exists")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the admin HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				secret := viper.GetString("jwt-secret")
				if secret == "" {
					return fmt.Errorf("SAFELINE_JWT_SECRET is required for bearer auth")
				}
				if addr == "" {
					addr = e.Config.Server.Addr
				}
				if basePath == "" {
					basePath = e.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Engine:   e,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret, Logger: e.Logger},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving safeline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var perms []string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := server.IssueToken(viper.GetString("jwt-secret"), subject, perms...)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().StringSliceVar(&perms, "perm", nil, "permission claim (repeatable), e.g. killswitch.write")
	return cmd
}

func printJSONOrText(v any, text func()) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	text()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
