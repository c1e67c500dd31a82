package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models safeline.yml. Every component receives the parts it needs
// through its constructor; nothing reads paths from package globals.
type Config struct {
	Workspace struct {
		Root      string `yaml:"root"`
		Datastore string `yaml:"datastore"`
	} `yaml:"workspace"`
	StateDir string `yaml:"state_dir"`
	Policy   struct {
		Profile     string `yaml:"profile"`
		ProfilesDir string `yaml:"profiles_dir"`
	} `yaml:"policy"`
	Rehearsal struct {
		MaxIterations    int           `yaml:"max_iterations"`
		IterationTimeout time.Duration `yaml:"iteration_timeout"`
		FallbackTable    string        `yaml:"fallback_table"`
	} `yaml:"rehearsal"`
	Validation struct {
		MinTables            int           `yaml:"min_tables"`
		MinFreeBytes         uint64        `yaml:"min_free_bytes"`
		LockTimeout          time.Duration `yaml:"lock_timeout"`
		SyncConflictPatterns []string      `yaml:"sync_conflict_patterns"`
	} `yaml:"validation"`
	Snapshots struct {
		Retention time.Duration `yaml:"retention"`
	} `yaml:"snapshots"`
	Discovery struct {
		InboxDir   string `yaml:"inbox_dir"`
		VaultLimit int    `yaml:"vault_limit"`
	} `yaml:"discovery"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

const (
	defaultDatastore = "local_vault.db"
	defaultProfile   = "autonomous"
	fileName         = "safeline.yml"
)

// Default returns the configuration used when no file is present.
func Default() *Config {
	var cfg Config
	cfg.Workspace.Root = "."
	cfg.Workspace.Datastore = defaultDatastore
	cfg.StateDir = defaultStateDir()
	cfg.Policy.Profile = defaultProfile
	cfg.Rehearsal.MaxIterations = 5
	cfg.Rehearsal.IterationTimeout = 30 * time.Second
	cfg.Rehearsal.FallbackTable = "entities"
	cfg.Validation.MinTables = 5
	cfg.Validation.MinFreeBytes = 1 << 30
	cfg.Validation.LockTimeout = time.Second
	cfg.Validation.SyncConflictPatterns = []string{"*.cloud"}
	cfg.Snapshots.Retention = 30 * 24 * time.Hour
	cfg.Discovery.VaultLimit = 10
	cfg.Server.Addr = "127.0.0.1:8080"
	cfg.Server.BasePath = "/v0"
	return &cfg
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".safeline"
	}
	return filepath.Join(home, ".safeline")
}

// Validate ensures the config is usable.
func (c *Config) Validate() error {
	if c.Workspace.Root == "" {
		return fmt.Errorf("config.workspace.root is required")
	}
	if c.Workspace.Datastore == "" {
		return fmt.Errorf("config.workspace.datastore is required")
	}
	if c.StateDir == "" {
		return fmt.Errorf("config.state_dir is required")
	}
	if c.Policy.Profile == "" {
		return fmt.Errorf("config.policy.profile is required")
	}
	if c.Rehearsal.MaxIterations < 1 {
		return fmt.Errorf("config.rehearsal.max_iterations must be >= 1")
	}
	if c.Rehearsal.IterationTimeout < 0 {
		return fmt.Errorf("config.rehearsal.iteration_timeout must not be negative")
	}
	if c.Validation.MinTables < 0 {
		return fmt.Errorf("config.validation.min_tables must not be negative")
	}
	for _, p := range c.Validation.SyncConflictPatterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return fmt.Errorf("invalid sync conflict pattern %q: %w", p, err)
		}
	}
	if c.Discovery.VaultLimit < 0 {
		return fmt.Errorf("config.discovery.vault_limit must not be negative")
	}
	return nil
}

// DatastorePath is the live vault database. A relative datastore is
// resolved against the workspace root.
func (c *Config) DatastorePath() string {
	if filepath.IsAbs(c.Workspace.Datastore) {
		return c.Workspace.Datastore
	}
	return filepath.Join(c.Workspace.Root, c.Workspace.Datastore)
}

func (c *Config) SnapshotsDir() string { return filepath.Join(c.StateDir, "snapshots") }
func (c *Config) SandboxDir() string   { return filepath.Join(c.StateDir, "sandbox", "environments") }
func (c *Config) LogsDir() string      { return filepath.Join(c.StateDir, "logs") }
func (c *Config) MetricsDB() string    { return filepath.Join(c.StateDir, "metrics.db") }
func (c *Config) KillSwitch() string   { return filepath.Join(c.StateDir, "KILL_SWITCH") }

// ProfilesDir defaults to <state_dir>/profiles.
func (c *Config) ProfilesDir() string {
	if c.Policy.ProfilesDir != "" {
		return c.Policy.ProfilesDir
	}
	return filepath.Join(c.StateDir, "profiles")
}

// InboxDir defaults to <state_dir>/inbox.
func (c *Config) InboxDir() string {
	if c.Discovery.InboxDir != "" {
		return c.Discovery.InboxDir
	}
	return filepath.Join(c.StateDir, "inbox")
}

// Path returns the default config file location inside a state dir.
func Path(stateDir string) string {
	if stateDir == "" {
		stateDir = defaultStateDir()
	}
	return filepath.Join(stateDir, fileName)
}

// Load reads the config at path. A missing file yields defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Fields not
// present keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GenerateDefault renders a starter config file.
func GenerateDefault(workspaceRoot, stateDir string) string {
	return fmt.Sprintf(defaultTemplate, workspaceRoot, stateDir)
}

const defaultTemplate = `workspace:
  root: %s
  datastore: local_vault.db

state_dir: %s

policy:
  profile: autonomous

rehearsal:
  max_iterations: 5
  iteration_timeout: 30s
  fallback_table: entities

validation:
  min_tables: 5
  min_free_bytes: 1073741824
  lock_timeout: 1s
  sync_conflict_patterns: ["*.cloud"]

snapshots:
  retention: 720h

discovery:
  vault_limit: 10

server:
  addr: 127.0.0.1:8080
  base_path: /v0
`
