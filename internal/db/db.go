package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// EnsureStateDir creates the state directory and the subdirectories the
// pipeline writes into.
func EnsureStateDir(stateDir string) error {
	for _, dir := range []string{
		stateDir,
		filepath.Join(stateDir, "snapshots"),
		filepath.Join(stateDir, "sandbox", "environments"),
		filepath.Join(stateDir, "logs"),
		filepath.Join(stateDir, "profiles"),
		filepath.Join(stateDir, "inbox"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// OpenStore opens the metrics store with foreign keys on, creating its
// parent directory if needed.
func OpenStore(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// OpenVault opens an existing vault database. The file must already exist;
// sqlite would otherwise create an empty database and hide the problem.
func OpenVault(path string, busy time.Duration) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("vault %s: %w", path, err)
	}
	return open(path, busy)
}

// CreateVault opens path, creating the file when missing.
func CreateVault(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return open(path, time.Second)
}

func open(path string, busy time.Duration) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, busy.Milliseconds())
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection keeps pragmas and transactions on the same handle.
	conn.SetMaxOpenConns(1)
	return conn, nil
}
