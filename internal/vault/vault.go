// Package vault holds helpers for the workspace datastore: structural
// checks, the write-lock probe, pending-task discovery and seeding.
package vault

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"safeline/internal/db"
	"safeline/internal/domain"
)

// SourceName tags tasks discovered from the vault tasks table.
const SourceName = "local_vault.db"

// TableCount returns the number of user tables.
func TableCount(ctx context.Context, conn *sql.DB) (int, error) {
	var n int
	err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count tables: %w", err)
	}
	return n, nil
}

// IntegrityCheck runs PRAGMA integrity_check and returns its first row,
// which is "ok" for a healthy database.
func IntegrityCheck(ctx context.Context, conn *sql.DB) (string, error) {
	var res string
	if err := conn.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&res); err != nil {
		return "", fmt.Errorf("integrity check: %w", err)
	}
	return res, nil
}

// ProbeWriteLock attempts to take the reserved write lock on the vault at
// path and releases it immediately. It fails when another writer holds the
// lock for longer than timeout.
func ProbeWriteLock(ctx context.Context, path string, timeout time.Duration) error {
	conn, err := db.OpenVault(path, timeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	c, err := conn.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer c.Close()
	if _, err := c.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		return fmt.Errorf("vault is locked: %w", err)
	}
	if _, err := c.ExecContext(ctx, `ROLLBACK`); err != nil {
		return fmt.Errorf("release probe lock: %w", err)
	}
	return nil
}

// PendingTasks reads up to limit rows with status 'pending' from the vault
// tasks table. Rows with malformed payload JSON are skipped and reported
// through the returned bad slice.
func PendingTasks(ctx context.Context, conn *sql.DB, limit int) (tasks []domain.Task, bad []string, err error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := conn.QueryContext(ctx, `SELECT id, task_type, COALESCE(payload,'') FROM tasks WHERE status='pending' ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("query pending tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id       int64
			taskType string
			payload  string
		)
		if err := rows.Scan(&id, &taskType, &payload); err != nil {
			return nil, nil, err
		}
		p := map[string]any{}
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &p); err != nil {
				bad = append(bad, fmt.Sprintf("task %d: invalid payload json: %v", id, err))
				continue
			}
		}
		tasks = append(tasks, domain.Task{
			ID:         "db_" + strconv.FormatInt(id, 10),
			ActionType: taskType,
			Payload:    p,
			Source:     SourceName,
		})
	}
	return tasks, bad, rows.Err()
}

// Checksum returns the hex sha256 of the file at path.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS entities (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'note',
		status TEXT NOT NULL DEFAULT 'active',
		updated_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS documents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id INTEGER REFERENCES entities(id),
		path TEXT NOT NULL,
		body TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_type TEXT NOT NULL,
		payload TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS notes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		body TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS contacts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		email TEXT
	)`,
}

// ErrAlreadySeeded is returned by Seed when the vault already has tables.
var ErrAlreadySeeded = errors.New("vault already initialized")

// Seed creates a minimal vault at path with the five core tables and a few
// entity rows. It refuses to touch a vault that already has tables.
func Seed(ctx context.Context, path string) error {
	conn, err := db.CreateVault(path)
	if err != nil {
		return err
	}
	defer conn.Close()
	n, err := TableCount(ctx, conn)
	if err != nil {
		return err
	}
	if n > 0 {
		return ErrAlreadySeeded
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("seed schema: %w", err)
		}
	}
	for _, name := range []string{"inbox", "projects", "archive"} {
		if _, err := tx.ExecContext(ctx, `INSERT INTO entities(name, kind) VALUES (?, 'folder')`, name); err != nil {
			return fmt.Errorf("seed entities: %w", err)
		}
	}
	return tx.Commit()
}

// EnqueueTask inserts a pending task row, returning the discovery id it
// will surface under.
func EnqueueTask(ctx context.Context, conn *sql.DB, actionType string, payload map[string]any, now time.Time) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	res, err := conn.ExecContext(ctx, `INSERT INTO tasks(task_type, payload, status, created_at) VALUES (?,?, 'pending', ?)`,
		actionType, string(data), now.UTC().Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", err
	}
	return "db_" + strconv.FormatInt(id, 10), nil
}
