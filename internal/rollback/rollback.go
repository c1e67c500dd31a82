// Package rollback restores snapshots after a failed production execution,
// verifies the restored vault and keeps an append-only rollback log.
package rollback

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"safeline/internal/db"
	"safeline/internal/domain"
	"safeline/internal/vault"
)

// Snapshots is the part of the snapshot store rollback needs.
type Snapshots interface {
	Restore(id string) (bool, error)
	BackupPath(id string) (string, error)
}

// Entry is one line of the rollback log.
type Entry struct {
	Timestamp  string `json:"timestamp"`
	SnapshotID string `json:"snapshot_id"`
	Reason     string `json:"reason"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
	TaskType   string `json:"task_type,omitempty"`
}

type Manager struct {
	Snapshots Snapshots
	Datastore string
	LogPath   string
	MinTables int
	Now       func() time.Time
	Logger    *slog.Logger
}

func (m Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m Manager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// Rollback restores snapshot id and records the attempt in the log,
// whatever its result.
func (m Manager) Rollback(id, reason string, task domain.Task) (bool, error) {
	log := m.logger().With("snapshot_id", id, "task_id", task.ID)
	log.Warn("rollback started", "reason", reason)

	ok, err := m.Snapshots.Restore(id)
	entry := Entry{
		Timestamp:  m.now().UTC().Format(time.RFC3339Nano),
		SnapshotID: id,
		Reason:     reason,
		Success:    ok && err == nil,
		TaskID:     task.ID,
		TaskType:   task.ActionType,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if logErr := m.append(entry); logErr != nil {
		log.Error("write rollback log", "err", logErr)
	}
	if err != nil {
		log.Error("rollback failed", "err", err)
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("restore snapshot %s failed", id)
	}
	log.Info("rollback completed")
	return true, nil
}

// Verify checks the live vault is byte-identical to the snapshot backup and
// structurally sound.
func (m Manager) Verify(ctx context.Context, id string) (bool, error) {
	backup, err := m.Snapshots.BackupPath(id)
	if err != nil {
		return false, err
	}
	want, err := vault.Checksum(backup)
	if err != nil {
		return false, fmt.Errorf("checksum backup: %w", err)
	}
	got, err := vault.Checksum(m.Datastore)
	if err != nil {
		return false, fmt.Errorf("checksum datastore: %w", err)
	}
	if got != want {
		return false, fmt.Errorf("datastore differs from snapshot %s", id)
	}
	conn, err := db.OpenVault(m.Datastore, time.Second)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	n, err := vault.TableCount(ctx, conn)
	if err != nil {
		return false, err
	}
	if n < m.MinTables {
		return false, fmt.Errorf("restored datastore has %d tables, expected at least %d", n, m.MinTables)
	}
	return true, nil
}

func (m Manager) append(e Entry) error {
	if m.LogPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.LogPath), 0o755); err != nil {
		return err
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(m.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// History returns up to limit log entries, newest first. Malformed lines
// are skipped.
func (m Manager) History(limit int) ([]Entry, error) {
	f, err := os.Open(m.LogPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var all []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		all = append(all, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]Entry, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
	}
	return out, nil
}
