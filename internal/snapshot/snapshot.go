// Package snapshot captures and restores the state a production execution
// may mutate: the vault and the files a task names.
//
// Layout, one directory per snapshot, directory name == snapshot id:
//
//	<root>/<id>/metadata.json
//	<root>/<id>/<vault file name>
//	<root>/<id>/files/<path relative to the workspace>
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"safeline/internal/domain"
	"safeline/internal/fsutil"
)

const (
	metadataFile = "metadata.json"
	filesDir     = "files"
)

var (
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrBackupMissing    = errors.New("snapshot database backup missing")
)

// sqliteSidecars are removed beside the live vault on restore so a stale
// journal is never replayed over the restored file.
var sqliteSidecars = []string{"-journal", "-wal", "-shm"}

type Manager struct {
	Root          string
	WorkspaceRoot string
	Datastore     string
	Now           func() time.Time
	Logger        *slog.Logger
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

// Create snapshots the vault and affected files for task. A vault that
// cannot be backed up fails the whole snapshot; individual file copy errors
// are logged and recorded in the metadata.
func (m Manager) Create(task domain.Task, affected []string) (string, error) {
	id := uuid.NewString()
	dir := filepath.Join(m.Root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	backup := filepath.Join(dir, filepath.Base(m.Datastore))
	if err := fsutil.CopyFile(m.Datastore, backup); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("backup datastore: %w", err)
	}
	meta := domain.SnapshotMeta{
		ID:             id,
		TaskID:         task.ID,
		TaskType:       task.ActionType,
		CreatedAt:      m.now().UTC().Format(time.RFC3339Nano),
		AffectedFiles:  append([]string{}, affected...),
		DatabaseBackup: &backup,
	}
	for _, f := range affected {
		rel, err := m.relative(f)
		if err != nil {
			meta.CopyErrors = append(meta.CopyErrors, err.Error())
			m.logger().Warn("snapshot file skipped", "snapshot_id", id, "file", f, "err", err)
			continue
		}
		if !fsutil.Exists(f) {
			meta.AbsentFiles = append(meta.AbsentFiles, rel)
			continue
		}
		if err := fsutil.CopyFile(f, filepath.Join(dir, filesDir, rel)); err != nil {
			meta.CopyErrors = append(meta.CopyErrors, fmt.Sprintf("%s: %v", f, err))
			m.logger().Warn("snapshot file copy failed", "snapshot_id", id, "file", f, "err", err)
			continue
		}
		meta.FilesBackedUp = append(meta.FilesBackedUp, rel)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		_ = os.RemoveAll(dir)
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFile), data, 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("write snapshot metadata: %w", err)
	}
	m.logger().Info("snapshot created", "snapshot_id", id, "task_id", task.ID, "files", len(meta.FilesBackedUp))
	return id, nil
}

func (m Manager) relative(path string) (string, error) {
	rel, err := filepath.Rel(m.WorkspaceRoot, path)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside the workspace", path)
	}
	return rel, nil
}

func (m Manager) dir(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("%w: %q", ErrSnapshotNotFound, id)
	}
	return filepath.Join(m.Root, id), nil
}

// Info reads the metadata of one snapshot.
func (m Manager) Info(id string) (domain.SnapshotMeta, error) {
	dir, err := m.dir(id)
	if err != nil {
		return domain.SnapshotMeta{}, err
	}
	return readMeta(dir)
}

func readMeta(dir string) (domain.SnapshotMeta, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if errors.Is(err, os.ErrNotExist) {
		return domain.SnapshotMeta{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, filepath.Base(dir))
	}
	if err != nil {
		return domain.SnapshotMeta{}, err
	}
	var meta domain.SnapshotMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return domain.SnapshotMeta{}, fmt.Errorf("snapshot %s metadata: %w", filepath.Base(dir), err)
	}
	return meta, nil
}

// BackupPath is the vault copy held by snapshot id.
func (m Manager) BackupPath(id string) (string, error) {
	dir, err := m.dir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.Base(m.Datastore)), nil
}

// Restore copies the vault and files of snapshot id back over the live
// workspace and removes affected files that did not exist when the snapshot
// was taken. It returns false when the snapshot or its vault backup is
// missing or the vault cannot be written back.
func (m Manager) Restore(id string) (bool, error) {
	meta, err := m.Info(id)
	if err != nil {
		return false, err
	}
	dir, _ := m.dir(id)
	backup := filepath.Join(dir, filepath.Base(m.Datastore))
	if !fsutil.Exists(backup) {
		return false, fmt.Errorf("%w: %s", ErrBackupMissing, id)
	}
	for _, suffix := range sqliteSidecars {
		if err := os.Remove(m.Datastore + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("remove %s: %w", m.Datastore+suffix, err)
		}
	}
	if err := fsutil.CopyFile(backup, m.Datastore); err != nil {
		return false, fmt.Errorf("restore datastore: %w", err)
	}

	log := m.logger().With("snapshot_id", id)
	for _, rel := range meta.FilesBackedUp {
		if err := fsutil.CopyFile(filepath.Join(dir, filesDir, rel), filepath.Join(m.WorkspaceRoot, rel)); err != nil {
			log.Error("restore file", "file", rel, "err", err)
		}
	}
	for _, rel := range meta.AbsentFiles {
		if err := os.Remove(filepath.Join(m.WorkspaceRoot, rel)); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Error("remove created file", "file", rel, "err", err)
		}
	}
	log.Info("snapshot restored", "files", len(meta.FilesBackedUp), "removed", len(meta.AbsentFiles))
	return true, nil
}

// List returns up to limit snapshots, newest first. limit <= 0 lists all.
func (m Manager) List(limit int) ([]domain.SnapshotMeta, error) {
	entries, err := os.ReadDir(m.Root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	type dated struct {
		meta domain.SnapshotMeta
		at   time.Time
	}
	var all []dated
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := readMeta(filepath.Join(m.Root, e.Name()))
		if err != nil {
			continue
		}
		at, _ := time.Parse(time.RFC3339Nano, meta.CreatedAt)
		all = append(all, dated{meta: meta, at: at})
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].at.After(all[j].at) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]domain.SnapshotMeta, len(all))
	for i, d := range all {
		out[i] = d.meta
	}
	return out, nil
}

// Cleanup removes snapshots created more than olderThan ago and returns how
// many were removed. Directories without readable metadata are left alone.
func (m Manager) Cleanup(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(m.Root)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cleanup snapshots: %w", err)
	}
	cutoff := m.now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(m.Root, e.Name())
		meta, err := readMeta(dir)
		if err != nil {
			continue
		}
		at, err := time.Parse(time.RFC3339Nano, meta.CreatedAt)
		if err != nil || !at.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			return removed, fmt.Errorf("remove snapshot %s: %w", e.Name(), err)
		}
		removed++
		m.logger().Info("snapshot removed", "snapshot_id", e.Name(), "created_at", meta.CreatedAt)
	}
	return removed, nil
}
