package validate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"safeline/internal/db"
	"safeline/internal/domain"
	"safeline/internal/vault"
)

// PreFlight checks the live workspace is ready for a mutation.
type PreFlight struct {
	Workspace        string
	Datastore        string
	LockTimeout      time.Duration
	MinFreeBytes     uint64
	ConflictPatterns []string
	// FreeSpace reports available bytes on the filesystem holding path.
	// Nil uses statfs.
	FreeSpace func(path string) (uint64, error)
	Logger    *slog.Logger
}

func (p PreFlight) Checks() []Check {
	return []Check{
		{Name: "workspace_accessible", Run: p.workspaceAccessible},
		{Name: "datastore_accessible", Run: p.datastoreAccessible},
		{Name: "datastore_not_locked", Run: p.datastoreNotLocked},
		{Name: "sync_healthy", Run: p.syncHealthy},
		{Name: "disk_space", Run: p.diskSpace},
	}
}

func (p PreFlight) Validate(ctx context.Context, task domain.Task) domain.ValidationResult {
	return run(ctx, logger(p.Logger), "pre-flight", p.Checks(), Input{Task: task})
}

func (p PreFlight) workspaceAccessible(_ context.Context, _ Input) (string, error) {
	info, err := os.Stat(p.Workspace)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("workspace not accessible: %s", p.Workspace)
	}
	return "workspace accessible", nil
}

func (p PreFlight) datastoreAccessible(ctx context.Context, _ Input) (string, error) {
	if _, err := os.Stat(p.Datastore); err != nil {
		return "", fmt.Errorf("datastore not found: %s", p.Datastore)
	}
	conn, err := db.OpenVault(p.Datastore, p.LockTimeout)
	if err != nil {
		return "", fmt.Errorf("datastore error: %w", err)
	}
	defer conn.Close()
	n, err := vault.TableCount(ctx, conn)
	if err != nil {
		return "", fmt.Errorf("datastore error: %w", err)
	}
	if n == 0 {
		return "", errors.New("datastore has no tables")
	}
	return fmt.Sprintf("datastore accessible (%d tables)", n), nil
}

func (p PreFlight) datastoreNotLocked(ctx context.Context, _ Input) (string, error) {
	timeout := p.LockTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	if err := vault.ProbeWriteLock(ctx, p.Datastore, timeout); err != nil {
		return "", fmt.Errorf("datastore is locked: %w", err)
	}
	return "datastore not locked", nil
}

func (p PreFlight) syncHealthy(_ context.Context, _ Input) (string, error) {
	if len(p.ConflictPatterns) == 0 {
		return "sync check disabled", nil
	}
	var conflicts []string
	err := filepath.WalkDir(p.Workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		for _, pat := range p.ConflictPatterns {
			if ok, _ := filepath.Match(pat, d.Name()); ok {
				conflicts = append(conflicts, path)
				break
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("sync check: %w", err)
	}
	if len(conflicts) > 0 {
		return "", fmt.Errorf("sync issues detected (%d conflict files, first %s)", len(conflicts), conflicts[0])
	}
	return "sync healthy", nil
}

func (p PreFlight) diskSpace(_ context.Context, _ Input) (string, error) {
	free := p.FreeSpace
	if free == nil {
		free = statfsFree
	}
	n, err := free(p.Workspace)
	if err != nil {
		return "", fmt.Errorf("disk space: %w", err)
	}
	if n < p.MinFreeBytes {
		return "", fmt.Errorf("low disk space (%s free, need %s)", humanize.IBytes(n), humanize.IBytes(p.MinFreeBytes))
	}
	return fmt.Sprintf("disk space sufficient (%s free)", humanize.IBytes(n)), nil
}

func statfsFree(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}
