package validate

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safeline/internal/db"
	"safeline/internal/domain"
	"safeline/internal/vault"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestEnv(t *testing.T) (PreFlight, PostFlight) {
	t.Helper()
	root := t.TempDir()
	store := filepath.Join(root, "local_vault.db")
	require.NoError(t, vault.Seed(context.Background(), store))
	pre := PreFlight{
		Workspace:        root,
		Datastore:        store,
		LockTimeout:      100 * time.Millisecond,
		MinFreeBytes:     1 << 30,
		ConflictPatterns: []string{"*.cloud"},
		FreeSpace:        func(string) (uint64, error) { return 2 << 30, nil },
		Logger:           quiet,
	}
	post := PostFlight{Datastore: store, MinTables: 5, LockTimeout: 100 * time.Millisecond, Logger: quiet}
	return pre, post
}

func TestPreFlightPasses(t *testing.T) {
	pre, _ := newTestEnv(t)
	res := pre.Validate(context.Background(), domain.Task{ID: "t1", ActionType: "update_db"})
	assert.True(t, res.Passed, res.Issues)
	assert.Empty(t, res.Issues)
}

func TestPreFlightCollectsEveryIssue(t *testing.T) {
	pre, _ := newTestEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(pre.Workspace, "notes.cloud"), nil, 0o644))
	pre.FreeSpace = func(string) (uint64, error) { return 10 << 20, nil }

	res := pre.Validate(context.Background(), domain.Task{ID: "t1"})
	require.False(t, res.Passed)
	require.Len(t, res.Issues, 2)
	assert.Contains(t, res.Issues[0], "sync issues detected (1 conflict files")
	assert.Contains(t, res.Issues[1], "low disk space (10 MiB free, need 1.0 GiB)")
}

func TestPreFlightMissingDatastore(t *testing.T) {
	pre, _ := newTestEnv(t)
	pre.Datastore = filepath.Join(pre.Workspace, "missing.db")
	res := pre.Validate(context.Background(), domain.Task{ID: "t1"})
	require.False(t, res.Passed)
	assert.Contains(t, res.Issues[0], "datastore not found")
}

func TestPreFlightDetectsWriteLock(t *testing.T) {
	ctx := context.Background()
	pre, _ := newTestEnv(t)

	holder, err := db.OpenVault(pre.Datastore, time.Second)
	require.NoError(t, err)
	defer holder.Close()
	conn, err := holder.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.ExecContext(ctx, `BEGIN IMMEDIATE`)
	require.NoError(t, err)
	defer conn.ExecContext(ctx, `ROLLBACK`)

	res := pre.Validate(ctx, domain.Task{ID: "t1"})
	require.False(t, res.Passed)
	require.Len(t, res.Issues, 1)
	assert.Contains(t, res.Issues[0], "datastore is locked")
}

func TestCheckPanicBecomesIssue(t *testing.T) {
	checks := []Check{
		{Name: "boom", Run: func(context.Context, Input) (string, error) { panic("kaboom") }},
		{Name: "fine", Run: func(context.Context, Input) (string, error) { return "ok", nil }},
		{Name: "bad", Run: func(context.Context, Input) (string, error) { return "", errors.New("bad thing") }},
	}
	res := run(context.Background(), quiet, "test", checks, Input{})
	assert.False(t, res.Passed)
	assert.Equal(t, []string{"boom: panic: kaboom", "bad thing"}, res.Issues)
}

func TestPostFlightPriorErrorIsSoleIssue(t *testing.T) {
	_, post := newTestEnv(t)
	res := post.Validate(context.Background(), domain.Task{ID: "t1", ActionType: "update_db"}, domain.Failed(domain.KindDatastore, "database is locked"))
	assert.False(t, res.Passed)
	assert.Equal(t, []string{"task execution error: database is locked"}, res.Issues)
}

func TestPostFlightExpectedChanges(t *testing.T) {
	_, post := newTestEnv(t)
	ctx := context.Background()
	cases := []struct {
		name   string
		task   domain.Task
		result any
		passed bool
	}{
		{"update rows", domain.Task{ActionType: "update_db"}, map[string]any{"affected_rows": int64(2)}, true},
		{"update zero rows", domain.Task{ActionType: "update_db"}, map[string]any{"affected_rows": int64(0)}, true},
		{"update no metadata", domain.Task{ActionType: "update_db"}, nil, true},
		{"select rows", domain.Task{ActionType: "query_db", Payload: map[string]any{"query": "SELECT 1"}}, [][]any{{int64(1)}}, true},
		{"select nil", domain.Task{ActionType: "query_db", Payload: map[string]any{"query": "SELECT 1"}}, nil, false},
		{"write query", domain.Task{ActionType: "query_db", Payload: map[string]any{"query": "DELETE FROM notes"}}, map[string]any{"affected_rows": int64(0)}, true},
		{"file written", domain.Task{ActionType: "write_file"}, map[string]any{"bytes_written": 12}, true},
		{"empty file", domain.Task{ActionType: "write_file"}, map[string]any{"bytes_written": 0}, false},
		{"other", domain.Task{ActionType: "read_file"}, map[string]any{"content": ""}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := post.Validate(ctx, tc.task, domain.Succeeded(tc.result))
			assert.Equal(t, tc.passed, res.Passed, res.Issues)
		})
	}
}

func TestPostFlightDetectsMissingTables(t *testing.T) {
	_, post := newTestEnv(t)
	conn, err := sql.Open("sqlite", "file:"+post.Datastore)
	require.NoError(t, err)
	_, err = conn.Exec(`DROP TABLE contacts`)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	res := post.Validate(context.Background(), domain.Task{ActionType: "update_db"}, domain.Succeeded(map[string]any{"affected_rows": int64(1)}))
	require.False(t, res.Passed)
	require.Len(t, res.Issues, 1)
	assert.Contains(t, res.Issues[0], "only 4 tables")
}
