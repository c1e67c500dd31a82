package rollback

import (
	"context"
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
	"safeline/internal/snapshot"
	"safeline/internal/vault"
)

func newTestEnv(t *testing.T) (Manager, snapshot.Manager) {
	t.Helper()
	root := t.TempDir()
	state := t.TempDir()
	store := filepath.Join(root, "local_vault.db")
	require.NoError(t, vault.Seed(context.Background(), store))
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	snaps := snapshot.Manager{Root: filepath.Join(state, "snapshots"), WorkspaceRoot: root, Datastore: store, Logger: quiet}
	now := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)
	rb := Manager{
		Snapshots: snaps,
		Datastore: store,
		LogPath:   filepath.Join(state, "logs", "rollbacks.log"),
		MinTables: 5,
		Now:       func() time.Time { return now },
		Logger:    quiet,
	}
	return rb, snaps
}

func TestRollbackRestoresAndVerifies(t *testing.T) {
	ctx := context.Background()
	rb, snaps := newTestEnv(t)
	task := domain.Task{ID: "t1", ActionType: "update_db"}
	id, err := snaps.Create(task, nil)
	require.NoError(t, err)

	conn, err := db.OpenVault(rb.Datastore, time.Second)
	require.NoError(t, err)
	_, err = conn.Exec(`DROP TABLE notes`)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	ok, err := rb.Verify(ctx, id)
	assert.False(t, ok)
	assert.Error(t, err)

	ok, err = rb.Rollback(id, "post-flight failed", task)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = rb.Verify(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	history, err := rb.History(10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, id, history[0].SnapshotID)
	assert.Equal(t, "post-flight failed", history[0].Reason)
	assert.True(t, history[0].Success)
	assert.Equal(t, "t1", history[0].TaskID)
	assert.Equal(t, "2025-04-01T08:00:00Z", history[0].Timestamp)
}

func TestRollbackMissingSnapshotIsLogged(t *testing.T) {
	rb, _ := newTestEnv(t)
	ok, err := rb.Rollback("nope", "execution failed", domain.Task{ID: "t2"})
	assert.False(t, ok)
	require.ErrorIs(t, err, snapshot.ErrSnapshotNotFound)

	history, err := rb.History(0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
	assert.NotEmpty(t, history[0].Error)
}

func TestHistoryNewestFirstAndLimited(t *testing.T) {
	rb, snaps := newTestEnv(t)
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := snaps.Create(domain.Task{ID: "t"}, nil)
		require.NoError(t, err)
		_, err = rb.Rollback(id, "r", domain.Task{ID: "t"})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	f, err := os.OpenFile(rb.LogPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{garbage\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	history, err := rb.History(2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, ids[2], history[0].SnapshotID)
	assert.Equal(t, ids[1], history[1].SnapshotID)

	empty := Manager{LogPath: filepath.Join(t.TempDir(), "none.log")}
	history, err = empty.History(5)
	require.NoError(t, err)
	assert.Empty(t, history)
}
