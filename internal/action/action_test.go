package action

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safeline/internal/domain"
	"safeline/internal/vault"
)

func newRunner(t *testing.T, mode Mode) Runner {
	t.Helper()
	root := t.TempDir()
	store := filepath.Join(root, "local_vault.db")
	require.NoError(t, vault.Seed(context.Background(), store))
	require.NoError(t, os.MkdirAll(filepath.Join(root, WorkdirName), 0o755))
	return Runner{Root: root, Datastore: store, Mode: mode}
}

func task(actionType string, payload map[string]any) domain.Task {
	return domain.Task{ID: "t", ActionType: actionType, Payload: payload}
}

func TestQueryDB(t *testing.T) {
	r := newRunner(t, Production)
	ctx := context.Background()

	out := r.Run(ctx, task("query_db", map[string]any{"query": "SELECT COUNT(*) FROM entities"}))
	require.True(t, out.Success, out.Error)
	rows, ok := out.Result.([][]any)
	require.True(t, ok)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 3, rows[0][0])

	out = r.Run(ctx, task("query_db", map[string]any{"query": "SELECT 1;"}))
	assert.True(t, out.Success, out.Error)

	out = r.Run(ctx, task("query_db", map[string]any{"query": "INSERT INTO notes(title) VALUES ('a')"}))
	require.True(t, out.Success, out.Error)
	assert.EqualValues(t, 1, out.Result.(map[string]any)["affected_rows"])
}

func TestQueryDBFailures(t *testing.T) {
	r := newRunner(t, Rehearsal)
	ctx := context.Background()
	cases := []struct {
		query string
		kind  domain.ErrorKind
		text  string
	}{
		{"SELECT COUNT(*) FROM entities;;", domain.KindSyntax, "one statement at a time"},
		{"SELECT 1; DROP TABLE entities", domain.KindSyntax, "syntax error"},
		{"SELECT * FROM ghosts", domain.KindDatastore, "no such table"},
		{"SELECT nope FROM entities", domain.KindDatastore, "no such column"},
		{"SELEC 1", domain.KindSyntax, "syntax error"},
		{"", domain.KindPayload, "missing query in payload"},
	}
	for _, tc := range cases {
		out := r.Run(ctx, task("query_db", map[string]any{"query": tc.query}))
		assert.False(t, out.Success, tc.query)
		assert.Equal(t, tc.kind, out.Kind, tc.query)
		assert.Contains(t, out.Error, tc.text, tc.query)
	}

	out := r.Run(ctx, task("query_db", map[string]any{"query": "SELECT ';' AS semi"}))
	assert.True(t, out.Success, out.Error)
}

func TestUpdateDB(t *testing.T) {
	r := newRunner(t, Production)
	ctx := context.Background()
	out := r.Run(ctx, task("update_db", map[string]any{
		"table":      "entities",
		"updates":    map[string]any{"status": "archived"},
		"conditions": map[string]any{"name": "archive"},
	}))
	require.True(t, out.Success, out.Error)
	assert.EqualValues(t, 1, out.Result.(map[string]any)["affected_rows"])

	out = r.Run(ctx, task("update_db", map[string]any{"table": "entities; DROP TABLE notes", "updates": map[string]any{"status": "x"}}))
	assert.Equal(t, domain.KindPayload, out.Kind)

	out = r.Run(ctx, task("update_db", map[string]any{"table": "entities"}))
	assert.Contains(t, out.Error, "missing table or updates in payload")
}

func TestWriteAndReadFile(t *testing.T) {
	r := newRunner(t, Production)
	ctx := context.Background()

	out := r.Run(ctx, task("write_file", map[string]any{"file_path": "/somewhere/else/report.txt", "content": "hello"}))
	require.True(t, out.Success, out.Error)
	res := out.Result.(map[string]any)
	assert.Equal(t, 5, res["bytes_written"])
	assert.Equal(t, filepath.Join(r.Root, WorkdirName, "report.txt"), res["path"])

	out = r.Run(ctx, task("read_file", map[string]any{"path": "workdir/report.txt"}))
	require.True(t, out.Success, out.Error)
	assert.Equal(t, "hello", out.Result.(map[string]any)["content"])

	out = r.Run(ctx, task("read_file", map[string]any{"path": "../../etc/passwd"}))
	assert.Equal(t, domain.KindPermission, out.Kind)

	out = r.Run(ctx, task("read_file", map[string]any{"path": "missing.txt"}))
	assert.Equal(t, domain.KindIO, out.Kind)
	assert.Contains(t, out.Error, "no such file or directory")

	out = r.Run(ctx, task("write_file", map[string]any{"file_path": "x.txt"}))
	assert.Equal(t, domain.KindPayload, out.Kind)
}

func TestWriteFileCreateDirs(t *testing.T) {
	r := newRunner(t, Rehearsal)
	require.NoError(t, os.RemoveAll(filepath.Join(r.Root, WorkdirName)))
	ctx := context.Background()

	out := r.Run(ctx, task("write_file", map[string]any{"file_path": "a.txt", "content": "x"}))
	require.False(t, out.Success)
	assert.Contains(t, out.Error, "no such file or directory")

	out = r.Run(ctx, task("write_file", map[string]any{"file_path": "a.txt", "content": "x", "create_dirs": true}))
	assert.True(t, out.Success, out.Error)
}

func TestScriptsAreRehearsalOnly(t *testing.T) {
	ctx := context.Background()
	payload := map[string]any{"commands": []any{"echo hi | tr a-z A-Z", "ls -la /tmp"}}

	out := newRunner(t, Rehearsal).Run(ctx, task("execute_script", payload))
	require.True(t, out.Success, out.Error)
	assert.Equal(t, 2, out.Result.(map[string]any)["commands_validated"])

	out = newRunner(t, Rehearsal).Run(ctx, task("system_optimization", map[string]any{"commands": []any{"if then fi ("}}))
	assert.Equal(t, domain.KindSyntax, out.Kind)

	out = newRunner(t, Production).Run(ctx, task("execute_script", payload))
	assert.Equal(t, domain.KindUnsupported, out.Kind)
}

func TestUnsupportedAndCancelled(t *testing.T) {
	r := newRunner(t, Production)
	out := r.Run(context.Background(), task("send_email", nil))
	assert.Equal(t, domain.KindUnsupported, out.Kind)
	assert.Equal(t, "unsupported action type: send_email", out.Error)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out = r.Run(ctx, task("query_db", map[string]any{"query": "SELECT 1"}))
	assert.Equal(t, domain.KindTimeout, out.Kind)
}

func TestAffectedFiles(t *testing.T) {
	root := "/ws"
	assert.Equal(t, []string{filepath.Join(root, WorkdirName, "r.txt")}, AffectedFiles(root, task("write_file", map[string]any{"path": "a/r.txt"})))
	assert.Nil(t, AffectedFiles(root, task("update_db", nil)))
}
