package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safeline/internal/domain"
	"safeline/internal/vault"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeEnvs struct {
	dir     string
	created int
	fail    bool
}

func (f *fakeEnvs) Create(task domain.Task, iteration int) (*Environment, error) {
	if f.fail {
		return nil, errors.New("disk full")
	}
	f.created++
	path := filepath.Join(f.dir, task.ID, string(rune('a'+iteration)))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	return &Environment{ID: path, Path: path, Workspace: path}, nil
}

type scripted struct {
	outcomes []domain.Outcome
	calls    int
}

func (s *scripted) Execute(_ context.Context, _ *Environment, _ domain.Task) Execution {
	out := s.outcomes[s.calls]
	s.calls++
	return Execution{Outcome: out}
}

func newTestEnv(t *testing.T) (string, string) {
	t.Helper()
	root := t.TempDir()
	store := filepath.Join(root, "local_vault.db")
	require.NoError(t, vault.Seed(context.Background(), store))
	return root, store
}

func TestOrchestratorReturnsBestAttemptNotLast(t *testing.T) {
	envs := &fakeEnvs{dir: t.TempDir()}
	exec := &scripted{outcomes: []domain.Outcome{
		domain.Failed(domain.KindDatastore, "no such table: ghosts"),
		domain.Failed(domain.KindSyntax, "syntax error near \";\""),
		domain.Failed(domain.KindPermission, "permission denied"),
	}}
	o := Orchestrator{Environments: envs, Executor: exec, Fixer: Fixer{}, MaxIterations: 5, Logger: quiet}
	task := domain.Task{ID: "best", ActionType: "query_db", Payload: map[string]any{"query": "SELECT * FROM ghosts;;"}}

	report := o.Run(context.Background(), task, 95)
	require.Len(t, report.Attempts, 3)
	assert.False(t, report.Success)
	assert.Equal(t, domain.StopUnfixable, report.StopReason)
	require.NotNil(t, report.Best)
	assert.Equal(t, 1, report.Best.Iteration)
	assert.Equal(t, 42, report.BestScore)
	assert.Equal(t, task.Payload, report.FinalTask.Payload)
	for _, a := range report.Attempts {
		assert.True(t, a.Retained)
		assert.FileExists(t, filepath.Join(a.EnvironmentPath, "attempt.json"))
	}
}

func TestOrchestratorNeverExceedsMaxIterations(t *testing.T) {
	envs := &fakeEnvs{dir: t.TempDir()}
	var outs []domain.Outcome
	for i := 0; i < 10; i++ {
		// A fresh error each time keeps the fixer producing fixes.
		outs = append(outs, domain.Failed(domain.KindDatastore, "no such table: t"+string(rune('0'+i))))
	}
	exec := &scripted{outcomes: outs}
	o := Orchestrator{Environments: envs, Executor: exec, Fixer: Fixer{}, MaxIterations: 3, Logger: quiet}

	report := o.Run(context.Background(), domain.Task{ID: "loop", ActionType: "query_db", Payload: map[string]any{"query": "SELECT 1"}}, 95)
	assert.Len(t, report.Attempts, 3)
	assert.Equal(t, 3, exec.calls)
	assert.Equal(t, 3, envs.created)
	assert.Equal(t, domain.StopExhausted, report.StopReason)
	for i, a := range report.Attempts {
		assert.Equal(t, i+1, a.Iteration)
	}
}

func TestOrchestratorStallsOnLowScoringSuccess(t *testing.T) {
	exec := &scripted{outcomes: []domain.Outcome{domain.Succeeded([][]any{{int64(1)}})}}
	o := Orchestrator{Environments: &fakeEnvs{dir: t.TempDir()}, Executor: exec, Fixer: Fixer{}, Logger: quiet}

	report := o.Run(context.Background(), domain.Task{ID: "s", ActionType: "query_db"}, 95)
	assert.Equal(t, domain.StopStalled, report.StopReason)
	assert.False(t, report.Success)
	assert.Equal(t, 94, report.BestScore)
	require.Len(t, report.Attempts, 1)
	assert.False(t, report.Attempts[0].Retained)
	assert.NoDirExists(t, report.Attempts[0].EnvironmentPath)
}

func TestOrchestratorEnvironmentError(t *testing.T) {
	o := Orchestrator{Environments: &fakeEnvs{fail: true}, Executor: &scripted{}, Fixer: Fixer{}, Logger: quiet}
	report := o.Run(context.Background(), domain.Task{ID: "e", ActionType: "query_db"}, 90)
	assert.Equal(t, domain.StopEnvironmentError, report.StopReason)
	assert.Nil(t, report.Best)
	assert.False(t, report.Success)
}

func TestOrchestratorCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := Orchestrator{Environments: &fakeEnvs{dir: t.TempDir()}, Executor: &scripted{}, Fixer: Fixer{}, Logger: quiet}
	report := o.Run(ctx, domain.Task{ID: "c", ActionType: "query_db"}, 90)
	assert.Equal(t, domain.StopCancelled, report.StopReason)
	assert.Empty(t, report.Attempts)
}

func TestRehearsalFixesTrailingTerminators(t *testing.T) {
	root, store := newTestEnv(t)
	before, err := vault.Checksum(store)
	require.NoError(t, err)

	sandboxRoot := filepath.Join(t.TempDir(), "environments")
	o := Orchestrator{
		Environments:  Factory{Root: sandboxRoot, WorkspaceRoot: root, Datastore: store},
		Executor:      Executor{Timeout: 10 * time.Second, Logger: quiet},
		Fixer:         Fixer{},
		MaxIterations: 5,
		Logger:        quiet,
	}
	task := domain.Task{ID: "scenario-c", ActionType: "query_db", Payload: map[string]any{
		"query":           "SELECT COUNT(*) FROM entities;;",
		"expected_result": "integer",
	}}

	report := o.Run(context.Background(), task, 95)
	require.True(t, report.Success, "%+v", report.Attempts)
	require.Len(t, report.Attempts, 2)

	first := report.Attempts[0]
	assert.False(t, first.Success)
	assert.Equal(t, domain.KindSyntax, first.ErrorKind)
	assert.True(t, first.Retained)
	assert.DirExists(t, first.EnvironmentPath)

	second := report.Attempts[1]
	assert.True(t, second.Success)
	assert.GreaterOrEqual(t, second.Score, 95)
	require.NotNil(t, second.Fix)
	assert.Equal(t, FixSQLSyntax, second.Fix.FixType)
	assert.NoDirExists(t, second.EnvironmentPath)

	assert.Equal(t, domain.StopTargetReached, report.StopReason)
	assert.Equal(t, "SELECT COUNT(*) FROM entities", report.FinalTask.String("query"))
	assert.Equal(t, "SELECT COUNT(*) FROM entities;;", task.String("query"))

	after, err := vault.Checksum(store)
	require.NoError(t, err)
	assert.Equal(t, before, after, "rehearsal must not touch the live vault")
}

func TestRehearsalWritesStayInEnvironment(t *testing.T) {
	root, store := newTestEnv(t)
	o := Orchestrator{
		Environments: Factory{Root: filepath.Join(t.TempDir(), "env"), WorkspaceRoot: root, Datastore: store},
		Executor:     Executor{Logger: quiet},
		Fixer:        Fixer{},
		Logger:       quiet,
	}
	task := domain.Task{ID: "w", ActionType: "update_db", Payload: map[string]any{
		"table":   "entities",
		"updates": map[string]any{"status": "archived"},
	}}
	before, err := vault.Checksum(store)
	require.NoError(t, err)

	report := o.Run(context.Background(), task, 90)
	require.True(t, report.Success, "%+v", report.Attempts)
	assert.Equal(t, 94, report.BestScore)

	after, err := vault.Checksum(store)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.NoFileExists(t, filepath.Join(root, "workdir"))
}

func TestExecutorTimeout(t *testing.T) {
	root, store := newTestEnv(t)
	env, err := Factory{Root: t.TempDir(), WorkspaceRoot: root, Datastore: store}.Create(domain.Task{ID: "slow", ActionType: "query_db"}, 1)
	require.NoError(t, err)

	query := "WITH RECURSIVE c(x) AS (SELECT 1 UNION ALL SELECT x+1 FROM c) SELECT COUNT(*) FROM c"
	exec := Executor{Timeout: 50 * time.Millisecond, Logger: quiet}.Execute(context.Background(), env, domain.Task{ID: "slow", ActionType: "query_db", Payload: map[string]any{"query": query}})
	assert.False(t, exec.Outcome.Success)
	assert.Equal(t, domain.KindTimeout, exec.Outcome.Kind)
}

func TestExecutorSideEffectProbe(t *testing.T) {
	root, store := newTestEnv(t)
	env, err := Factory{Root: t.TempDir(), WorkspaceRoot: root, Datastore: store}.Create(domain.Task{ID: "x"}, 1)
	require.NoError(t, err)
	x := Executor{Logger: quiet}

	exec := x.Execute(context.Background(), env, domain.Task{ID: "x", ActionType: "query_db", Payload: map[string]any{"query": "SELECT 1"}})
	assert.True(t, exec.Outcome.Success)
	assert.Equal(t, SideEffects{}, exec.SideEffects)

	exec = x.Execute(context.Background(), env, domain.Task{ID: "x", ActionType: "write_file", Payload: map[string]any{"file_path": "ok.txt", "content": "y"}})
	assert.True(t, exec.Outcome.Success)
	assert.Equal(t, SideEffects{}, exec.SideEffects)

	exec = x.Execute(context.Background(), env, domain.Task{ID: "x", ActionType: "read_file", Payload: map[string]any{"path": "../outside"}})
	assert.Equal(t, domain.KindPermission, exec.Outcome.Kind)
	assert.True(t, exec.SideEffects.PermissionViolations)
}

func TestFactoryCopiesReadTarget(t *testing.T) {
	root, store := newTestEnv(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "notes"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes", "a.md"), []byte("# a"), 0o644))

	task := domain.Task{ID: "r", ActionType: "read_file", Payload: map[string]any{"path": "notes/a.md"}}
	env, err := Factory{Root: t.TempDir(), WorkspaceRoot: root, Datastore: store}.Create(task, 1)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(env.Workspace, "notes", "a.md"))
	assert.FileExists(t, filepath.Join(env.Path, "manifest.json"))
	assert.FileExists(t, env.Datastore)

	exec := Executor{Logger: quiet}.Execute(context.Background(), env, task)
	require.True(t, exec.Outcome.Success, exec.Outcome.Error)
	assert.Equal(t, "# a", exec.Outcome.Result.(map[string]any)["content"])

	require.NoError(t, env.Discard())
	assert.NoDirExists(t, env.Path)
}
