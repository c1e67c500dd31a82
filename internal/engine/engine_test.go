package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"safeline/internal/config"
	"safeline/internal/db"
	"safeline/internal/domain"
	"safeline/internal/engine"
	"safeline/internal/inbox"
	"safeline/internal/migrate"
	"safeline/internal/policy"
	"safeline/internal/repo"
	"safeline/internal/vault"
)

type testEnv struct {
	Engine engine.Engine
	Config *config.Config
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	ctx := context.Background()
	cfg := config.Default()
	cfg.Workspace.Root = t.TempDir()
	cfg.StateDir = t.TempDir()
	cfg.Validation.MinFreeBytes = 0
	cfg.Rehearsal.IterationTimeout = 10 * time.Second
	if err := db.EnsureStateDir(cfg.StateDir); err != nil {
		t.Fatalf("state dir: %v", err)
	}
	if err := vault.Seed(ctx, cfg.DatastorePath()); err != nil {
		t.Fatalf("seed vault: %v", err)
	}
	conn, err := db.OpenStore(cfg.MetricsDB())
	if err != nil {
		t.Fatalf("open metrics: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	eng.Now = func() time.Time { return time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Config: cfg, Ctx: ctx}
}

func (env testEnv) enqueueVault(t *testing.T, actionType string, payload map[string]any) string {
	t.Helper()
	conn, err := db.OpenVault(env.Config.DatastorePath(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	id, err := vault.EnqueueTask(env.Ctx, conn, actionType, payload, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func (env testEnv) enqueueInbox(t *testing.T, task domain.Task) string {
	t.Helper()
	id, err := inbox.Enqueue(env.Config.InboxDir(), task)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func (env testEnv) latest(t *testing.T, taskID string) domain.ExecutionMetric {
	t.Helper()
	m, err := env.Engine.Repo.LatestExecution(env.Ctx, taskID)
	if err != nil {
		t.Fatalf("metric for %s: %v", taskID, err)
	}
	return m
}

func TestLowRiskQueryAutoExecutes(t *testing.T) {
	env := newTestEnv(t)
	id := env.enqueueVault(t, "query_db", map[string]any{"query": "SELECT 1"})

	rep, err := env.Engine.RunCycle(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Discovered != 1 || rep.Executed != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	res := rep.Results[0]
	if res.Decision.Action != domain.AutoExecute || res.Rehearsal != nil {
		t.Fatalf("expected auto-execute without rehearsal, got %+v", res.Decision)
	}
	if res.Execution == nil || res.Execution.Rollback != nil {
		t.Fatalf("expected clean execution, got %+v", res.Execution)
	}
	m := env.latest(t, id)
	if m.Status != domain.StatusExecuted || m.SnapshotID == "" || m.RiskLevel != "LOW" {
		t.Fatalf("unexpected metric: %+v", m)
	}

	// the vault row stays pending; the recorded outcome keeps it from running twice
	rep, err = env.Engine.RunCycle(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Discovered != 1 || rep.Skipped != 1 || len(rep.Results) != 0 {
		t.Fatalf("task ran again: %+v", rep)
	}
	health, err := env.Engine.Repo.LatestHealth(env.Ctx, 10, 0)
	if err != nil || len(health) != 2 {
		t.Fatalf("health rows: %v %d", err, len(health))
	}
}

func TestCriticalActionIsBlocked(t *testing.T) {
	env := newTestEnv(t)
	id := env.enqueueInbox(t, domain.Task{ActionType: "send_email", Payload: map[string]any{}})

	rep, err := env.Engine.RunCycle(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Blocked != 1 || rep.Executed != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if rep.Results[0].Execution != nil {
		t.Fatalf("blocked task was executed")
	}
	entries, _ := os.ReadDir(env.Config.SnapshotsDir())
	if len(entries) != 0 {
		t.Fatalf("snapshot taken for blocked task")
	}
	if m := env.latest(t, id); m.Status != domain.StatusBlocked || m.RiskScore < 86 {
		t.Fatalf("unexpected metric: %+v", m)
	}
	if _, err := os.Stat(filepath.Join(env.Config.InboxDir(), "processed", "blocked", id+".json")); err != nil {
		t.Fatalf("inbox file not retired: %v", err)
	}
}

func TestUnexecutedVaultTasksLeaveVaultUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.Config.Policy.Profile = "conservative"
	env.enqueueVault(t, "send_email", map[string]any{"to": "ops"})
	env.enqueueVault(t, "query_db", map[string]any{"query": "SELECT name FROM entities"})
	before, err := vault.Checksum(env.Config.DatastorePath())
	if err != nil {
		t.Fatal(err)
	}

	rep, err := env.Engine.RunCycle(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Blocked != 1 || rep.Escalated != 1 || rep.Executed != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	after, err := vault.Checksum(env.Config.DatastorePath())
	if err != nil {
		t.Fatal(err)
	}
	if before != after {
		t.Fatalf("vault changed by a cycle that executed nothing")
	}

	// a later cycle skips both without touching the vault either
	rep, err = env.Engine.RunCycle(env.Ctx)
	if err != nil || rep.Skipped != 2 {
		t.Fatalf("second cycle: %+v %v", rep, err)
	}
	if again, _ := vault.Checksum(env.Config.DatastorePath()); again != before {
		t.Fatalf("vault changed on skip")
	}
}

func TestRehearsalRepairsQueryBeforeExecution(t *testing.T) {
	env := newTestEnv(t)
	env.Config.Policy.Profile = "conservative"
	id := env.enqueueInbox(t, domain.Task{ActionType: "query_db", Payload: map[string]any{
		"query":           "SELECT COUNT(*) FROM entities;;",
		"expected_result": "integer",
	}})

	rep, err := env.Engine.RunCycle(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Executed != 1 {
		t.Fatalf("unexpected report: %+v", rep.Results)
	}
	res := rep.Results[0]
	if res.Rehearsal == nil || len(res.Rehearsal.Attempts) != 2 {
		t.Fatalf("expected two rehearsal attempts, got %+v", res.Rehearsal)
	}
	if first := res.Rehearsal.Attempts[0]; first.Success || first.ErrorKind != domain.KindSyntax {
		t.Fatalf("first attempt should fail with a syntax error: %+v", first)
	}
	if res.Rehearsal.BestScore < 95 || res.Rehearsal.StopReason != domain.StopTargetReached {
		t.Fatalf("unexpected rehearsal: score=%d stop=%s", res.Rehearsal.BestScore, res.Rehearsal.StopReason)
	}
	if got := res.Rehearsal.FinalTask.String("query"); got != "SELECT COUNT(*) FROM entities" {
		t.Fatalf("fixed query = %q", got)
	}
	if res.Execution == nil || !res.Execution.Success {
		t.Fatalf("production execution failed: %+v", res.Execution)
	}
	m := env.latest(t, id)
	if m.SandboxScore == nil || *m.SandboxScore != 100 || m.Iterations != 2 {
		t.Fatalf("unexpected metric: %+v", m)
	}
}

func TestLowRehearsalScoreEscalates(t *testing.T) {
	env := newTestEnv(t)
	env.Config.Policy.Profile = "conservative"
	env.enqueueInbox(t, domain.Task{ActionType: "query_db", Payload: map[string]any{"query": "SELECT name FROM entities"}})

	rep, err := env.Engine.RunCycle(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Escalated != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	res := rep.Results[0]
	if res.Execution != nil {
		t.Fatalf("escalated task was executed")
	}
	if res.Decision.EscalationReason != "rehearsal score 94 below threshold 95" {
		t.Fatalf("escalation reason = %q", res.Decision.EscalationReason)
	}
}

func TestFailedPostFlightRollsBack(t *testing.T) {
	env := newTestEnv(t)
	id := env.enqueueVault(t, "query_db", map[string]any{"query": "DROP TABLE notes"})

	rep, err := env.Engine.RunCycle(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Failed != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	exec := rep.Results[0].Execution
	if exec == nil || exec.Rollback == nil || !exec.Rollback.Restored || !exec.Rollback.Verified {
		t.Fatalf("expected verified rollback: %+v", exec)
	}
	if m := env.latest(t, id); m.Status != domain.StatusRolledBack {
		t.Fatalf("status = %s", m.Status)
	}

	// the vault was restored and its task row left as discovered
	conn, err := db.OpenVault(env.Config.DatastorePath(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	n, err := vault.TableCount(env.Ctx, conn)
	if err != nil || n != 5 {
		t.Fatalf("tables after rollback: %d %v", n, err)
	}
	var status string
	if err := conn.QueryRow(`SELECT status FROM tasks`).Scan(&status); err != nil || status != "pending" {
		t.Fatalf("vault task status = %q %v", status, err)
	}

	health, _ := env.Engine.Repo.LatestHealth(env.Ctx, 1, 0)
	if len(health) != 1 || health[0].Status != engine.CycleDegraded {
		t.Fatalf("health = %+v", health)
	}
}

func TestKillSwitchAbortsBeforeDiscovery(t *testing.T) {
	env := newTestEnv(t)
	env.enqueueVault(t, "query_db", map[string]any{"query": "SELECT 1"})
	if err := os.WriteFile(env.Config.KillSwitch(), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	rep, err := env.Engine.RunCycle(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Aborted || rep.Discovered != 0 || len(rep.Results) != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	counts, _ := env.Engine.Repo.CountByStatus(env.Ctx)
	if len(counts) != 0 {
		t.Fatalf("outcomes recorded while aborted: %v", counts)
	}
	health, _ := env.Engine.Repo.LatestHealth(env.Ctx, 1, 0)
	if len(health) != 1 || health[0].Status != engine.CycleAborted {
		t.Fatalf("health = %+v", health)
	}
}

func TestDryRunRecordsNothing(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.DryRun = true
	env.enqueueVault(t, "query_db", map[string]any{"query": "SELECT 1"})
	env.enqueueInbox(t, domain.Task{ActionType: "send_email"})

	rep, err := env.Engine.RunCycle(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Discovered != 2 || rep.Blocked != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if rep.Results[0].Status != engine.StatusDryRun || rep.Results[0].Execution != nil {
		t.Fatalf("dry run executed: %+v", rep.Results[0])
	}
	counts, _ := env.Engine.Repo.CountByStatus(env.Ctx)
	health, _ := env.Engine.Repo.LatestHealth(env.Ctx, 10, 0)
	evts, _ := env.Engine.Repo.LatestEvents(env.Ctx, 10, "", "", "")
	if len(counts)+len(health)+len(evts) != 0 {
		t.Fatalf("dry run recorded state: %v %v %v", counts, health, evts)
	}

	// still pending for the next live cycle
	env.Engine.DryRun = false
	rep, err = env.Engine.RunCycle(env.Ctx)
	if err != nil || rep.Discovered != 2 {
		t.Fatalf("live cycle after dry run: %+v %v", rep, err)
	}
}

func TestRecordedOutcomeIsSkipped(t *testing.T) {
	env := newTestEnv(t)
	id := env.enqueueInbox(t, domain.Task{ID: "once", ActionType: "send_email"})
	_, err := env.Engine.Repo.InsertExecution(env.Ctx, nil, domain.ExecutionMetric{
		TaskID:    id,
		TaskType:  "send_email",
		RiskLevel: "CRITICAL",
		RiskScore: 86,
		Decision:  "block",
		Status:    domain.StatusBlocked,
		CreatedAt: "2025-04-01T07:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}

	rep, err := env.Engine.RunCycle(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Skipped != 1 || len(rep.Results) != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	rows, _ := env.Engine.Repo.LatestExecutions(env.Ctx, repo.ExecutionFilters{TaskID: id})
	if len(rows) != 1 {
		t.Fatalf("expected a single outcome, got %d", len(rows))
	}
}

func TestMissingProfileIsFatal(t *testing.T) {
	env := newTestEnv(t)
	env.Config.Policy.Profile = "nope"
	_, err := env.Engine.RunCycle(env.Ctx)
	if !errors.Is(err, policy.ErrProfileNotFound) {
		t.Fatalf("expected profile error, got %v", err)
	}
	ctx, cancel := context.WithTimeout(env.Ctx, time.Second)
	defer cancel()
	if err := env.Engine.Watch(ctx, time.Hour, nil); !errors.Is(err, policy.ErrProfileNotFound) {
		t.Fatalf("watch should stop on configuration errors, got %v", err)
	}
}

func TestWatchRunsOnTrigger(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(env.Ctx)
	triggers := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() { done <- env.Engine.Watch(ctx, time.Hour, triggers) }()

	id := env.enqueueInbox(t, domain.Task{ActionType: "send_email"})
	deadline := time.Now().Add(5 * time.Second)
	for {
		select {
		case triggers <- struct{}{}:
		default:
		}
		if ok, _ := env.Engine.Repo.HasOutcome(env.Ctx, id); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("triggered cycle never processed the task")
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}
