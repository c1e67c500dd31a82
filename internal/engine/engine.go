package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"safeline/internal/action"
	"safeline/internal/config"
	"safeline/internal/domain"
	"safeline/internal/events"
	"safeline/internal/inbox"
	"safeline/internal/policy"
	"safeline/internal/production"
	"safeline/internal/repo"
	"safeline/internal/rollback"
	"safeline/internal/router"
	"safeline/internal/sandbox"
	"safeline/internal/snapshot"
	"safeline/internal/validate"
	"safeline/internal/vault"
)

// Source yields pending tasks. Discover may return tasks together with an
// error describing entries it had to skip.
type Source interface {
	Name() string
	Discover(ctx context.Context) ([]domain.Task, error)
}

// Acker is implemented by sources that can retire a task once its outcome
// is recorded.
type Acker interface {
	Ack(ctx context.Context, task domain.Task, status string) error
}

type ProfileLoader interface {
	Load(name string) (policy.Profile, error)
}

type Rehearser interface {
	Run(ctx context.Context, task domain.Task, target int) domain.RehearsalReport
}

type Executor interface {
	Execute(ctx context.Context, task domain.Task) domain.ExecutionReport
}

// StatusDryRun marks an admitted task in a dry-run cycle. It is never
// recorded.
const StatusDryRun = "dry_run"

// Cycle health statuses.
const (
	CycleSuccess   = "success"
	CycleDegraded  = "degraded"
	CycleError     = "error"
	CycleAborted   = "aborted"
	CycleCancelled = "cancelled"
)

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Profiles   ProfileLoader
	Sources    []Source
	Rehearsal  Rehearser
	Production Executor
	KillSwitch string
	DryRun     bool
	Now        func() time.Time
	Logger     *slog.Logger

	cycleMu *sync.Mutex
}

// New wires the full pipeline from cfg. db is the metrics store.
func New(db *sql.DB, cfg *config.Config, logger *slog.Logger) Engine {
	if logger == nil {
		logger = slog.Default()
	}
	store := cfg.DatastorePath()
	snaps := Snapshots(cfg, logger)
	rehearsal := sandbox.Orchestrator{
		Environments: sandbox.Factory{
			Root:          cfg.SandboxDir(),
			WorkspaceRoot: cfg.Workspace.Root,
			Datastore:     store,
		},
		Executor:      sandbox.Executor{Timeout: cfg.Rehearsal.IterationTimeout, Logger: logger},
		Fixer:         sandbox.Fixer{FallbackTable: cfg.Rehearsal.FallbackTable},
		MaxIterations: cfg.Rehearsal.MaxIterations,
		Logger:        logger,
	}
	exec := production.Executor{
		PreFlight: validate.PreFlight{
			Workspace:        cfg.Workspace.Root,
			Datastore:        store,
			LockTimeout:      cfg.Validation.LockTimeout,
			MinFreeBytes:     cfg.Validation.MinFreeBytes,
			ConflictPatterns: cfg.Validation.SyncConflictPatterns,
			Logger:           logger,
		},
		Snapshots: snaps,
		Runner: action.Runner{
			Root:        cfg.Workspace.Root,
			Datastore:   store,
			Mode:        action.Production,
			BusyTimeout: cfg.Validation.LockTimeout,
		},
		PostFlight: validate.PostFlight{
			Datastore:   store,
			MinTables:   cfg.Validation.MinTables,
			LockTimeout: cfg.Validation.LockTimeout,
			Logger:      logger,
		},
		Rollback:      Rollbacks(cfg, snaps, logger),
		AffectedFiles: func(task domain.Task) []string { return action.AffectedFiles(cfg.Workspace.Root, task) },
		Logger:        logger,
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Profiles: policy.NewStore(cfg.ProfilesDir()),
		Sources: []Source{
			vault.Source{Path: store, Limit: cfg.Discovery.VaultLimit, BusyTimeout: cfg.Validation.LockTimeout},
			inbox.NewSource(cfg.InboxDir()),
		},
		Rehearsal:  rehearsal,
		Production: exec,
		KillSwitch: cfg.KillSwitch(),
		Logger:     logger,
		cycleMu:    &sync.Mutex{},
	}
}

// Snapshots returns the snapshot manager for cfg.
func Snapshots(cfg *config.Config, logger *slog.Logger) snapshot.Manager {
	return snapshot.Manager{
		Root:          cfg.SnapshotsDir(),
		WorkspaceRoot: cfg.Workspace.Root,
		Datastore:     cfg.DatastorePath(),
		Logger:        logger,
	}
}

// Rollbacks returns the rollback manager for cfg, restoring through snaps.
func Rollbacks(cfg *config.Config, snaps snapshot.Manager, logger *slog.Logger) rollback.Manager {
	return rollback.Manager{
		Snapshots: snaps,
		Datastore: cfg.DatastorePath(),
		LogPath:   RollbackLog(cfg),
		MinTables: cfg.Validation.MinTables,
		Logger:    logger,
	}
}

// RollbackLog is where rollbacks are journalled for cfg.
func RollbackLog(cfg *config.Config) string {
	return filepath.Join(cfg.LogsDir(), "rollbacks.log")
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339Nano)
}

// KillSwitchActive reports whether the sentinel file exists.
func (e Engine) KillSwitchActive() bool {
	if e.KillSwitch == "" {
		return false
	}
	_, err := os.Stat(e.KillSwitch)
	return err == nil
}

// SetKillSwitch creates or removes the sentinel file and records the
// toggle as an event.
func (e Engine) SetKillSwitch(ctx context.Context, active bool, reason, actor string) error {
	if e.KillSwitch == "" {
		return errors.New("kill switch path not configured")
	}
	if active {
		if err := os.MkdirAll(filepath.Dir(e.KillSwitch), 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
		body := fmt.Sprintf("%s %s\n", e.stamp(), reason)
		if err := os.WriteFile(e.KillSwitch, []byte(body), 0o644); err != nil {
			return fmt.Errorf("write kill switch: %w", err)
		}
	} else if err := os.Remove(e.KillSwitch); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove kill switch: %w", err)
	}
	e.logger().Warn("kill switch toggled", "active", active, "actor", actor, "reason", reason)
	if e.DB == nil {
		return nil
	}
	return e.Events.Append(ctx, nil, events.KillSwitchToggle, "", "", events.EventPayload{
		"active": active,
		"reason": reason,
		"actor":  actor,
	})
}

type discovered struct {
	task   domain.Task
	source Source
}

// RunCycle runs one heartbeat: kill switch, profile, discovery, then every
// task through the pipeline one at a time. Cycles never overlap.
func (e Engine) RunCycle(ctx context.Context) (domain.CycleReport, error) {
	if e.cycleMu != nil {
		e.cycleMu.Lock()
		defer e.cycleMu.Unlock()
	}
	start := e.now()
	rep := domain.CycleReport{CycleID: uuid.NewString()[:8], DryRun: e.DryRun}
	log := e.logger().With("cycle_id", rep.CycleID, "dry_run", e.DryRun)
	log.Info("cycle starting")

	if e.KillSwitchActive() {
		rep.Aborted = true
		rep.Duration = e.now().Sub(start)
		log.Warn("kill switch active, cycle aborted", "sentinel", e.KillSwitch)
		e.event(ctx, events.CycleAborted, rep.CycleID, "", events.EventPayload{"reason": "kill switch active"})
		e.recordHealth(ctx, rep, nil, CycleAborted, "kill switch active")
		return rep, nil
	}

	profile, err := e.Profiles.Load(e.profileName())
	if err != nil {
		rep.Duration = e.now().Sub(start)
		log.Error("load profile", "err", err)
		e.recordHealth(ctx, rep, nil, CycleError, err.Error())
		return rep, fmt.Errorf("load profile: %w", err)
	}
	e.event(ctx, events.CycleStarted, rep.CycleID, "", events.EventPayload{"profile": profile.Name})

	tasks, discoveryErrs := e.discover(ctx, rep.CycleID)
	rep.Discovered = len(tasks)
	log.Info("tasks discovered", "count", len(tasks))

	status := CycleSuccess
	if len(discoveryErrs) > 0 {
		status = CycleDegraded
	}
	var riskScores []int
	for i, d := range tasks {
		if ctx.Err() != nil {
			status = CycleCancelled
			log.Warn("cycle cancelled", "remaining", len(tasks)-i)
			break
		}
		done, err := e.Repo.HasOutcome(ctx, d.task.ID)
		if err != nil {
			log.Error("outcome lookup", "task_id", d.task.ID, "err", err)
			continue
		}
		if done {
			rep.Skipped++
			e.ackRecorded(ctx, d)
			continue
		}
		res, err := e.process(ctx, profile, d.task, rep.CycleID)
		if err != nil {
			rep.Duration = e.now().Sub(start)
			log.Error("cycle aborted", "task_id", d.task.ID, "err", err)
			e.recordHealth(ctx, rep, riskScores, CycleError, err.Error())
			return rep, err
		}
		riskScores = append(riskScores, res.Decision.Risk.Score)
		rep.Results = append(rep.Results, res)
		tally(&rep, res.Status)
		if !e.DryRun {
			e.ack(ctx, d, res.Status)
		}
	}
	if rep.Failed > 0 && status == CycleSuccess {
		status = CycleDegraded
	}
	rep.Duration = e.now().Sub(start)
	e.recordHealth(ctx, rep, riskScores, status, strings.Join(discoveryErrs, "; "))
	e.event(ctx, events.CycleFinished, rep.CycleID, "", events.EventPayload{
		"discovered": rep.Discovered,
		"executed":   rep.Executed,
		"failed":     rep.Failed,
		"escalated":  rep.Escalated,
		"blocked":    rep.Blocked,
		"skipped":    rep.Skipped,
	})
	log.Info("cycle complete",
		"discovered", rep.Discovered, "executed", rep.Executed, "failed", rep.Failed,
		"escalated", rep.Escalated, "blocked", rep.Blocked, "skipped", rep.Skipped,
		"duration", rep.Duration)
	return rep, nil
}

func tally(rep *domain.CycleReport, status string) {
	switch status {
	case domain.StatusExecuted:
		rep.Executed++
	case domain.StatusFailed, domain.StatusRolledBack:
		rep.Failed++
	case domain.StatusEscalated:
		rep.Escalated++
	case domain.StatusBlocked:
		rep.Blocked++
	}
}

func (e Engine) profileName() string {
	if e.Config == nil || e.Config.Policy.Profile == "" {
		return "autonomous"
	}
	return e.Config.Policy.Profile
}

// discover collects tasks from every source, keeping the first occurrence of
// each task id.
func (e Engine) discover(ctx context.Context, cycleID string) ([]discovered, []string) {
	var (
		out  []discovered
		errs []string
	)
	seen := map[string]bool{}
	for _, src := range e.Sources {
		tasks, err := src.Discover(ctx)
		if err != nil {
			e.logger().Warn("discovery", "source", src.Name(), "err", err)
			errs = append(errs, fmt.Sprintf("%s: %v", src.Name(), err))
			e.event(ctx, events.DiscoveryFailed, cycleID, "", events.EventPayload{"source": src.Name(), "error": err.Error()})
		}
		for _, t := range tasks {
			if t.ID == "" || seen[t.ID] {
				continue
			}
			seen[t.ID] = true
			if t.Source == "" {
				t.Source = src.Name()
			}
			out = append(out, discovered{task: t, source: src})
		}
	}
	return out, errs
}

// ProcessTask runs one task through the pipeline outside a cycle.
func (e Engine) ProcessTask(ctx context.Context, task domain.Task) (domain.TaskResult, error) {
	profile, err := e.Profiles.Load(e.profileName())
	if err != nil {
		return domain.TaskResult{}, fmt.Errorf("load profile: %w", err)
	}
	return e.process(ctx, profile, task, "")
}

// process takes one task from risk assessment to its final status. Only a
// configuration error is returned as an error.
func (e Engine) process(ctx context.Context, profile policy.Profile, task domain.Task, cycleID string) (domain.TaskResult, error) {
	start := e.now()
	log := e.logger().With("task_id", task.ID, "action_type", task.ActionType)
	d, err := router.Decide(task, profile, nil)
	if err != nil {
		return domain.TaskResult{}, err
	}
	res := domain.TaskResult{TaskID: task.ID, Decision: d}
	log.Info("task routed", "risk_score", d.Risk.Score, "risk_level", d.Risk.Level, "action", d.Action)
	e.event(ctx, events.TaskDecided, cycleID, task.ID, events.EventPayload{
		"risk_score": d.Risk.Score,
		"risk_level": d.Risk.Level,
		"action":     d.Action,
		"profile":    d.Profile,
	})

	switch d.Action {
	case domain.Block:
		res.Status = domain.StatusBlocked
		res.Message = "blocked by policy"
		return e.finish(ctx, task, res, cycleID, start), nil
	case domain.EscalateHuman:
		res.Status = domain.StatusEscalated
		res.Message = "escalated to human approval"
		return e.finish(ctx, task, res, cycleID, start), nil
	}

	if e.DryRun {
		res.Status = StatusDryRun
		if router.NeedsRehearsal(d) {
			res.Message = fmt.Sprintf("would rehearse (threshold %d) before %s", d.Rule.SandboxThreshold, d.Action)
		} else {
			res.Message = "would " + strings.ReplaceAll(string(d.Action), "_", "-")
		}
		return res, nil
	}

	target := task
	if router.NeedsRehearsal(d) {
		report := e.Rehearsal.Run(ctx, task, d.Rule.SandboxThreshold)
		res.Rehearsal = &report
		score := report.BestScore
		e.event(ctx, events.TaskRehearsed, cycleID, task.ID, events.EventPayload{
			"best_score":  score,
			"iterations":  len(report.Attempts),
			"stop_reason": report.StopReason,
		})
		d, err = router.Decide(task, profile, &score)
		if err != nil {
			return domain.TaskResult{}, err
		}
		res.Decision = d
		if reason := rehearsalGap(d, report); reason != "" && router.Admitted(d) {
			d.Action = domain.EscalateHuman
			d.EscalationReason = reason
			res.Decision = d
		}
		if !router.Admitted(d) {
			res.Status = domain.StatusEscalated
			res.Message = d.EscalationReason
			log.Warn("escalating after rehearsal", "reason", d.EscalationReason)
			return e.finish(ctx, task, res, cycleID, start), nil
		}
		target = report.FinalTask
	}

	exec := e.Production.Execute(ctx, target)
	res.Execution = &exec
	switch {
	case exec.Success:
		res.Status = domain.StatusExecuted
	case exec.Rollback != nil && exec.Rollback.Restored:
		res.Status = domain.StatusRolledBack
		res.Message = exec.Error
	default:
		res.Status = domain.StatusFailed
		res.Message = exec.Error
	}
	evt := events.TaskExecuted
	if exec.Rollback != nil {
		evt = events.TaskRolledBack
	}
	e.event(ctx, evt, cycleID, task.ID, events.EventPayload{
		"success":     exec.Success,
		"phase":       exec.Phase,
		"snapshot_id": exec.SnapshotID,
		"error":       exec.Error,
	})
	return e.finish(ctx, task, res, cycleID, start), nil
}

// rehearsalGap explains why a rehearsal that the router did not reject is
// still not good enough to admit: no successful attempt, or a best score
// under the rule's sandbox threshold.
func rehearsalGap(d domain.Decision, r domain.RehearsalReport) string {
	if r.Best == nil || !r.Best.Success {
		return fmt.Sprintf("rehearsal did not succeed (%s)", r.StopReason)
	}
	if r.BestScore < d.Rule.SandboxThreshold {
		return fmt.Sprintf("rehearsal score %d below threshold %d", r.BestScore, d.Rule.SandboxThreshold)
	}
	return ""
}

// finish records the task's single outcome. Dry runs record nothing.
func (e Engine) finish(ctx context.Context, task domain.Task, res domain.TaskResult, cycleID string, start time.Time) domain.TaskResult {
	if e.DryRun || e.DB == nil {
		return res
	}
	m := domain.ExecutionMetric{
		TaskID:       task.ID,
		TaskType:     task.ActionType,
		Source:       task.Source,
		RiskLevel:    string(res.Decision.Risk.Level),
		RiskScore:    res.Decision.Risk.Score,
		Decision:     string(res.Decision.Action),
		Status:       res.Status,
		ErrorMessage: res.Message,
		CycleID:      cycleID,
		CreatedAt:    e.stamp(),
	}
	if res.Status == domain.StatusExecuted {
		m.ErrorMessage = ""
	}
	if res.Rehearsal != nil {
		score := res.Rehearsal.BestScore
		m.SandboxScore = &score
		m.Iterations = len(res.Rehearsal.Attempts)
	}
	if res.Execution != nil {
		m.SnapshotID = res.Execution.SnapshotID
		secs := res.Execution.Duration.Seconds()
		m.ExecutionSecs = &secs
	} else {
		secs := e.now().Sub(start).Seconds()
		m.ExecutionSecs = &secs
	}
	if _, err := e.Repo.InsertExecution(ctx, nil, m); err != nil {
		e.logger().Error("record execution", "task_id", task.ID, "err", err)
	}
	return res
}

func (e Engine) recordHealth(ctx context.Context, rep domain.CycleReport, riskScores []int, status, details string) {
	if e.DryRun || e.DB == nil {
		return
	}
	h := domain.CycleHealth{
		CycleID:      rep.CycleID,
		Discovered:   rep.Discovered,
		Executed:     rep.Executed,
		Failed:       rep.Failed,
		Escalated:    rep.Escalated,
		Blocked:      rep.Blocked,
		DurationSecs: rep.Duration.Seconds(),
		Status:       status,
		ErrorDetails: details,
		CreatedAt:    e.stamp(),
	}
	if len(riskScores) > 0 {
		sum := 0
		for _, s := range riskScores {
			sum += s
		}
		avg := float64(sum) / float64(len(riskScores))
		h.AvgRiskScore = &avg
	}
	if _, err := e.Repo.InsertHealth(ctx, nil, h); err != nil {
		e.logger().Error("record cycle health", "cycle_id", rep.CycleID, "err", err)
	}
}

func (e Engine) event(ctx context.Context, evtType, cycleID, taskID string, payload events.EventPayload) {
	if e.DryRun || e.DB == nil {
		return
	}
	if e.Events.Now == nil {
		e.Events.Now = e.Now
	}
	if err := e.Events.Append(ctx, nil, evtType, cycleID, taskID, payload); err != nil {
		e.logger().Error("append event", "type", evtType, "err", err)
	}
}

func (e Engine) ack(ctx context.Context, d discovered, status string) {
	acker, ok := d.source.(Acker)
	if !ok {
		return
	}
	if err := acker.Ack(ctx, d.task, status); err != nil {
		e.logger().Warn("ack task", "task_id", d.task.ID, "source", d.source.Name(), "err", err)
	}
}

// ackRecorded retires a task whose outcome was recorded by an earlier cycle
// but which its source still reports as pending.
func (e Engine) ackRecorded(ctx context.Context, d discovered) {
	if e.DryRun {
		return
	}
	m, err := e.Repo.LatestExecution(ctx, d.task.ID)
	if err != nil {
		return
	}
	e.ack(ctx, d, m.Status)
}

// Watch runs a cycle immediately, then on every tick and every trigger
// until ctx is cancelled. Configuration errors stop the loop; other cycle
// errors are logged.
func (e Engine) Watch(ctx context.Context, interval time.Duration, triggers <-chan struct{}) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := e.RunCycle(ctx); err != nil {
			if errors.Is(err, policy.ErrProfileNotFound) || errors.Is(err, router.ErrNoRule) {
				return err
			}
			e.logger().Error("cycle failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-triggers:
		}
	}
}
