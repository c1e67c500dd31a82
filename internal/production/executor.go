// Package production runs an admitted task against the live workspace:
// pre-flight, snapshot, execute, post-flight and, on any failure, rollback.
package production

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"safeline/internal/domain"
)

type PreFlighter interface {
	Validate(ctx context.Context, task domain.Task) domain.ValidationResult
}

type Snapshotter interface {
	Create(task domain.Task, affected []string) (string, error)
}

type Runner interface {
	Run(ctx context.Context, task domain.Task) domain.Outcome
}

type PostFlighter interface {
	Validate(ctx context.Context, task domain.Task, out domain.Outcome) domain.ValidationResult
}

type Rollbacker interface {
	Rollback(id, reason string, task domain.Task) (bool, error)
	Verify(ctx context.Context, id string) (bool, error)
}

type Executor struct {
	PreFlight  PreFlighter
	Snapshots  Snapshotter
	Runner     Runner
	PostFlight PostFlighter
	Rollback   Rollbacker
	// AffectedFiles names the workspace files task may write. Nil means
	// only the vault is snapshotted.
	AffectedFiles func(task domain.Task) []string
	Now           func() time.Time
	Logger        *slog.Logger
}

func (x Executor) now() time.Time {
	if x.Now != nil {
		return x.Now()
	}
	return time.Now()
}

func (x Executor) logger() *slog.Logger {
	if x.Logger != nil {
		return x.Logger
	}
	return slog.Default()
}

// Execute never mutates the workspace before a snapshot exists, and a failed
// execution or post-flight always triggers a rollback to that snapshot.
func (x Executor) Execute(ctx context.Context, task domain.Task) domain.ExecutionReport {
	start := x.now()
	log := x.logger().With("task_id", task.ID, "action_type", task.ActionType)
	rep := domain.ExecutionReport{TaskID: task.ID}
	finish := func(phase domain.Phase) domain.ExecutionReport {
		rep.Phase = phase
		rep.Duration = x.now().Sub(start)
		return rep
	}

	rep.PreFlight = x.PreFlight.Validate(ctx, task)
	if !rep.PreFlight.Passed {
		rep.Error = "pre-flight validation failed: " + strings.Join(rep.PreFlight.Issues, "; ")
		log.Warn("execution aborted", "phase", domain.PhasePreFlight, "err", rep.Error)
		return finish(domain.PhasePreFlight)
	}

	var affected []string
	if x.AffectedFiles != nil {
		affected = x.AffectedFiles(task)
	}
	id, err := x.Snapshots.Create(task, affected)
	if err != nil {
		rep.Error = fmt.Sprintf("snapshot creation failed: %v", err)
		log.Error("execution aborted", "phase", domain.PhaseSnapshot, "err", err)
		return finish(domain.PhaseSnapshot)
	}
	rep.SnapshotID = id
	log = log.With("snapshot_id", id)

	out := x.Runner.Run(ctx, task)
	if out.Success {
		log.Info("task executed", "duration", out.Duration)
	} else {
		log.Warn("task execution failed", "err", out.Error, "kind", out.Kind)
	}

	post := x.PostFlight.Validate(ctx, task, out)
	rep.PostFlight = &post
	if out.Success && post.Passed {
		rep.Success = true
		rep.Result = out.Result
		log.Info("production execution succeeded")
		return finish(domain.PhaseDone)
	}

	reason := out.Error
	if out.Success {
		reason = "post-flight validation failed: " + strings.Join(post.Issues, "; ")
	}
	rb := &domain.RollbackReport{Reason: reason}
	rep.Rollback = rb
	restored, err := x.Rollback.Rollback(id, reason, task)
	rb.Restored = restored
	if err != nil {
		rb.Error = err.Error()
	}
	if restored {
		verified, err := x.Rollback.Verify(ctx, id)
		rb.Verified = verified
		if err != nil {
			rb.Error = "verify: " + err.Error()
		}
	}

	switch {
	case rb.Restored && rb.Verified:
		rep.Error = "execution failed and rolled back: " + reason
		log.Warn("production execution rolled back", "reason", reason)
	case rb.Restored:
		rep.Error = "execution failed and rolled back (verification failed): " + reason
		log.Error("rollback verification failed", "reason", reason, "err", rb.Error)
	default:
		rep.Error = "execution failed and rollback failed: " + reason
		log.Error("rollback failed", "reason", reason, "err", rb.Error)
	}
	return finish(domain.PhaseRollback)
}
