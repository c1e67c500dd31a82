package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"safeline/internal/action"
	"safeline/internal/domain"
	"safeline/internal/fsutil"
	"safeline/internal/vault"
)

// Execution is the outcome of one rehearsal attempt plus what the probe
// observed around it.
type Execution struct {
	Outcome     domain.Outcome
	SideEffects SideEffects
}

// Executor runs a task against an environment, never against the live
// workspace, under an optional wall-clock deadline.
type Executor struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

func (x Executor) logger() *slog.Logger {
	if x.Logger != nil {
		return x.Logger
	}
	return slog.Default()
}

// Execute runs task in env and probes for side effects.
func (x Executor) Execute(ctx context.Context, env *Environment, task domain.Task) Execution {
	runner := action.Runner{Root: env.Workspace, Datastore: env.Datastore, Mode: action.Rehearsal}
	workdir := filepath.Join(env.Workspace, action.WorkdirName)

	beforeSum, sumErr := vault.Checksum(env.Datastore)
	beforeFiles, _ := fsutil.ListFiles(workdir)

	out := x.supervise(ctx, runner, task)

	fx := SideEffects{PermissionViolations: out.Kind == domain.KindPermission}
	if sumErr == nil && readOnly(task) {
		if after, err := vault.Checksum(env.Datastore); err == nil && after != beforeSum {
			fx.UnexpectedDBChanges = true
		}
	}
	afterFiles, _ := fsutil.ListFiles(workdir)
	expected := ""
	if task.ActionType == "write_file" {
		expected, _ = filepath.Rel(workdir, action.WritePath(env.Workspace, task))
	}
	for f := range afterFiles {
		if !beforeFiles[f] && f != expected {
			fx.UnexpectedFiles++
		}
	}
	if fx != (SideEffects{}) {
		x.logger().Debug("rehearsal side effects", "task_id", task.ID, "effects", fx)
	}
	return Execution{Outcome: out, SideEffects: fx}
}

// supervise runs the action in its own goroutine so a stuck attempt is cut
// off at the deadline. The action sees the cancelled context and stops at
// its next datastore call.
func (x Executor) supervise(ctx context.Context, runner action.Runner, task domain.Task) domain.Outcome {
	if x.Timeout <= 0 {
		return runner.Run(ctx, task)
	}
	ctx, cancel := context.WithTimeout(ctx, x.Timeout)
	defer cancel()
	start := time.Now()
	done := make(chan domain.Outcome, 1)
	go func() { done <- runner.Run(ctx, task) }()
	select {
	case out := <-done:
		return out
	case <-ctx.Done():
		out := domain.Failed(domain.KindTimeout, fmt.Sprintf("rehearsal timed out after %s", x.Timeout))
		out.Duration = time.Since(start)
		return out
	}
}

// readOnly reports whether task should leave the datastore untouched.
func readOnly(task domain.Task) bool {
	switch task.ActionType {
	case "read_file", "execute_script", "system_optimization", "write_file":
		return true
	case "query_db":
		return action.IsRead(task.String("query"))
	}
	return false
}
