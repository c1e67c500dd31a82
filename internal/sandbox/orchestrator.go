// Package sandbox rehearses a task against isolated copies of the workspace,
// scores each attempt and repairs failures between attempts.
package sandbox

import (
	"context"
	"log/slog"

	"safeline/internal/domain"
)

// Environments creates isolated workspace copies.
type Environments interface {
	Create(task domain.Task, iteration int) (*Environment, error)
}

// Attempter runs one attempt in an environment.
type Attempter interface {
	Execute(ctx context.Context, env *Environment, task domain.Task) Execution
}

// Repairer proposes a fixed task for a failed attempt. history holds the
// attempts before the failing one.
type Repairer interface {
	Fix(errText string, task domain.Task, iteration int, history []domain.RehearsalAttempt) (domain.Task, bool)
}

const DefaultMaxIterations = 5

// Orchestrator drives the bounded test-and-repair loop. Iterations run
// strictly one after another with at most one environment alive.
type Orchestrator struct {
	Environments  Environments
	Executor      Attempter
	Fixer         Repairer
	MaxIterations int
	Logger        *slog.Logger
}

func (o Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Run rehearses task until an attempt scores at least target or the loop
// stops. The report carries the best attempt of the whole run and the task
// that produced it.
func (o Orchestrator) Run(ctx context.Context, task domain.Task, target int) domain.RehearsalReport {
	limit := o.MaxIterations
	if limit <= 0 {
		limit = DefaultMaxIterations
	}
	log := o.logger().With("task_id", task.ID, "action_type", task.ActionType)
	report := domain.RehearsalReport{
		TaskID:        task.ID,
		TargetScore:   target,
		MaxIterations: limit,
		StopReason:    domain.StopExhausted,
		FinalTask:     task,
	}
	current := task
	bestIdx := -1

	for i := 1; i <= limit; i++ {
		if ctx.Err() != nil {
			report.StopReason = domain.StopCancelled
			break
		}
		env, err := o.Environments.Create(current, i)
		if err != nil {
			log.Error("create rehearsal environment", "iteration", i, "err", err)
			report.StopReason = domain.StopEnvironmentError
			break
		}
		exec := o.Executor.Execute(ctx, env, current)
		score, breakdown := Score(current, exec.Outcome, exec.SideEffects)
		attempt := domain.RehearsalAttempt{
			Iteration:       i,
			Success:         exec.Outcome.Success,
			Score:           score,
			Breakdown:       breakdown,
			Error:           exec.Outcome.Error,
			ErrorKind:       exec.Outcome.Kind,
			Duration:        exec.Outcome.Duration,
			Result:          exec.Outcome.Result,
			Fix:             current.Fix,
			EnvironmentPath: env.Path,
		}
		if attempt.Success {
			if err := env.Discard(); err != nil {
				log.Warn("discard rehearsal environment", "path", env.Path, "err", err)
			}
		} else {
			attempt.Retained = true
			if err := env.Retain(attempt); err != nil {
				log.Warn("retain rehearsal environment", "path", env.Path, "err", err)
			}
		}
		history := report.Attempts
		report.Attempts = append(report.Attempts, attempt)
		if bestIdx < 0 || score > report.Attempts[bestIdx].Score {
			bestIdx = len(report.Attempts) - 1
			report.FinalTask = current
		}
		log.Info("rehearsal attempt", "iteration", i, "success", attempt.Success, "score", score, "err", attempt.Error)

		if score >= target {
			report.StopReason = domain.StopTargetReached
			break
		}
		if i == limit {
			break
		}
		if attempt.Success {
			report.StopReason = domain.StopStalled
			break
		}
		fixed, ok := o.Fixer.Fix(attempt.Error, current, i, history)
		if !ok {
			report.StopReason = domain.StopUnfixable
			break
		}
		log.Info("rehearsal fix applied", "iteration", i, "fix_type", fixed.Fix.FixType)
		current = fixed
	}

	if bestIdx >= 0 {
		best := report.Attempts[bestIdx]
		report.Best = &best
		report.BestScore = best.Score
	}
	report.Success = report.Best != nil && report.BestScore >= target
	return report
}
