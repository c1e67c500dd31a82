// Package validate runs the ordered pre-flight and post-flight checks that
// gate a production execution.
package validate

import (
	"context"
	"fmt"
	"log/slog"

	"safeline/internal/domain"
)

// Input is what a check sees. Result is only set after execution.
type Input struct {
	Task   domain.Task
	Result any
}

// Check is one named validation step. A nil error means the check passed
// and detail describes what was observed.
type Check struct {
	Name string
	Run  func(ctx context.Context, in Input) (detail string, err error)
}

// run executes every check in order. A failing or panicking check becomes
// an issue; it never stops the remaining checks.
func run(ctx context.Context, log *slog.Logger, stage string, checks []Check, in Input) domain.ValidationResult {
	res := domain.ValidationResult{Passed: true}
	for _, c := range checks {
		detail, err := safeRun(ctx, c, in)
		if err != nil {
			log.Warn(stage+" check failed", "check", c.Name, "task_id", in.Task.ID, "issue", err.Error())
			res.Issues = append(res.Issues, err.Error())
			continue
		}
		log.Debug(stage+" check passed", "check", c.Name, "task_id", in.Task.ID, "detail", detail)
	}
	res.Passed = len(res.Issues) == 0
	return res
}

func safeRun(ctx context.Context, c Check, in Input) (detail string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", c.Name, r)
		}
	}()
	return c.Run(ctx, in)
}

func logger(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}
