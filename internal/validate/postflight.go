package validate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"safeline/internal/action"
	"safeline/internal/db"
	"safeline/internal/domain"
	"safeline/internal/vault"
)

// PostFlight checks the workspace after a production execution.
type PostFlight struct {
	Datastore   string
	MinTables   int
	LockTimeout time.Duration
	Logger      *slog.Logger
}

func (p PostFlight) Checks() []Check {
	return []Check{
		{Name: "datastore_integrity", Run: p.integrity},
		{Name: "expected_change", Run: expectedChange},
		{Name: "structure_intact", Run: p.structure},
	}
}

// Validate fails with the execution error as its sole issue when the
// outcome already failed; otherwise every check runs.
func (p PostFlight) Validate(ctx context.Context, task domain.Task, out domain.Outcome) domain.ValidationResult {
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = "unknown error"
		}
		logger(p.Logger).Warn("post-flight skipped", "task_id", task.ID, "err", msg)
		return domain.ValidationResult{Issues: []string{"task execution error: " + msg}}
	}
	return run(ctx, logger(p.Logger), "post-flight", p.Checks(), Input{Task: task, Result: out.Result})
}

func (p PostFlight) integrity(ctx context.Context, _ Input) (string, error) {
	conn, err := db.OpenVault(p.Datastore, p.LockTimeout)
	if err != nil {
		return "", fmt.Errorf("integrity check error: %w", err)
	}
	defer conn.Close()
	res, err := vault.IntegrityCheck(ctx, conn)
	if err != nil {
		return "", err
	}
	if res != "ok" {
		return "", fmt.Errorf("integrity check failed: %s", res)
	}
	return "integrity ok", nil
}

func (p PostFlight) structure(ctx context.Context, _ Input) (string, error) {
	conn, err := db.OpenVault(p.Datastore, p.LockTimeout)
	if err != nil {
		return "", fmt.Errorf("structure check error: %w", err)
	}
	defer conn.Close()
	n, err := vault.TableCount(ctx, conn)
	if err != nil {
		return "", err
	}
	if n < p.MinTables {
		return "", fmt.Errorf("datastore may be corrupted (only %d tables, expected at least %d)", n, p.MinTables)
	}
	return fmt.Sprintf("structure intact (%d tables)", n), nil
}

// expectations maps an action type to the change its result must show.
// Types not listed pass when the execution itself succeeded.
var expectations = map[string]func(task domain.Task, result any) (string, error){
	"update_db": affectedRows,
	"delete_db": affectedRows,
	"query_db": func(task domain.Task, result any) (string, error) {
		if !action.IsRead(task.String("query")) {
			return affectedRows(task, result)
		}
		if result == nil {
			return "", errors.New("query returned no result")
		}
		return "query returned a result", nil
	},
	"write_file": func(_ domain.Task, result any) (string, error) {
		m, ok := result.(map[string]any)
		if !ok {
			return "file operation completed", nil
		}
		n, ok := toInt(m["bytes_written"])
		if !ok {
			return "file operation completed", nil
		}
		if n <= 0 {
			return "", errors.New("file write produced an empty file")
		}
		return fmt.Sprintf("file written (%d bytes)", n), nil
	},
}

func expectedChange(_ context.Context, in Input) (string, error) {
	check, ok := expectations[in.Task.ActionType]
	if !ok {
		return fmt.Sprintf("operation completed (%s)", in.Task.ActionType), nil
	}
	return check(in.Task, in.Result)
}

func affectedRows(_ domain.Task, result any) (string, error) {
	m, ok := result.(map[string]any)
	if !ok {
		return "change verification skipped (no metadata)", nil
	}
	n, ok := toInt(m["affected_rows"])
	if !ok {
		return "change verification skipped (no metadata)", nil
	}
	if n < 0 {
		return "", errors.New("no rows affected")
	}
	return fmt.Sprintf("changes applied (%d rows affected)", n), nil
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}
