package sandbox

import (
	"reflect"
	"strings"

	"safeline/internal/domain"
)

// Fix types.
const (
	FixMissingTable   = "missing_table"
	FixMissingColumn  = "missing_column"
	FixSQLSyntax      = "sql_syntax"
	FixMissingFile    = "missing_file"
	FixPermission     = "permission_error"
	FixMissingPayload = "missing_payload"
)

type strategy struct {
	kind        string
	description string
	match       func(lower string, task domain.Task) bool
	// repair edits payload in place; nil marks the class unfixable.
	repair func(f Fixer, task domain.Task, payload map[string]any)
}

func contains(subs ...string) func(string, domain.Task) bool {
	return func(lower string, _ domain.Task) bool {
		for _, s := range subs {
			if strings.Contains(lower, s) {
				return true
			}
		}
		return false
	}
}

// strategies are tried in order; the first match classifies the error.
var strategies = []strategy{
	{
		kind:        FixMissingTable,
		description: "table does not exist, fall back to a known table",
		match:       contains("no such table"),
		repair: func(f Fixer, task domain.Task, p map[string]any) {
			switch {
			case task.Has("query"):
				p["query"] = "SELECT COUNT(*) FROM " + f.fallback()
			case task.Has("table"):
				p["table"] = f.fallback()
			}
		},
	},
	{
		kind:        FixMissingColumn,
		description: "column does not exist, fall back to a simpler query",
		match:       contains("no such column"),
		repair: func(f Fixer, task domain.Task, p map[string]any) {
			if task.Has("query") {
				p["query"] = "SELECT * FROM " + f.fallback() + " LIMIT 1"
			}
		},
	},
	{
		kind:        FixSQLSyntax,
		description: "strip trailing statement terminators",
		match: func(lower string, task domain.Task) bool {
			if !strings.Contains(lower, "syntax error") && !strings.Contains(lower, "one statement at a time") {
				return false
			}
			return strings.Contains(lower, "select") || task.Has("query") || task.ActionType == "query_db"
		},
		repair: func(_ Fixer, task domain.Task, p map[string]any) {
			if q, ok := p["query"].(string); ok {
				p["query"] = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(q), ";"))
			}
		},
	},
	{
		kind:        FixMissingFile,
		description: "create parent directories",
		match:       contains("no such file or directory"),
		repair: func(_ Fixer, _ domain.Task, p map[string]any) {
			p["create_dirs"] = true
		},
	},
	{
		kind:        FixPermission,
		description: "insufficient permissions",
		match:       contains("permission denied"),
	},
	{
		kind:        FixMissingPayload,
		description: "fill defaults for missing payload fields",
		match: func(lower string, _ domain.Task) bool {
			return strings.Contains(lower, "missing") && strings.Contains(lower, "payload")
		},
		repair: func(_ Fixer, task domain.Task, p map[string]any) {
			switch task.ActionType {
			case "query_db":
				if !task.Has("query") || task.String("query") == "" {
					p["query"] = "SELECT 1"
				}
			case "write_file":
				if !task.Has("file_path") && !task.Has("path") {
					p["file_path"] = "output.txt"
				}
				if !task.Has("content") {
					p["content"] = ""
				}
			}
		},
	},
}

// Classify returns the fix type for an error, or "" when unclassified.
func Classify(errText string, task domain.Task) string {
	if s, ok := classify(errText, task); ok {
		return s.kind
	}
	return ""
}

func classify(errText string, task domain.Task) (strategy, bool) {
	lower := strings.ToLower(errText)
	for _, s := range strategies {
		if s.match(lower, task) {
			return s, true
		}
	}
	return strategy{}, false
}

// Fixer proposes a corrected task for a failed rehearsal attempt.
type Fixer struct {
	FallbackTable string
}

func (f Fixer) fallback() string {
	if f.FallbackTable == "" {
		return "entities"
	}
	return f.FallbackTable
}

// Fix returns a new task with the repair applied and fix metadata set, or
// false when the error is unfixable. task is never modified. A repair that
// changes nothing after the same error already occurred is also unfixable.
func (f Fixer) Fix(errText string, task domain.Task, iteration int, history []domain.RehearsalAttempt) (domain.Task, bool) {
	s, ok := classify(errText, task)
	if !ok || s.repair == nil {
		return domain.Task{}, false
	}
	payload := domain.ClonePayload(task.Payload)
	s.repair(f, task, payload)
	if reflect.DeepEqual(payload, domain.ClonePayload(task.Payload)) && seen(errText, history) {
		return domain.Task{}, false
	}
	fixed := task.WithPayload(payload)
	fixed.Fix = &domain.FixMetadata{
		Iteration:     iteration,
		ErrorAnalyzed: errText,
		FixType:       s.kind,
		Description:   s.description,
	}
	return fixed, true
}

func seen(errText string, history []domain.RehearsalAttempt) bool {
	for _, a := range history {
		if !a.Success && a.Error == errText {
			return true
		}
	}
	return false
}
