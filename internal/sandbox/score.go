package sandbox

import (
	"fmt"
	"strings"
	"time"

	"safeline/internal/domain"
)

// Score components.
const (
	ExecutionSuccess = "execution_success"
	OutputValidity   = "output_validity"
	SideEffectsClean = "side_effects_clean"
	Performance      = "performance"
)

var scoreComponents = []string{ExecutionSuccess, OutputValidity, SideEffectsClean, Performance}

var scoreWeights = map[string]int{
	ExecutionSuccess: 40,
	OutputValidity:   30,
	SideEffectsClean: 20,
	Performance:      10,
}

// SideEffects are the unexpected changes observed during one attempt.
type SideEffects struct {
	UnexpectedFiles      int  `json:"unexpected_files_created"`
	UnexpectedDBChanges  bool `json:"unexpected_db_changes"`
	ResourceLeaks        int  `json:"resource_leaks"`
	PermissionViolations bool `json:"permission_violations"`
}

func (s SideEffects) severity() int {
	n := 0
	if s.UnexpectedFiles > 0 {
		n++
	}
	if s.UnexpectedDBChanges {
		n++
	}
	if s.ResourceLeaks > 0 {
		n++
	}
	if s.PermissionViolations {
		n += 2
	}
	return n
}

// timeBudgets are per-action expected durations.
var timeBudgets = map[string]time.Duration{
	"query_db":            time.Second,
	"update_db":           2 * time.Second,
	"read_file":           500 * time.Millisecond,
	"write_file":          time.Second,
	"execute_script":      10 * time.Second,
	"system_optimization": 30 * time.Second,
}

const defaultTimeBudget = 5 * time.Second

// Score rates an attempt 0-100. It is pure.
func Score(task domain.Task, out domain.Outcome, fx SideEffects) (int, map[string]int) {
	breakdown := map[string]int{
		ExecutionSuccess: executionScore(out),
		OutputValidity:   outputScore(task, out),
		SideEffectsClean: sideEffectScore(fx),
		Performance:      performanceScore(task.ActionType, out.Duration),
	}
	var hundredths int
	for name, v := range breakdown {
		hundredths += v * scoreWeights[name]
	}
	return hundredths / 100, breakdown
}

func executionScore(out domain.Outcome) int {
	if out.Success {
		return 100
	}
	lower := strings.ToLower(out.Error)
	switch {
	case out.Kind == domain.KindSyntax || strings.Contains(lower, "syntax"):
		return 20
	case out.Kind == domain.KindPermission || strings.Contains(lower, "permission"):
		return 0
	default:
		return 30
	}
}

// outputScore checks the result against payload.expected_result.
func outputScore(task domain.Task, out domain.Outcome) int {
	if !out.Success {
		return 0
	}
	expected := task.String("expected_result")
	if expected == "" {
		if out.Result != nil {
			return 80
		}
		return 60
	}
	switch expected {
	case "integer":
		if isInteger(out.Result) {
			return 100
		}
		if rows, ok := out.Result.([][]any); ok && len(rows) > 0 {
			if len(rows[0]) > 0 && isInteger(rows[0][0]) {
				return 100
			}
			return 70
		}
		if list, ok := out.Result.([]any); ok && len(list) > 0 {
			return 70
		}
		return 40
	case "list":
		return matchScore(isList(out.Result))
	case "dict":
		_, ok := out.Result.(map[string]any)
		return matchScore(ok)
	case "string":
		_, ok := out.Result.(string)
		return matchScore(ok)
	case "boolean":
		_, ok := out.Result.(bool)
		return matchScore(ok)
	default:
		return 70
	}
}

func matchScore(ok bool) int {
	if ok {
		return 100
	}
	return 50
}

func isInteger(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	}
	return false
}

func isList(v any) bool {
	switch v.(type) {
	case [][]any, []any, []string:
		return true
	}
	return false
}

func sideEffectScore(fx SideEffects) int {
	switch n := fx.severity(); {
	case n == 0:
		return 100
	case n == 1:
		return 70
	case n == 2:
		return 40
	default:
		return 10
	}
}

func performanceScore(actionType string, d time.Duration) int {
	budget, ok := timeBudgets[actionType]
	if !ok {
		budget = defaultTimeBudget
	}
	switch {
	case d <= budget:
		return 100
	case d <= 2*budget:
		return 70
	case d <= 5*budget:
		return 40
	default:
		return 10
	}
}

// ExplainScore renders a score and its breakdown for operators.
func ExplainScore(score int, breakdown map[string]int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Overall Score: %d/100\n", score)
	b.WriteString("Breakdown:\n")
	for _, name := range scoreComponents {
		v := breakdown[name]
		w := scoreWeights[name]
		fmt.Fprintf(&b, "  - %s: %d%% x %d%% weight = %.1f points\n", name, v, w, float64(v*w)/100)
	}
	switch {
	case score >= 95:
		b.WriteString("Interpretation: excellent, ready for production\n")
	case score >= 90:
		b.WriteString("Interpretation: good, meets the MEDIUM risk bar\n")
	case score >= 75:
		b.WriteString("Interpretation: fair, escalate to an operator\n")
	case score >= 50:
		b.WriteString("Interpretation: poor, manual review required\n")
	default:
		b.WriteString("Interpretation: failed, do not execute\n")
	}
	return b.String()
}
