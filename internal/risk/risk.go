// Package risk scores a proposed task on four weighted factors and maps the
// result onto a risk band.
package risk

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"safeline/internal/domain"
)

// Factor names, in weight order.
const (
	ExternalAction   = "external_action"
	DataModification = "data_modification"
	Irreversibility  = "irreversibility"
	FinancialImpact  = "financial_impact"
)

// Factors lists the factor names in presentation order.
var Factors = []string{ExternalAction, DataModification, Irreversibility, FinancialImpact}

// Weights are percentages and sum to 100.
var Weights = map[string]int{
	ExternalAction:   40,
	DataModification: 30,
	Irreversibility:  20,
	FinancialImpact:  10,
}

type factorScores struct {
	external     int
	modification int
	irreversible int
}

// actionFactors maps action types to their fixed factor scores. Types not
// listed score zero on all three.
var actionFactors = map[string]factorScores{
	"send_email":          {external: 100, irreversible: 100},
	"api_call":            {external: 100},
	"webhook":             {external: 100},
	"slack_message":       {external: 100},
	"http_post":           {external: 100},
	"http_put":            {external: 100},
	"http_delete":         {external: 100},
	"external_service":    {external: 100},
	"write_db":            {modification: 100},
	"update_db":           {modification: 100, irreversible: 40},
	"delete_db":           {modification: 100, irreversible: 100},
	"write_file":          {modification: 70, irreversible: 40},
	"delete_file":         {modification: 70, irreversible: 100},
	"system_optimization": {modification: 85, irreversible: 70},
	"file_migration":      {modification: 85, irreversible: 70},
	"bulk_operation":      {modification: 85, irreversible: 70},
	"execute_script":      {modification: 80, irreversible: 60},
	"run_command":         {modification: 80, irreversible: 60},
	"payment":             {irreversible: 100},
	"close_pr":            {irreversible: 100},
	"merge_pr":            {irreversible: 100},
	"deploy":              {irreversible: 100},
}

// forcedCritical action types are always at least CRITICAL.
var forcedCritical = map[string]bool{
	"send_email": true,
	"payment":    true,
	"delete_db":  true,
	"deploy":     true,
	"merge_pr":   true,
}

// Band upper bounds in hundredths of a point. Comparison uses the exact
// weighted sum, not the floored score.
const (
	lowMax      = 30 * 100
	mediumMax   = 60 * 100
	highMax     = 85 * 100
	criticalMin = 86 * 100
)

// Assess scores task. It is pure and deterministic.
func Assess(task domain.Task) domain.RiskAssessment {
	f := actionFactors[task.ActionType]
	breakdown := map[string]int{
		ExternalAction:   f.external,
		DataModification: f.modification,
		Irreversibility:  f.irreversible,
		FinancialImpact:  financial(cost(task.Payload)),
	}
	var hundredths int
	for name, v := range breakdown {
		hundredths += v * Weights[name]
	}
	if forcedCritical[task.ActionType] && hundredths < criticalMin {
		hundredths = criticalMin
	}
	return domain.RiskAssessment{
		Score:     hundredths / 100,
		Level:     level(hundredths),
		Breakdown: breakdown,
	}
}

func level(hundredths int) domain.RiskLevel {
	switch {
	case hundredths <= lowMax:
		return domain.RiskLow
	case hundredths <= mediumMax:
		return domain.RiskMedium
	case hundredths <= highMax:
		return domain.RiskHigh
	default:
		return domain.RiskCritical
	}
}

func financial(c float64) int {
	switch {
	case c > 100:
		return 100
	case c > 10:
		return 70
	case c > 0:
		return 30
	default:
		return 0
	}
}

// cost reads payload.cost as a number. Non-numeric values count as zero.
func cost(payload map[string]any) float64 {
	switch v := payload["cost"].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(f) {
			return 0
		}
		return f
	default:
		return 0
	}
}

var recommendations = map[domain.RiskLevel]string{
	domain.RiskLow:      "auto-execute",
	domain.RiskMedium:   "conditional execute after rehearsal",
	domain.RiskHigh:     "human escalation required",
	domain.RiskCritical: "blocked, manual review mandatory",
}

// Explain renders an assessment for operators.
func Explain(a domain.RiskAssessment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Risk Score: %d/100 (%s)\n", a.Score, a.Level)
	b.WriteString("Breakdown:\n")
	for _, name := range Factors {
		v := a.Breakdown[name]
		w := Weights[name]
		fmt.Fprintf(&b, "  - %s: %d%% x %d%% weight = %.1f points\n", name, v, w, float64(v*w)/100)
	}
	fmt.Fprintf(&b, "Recommended: %s\n", recommendations[a.Level])
	return b.String()
}
