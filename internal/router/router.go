// Package router turns a risk assessment and a policy profile into one of
// four admission actions.
package router

import (
	"errors"
	"fmt"
	"strings"

	"safeline/internal/domain"
	"safeline/internal/policy"
	"safeline/internal/risk"
)

var ErrNoRule = errors.New("no rule for risk level")

// Decide routes task under profile. rehearsalScore is nil on the first
// pass, before any rehearsal has run; conditions are then reported as
// unknown and a conditional action stands.
func Decide(task domain.Task, profile policy.Profile, rehearsalScore *int) (domain.Decision, error) {
	assessment := risk.Assess(task)
	rule, ok := profile.Rule(assessment.Level)
	if !ok {
		return domain.Decision{}, fmt.Errorf("%w %s in profile %s", ErrNoRule, assessment.Level, profile.Name)
	}
	d := domain.Decision{
		Action:        rule.Action,
		InitialAction: rule.Action,
		Risk:          assessment,
		Rule:          rule,
		Profile:       profile.Name,
	}
	if rule.Action != domain.ConditionalExecute {
		return d, nil
	}
	if rehearsalScore != nil {
		score := *rehearsalScore
		d.RehearsalScore = &score
	}

	var failed []string
	for _, raw := range rule.Conditions {
		cond, err := policy.ParseCondition(raw)
		if err != nil {
			return domain.Decision{}, fmt.Errorf("profile %s: %w", profile.Name, err)
		}
		res := evaluate(cond, rule, d.RehearsalScore)
		d.Conditions = append(d.Conditions, res)
		if res.Status == domain.ConditionUnmet && !contains(failed, res.Detail) {
			failed = append(failed, res.Detail)
		}
	}
	if len(failed) > 0 {
		d.Action = domain.EscalateHuman
		d.EscalationReason = strings.Join(failed, "; ")
	}
	return d, nil
}

func evaluate(c policy.Condition, rule domain.Rule, score *int) domain.ConditionResult {
	res := domain.ConditionResult{Condition: c.Raw}
	if score == nil {
		res.Status = domain.ConditionUnknown
		res.Detail = "rehearsal not run"
		return res
	}
	threshold := rule.SandboxThreshold
	if c.Kind == policy.ScoreAboveThreshold {
		threshold = c.Threshold
	}
	if *score >= threshold {
		res.Status = domain.ConditionMet
		res.Detail = fmt.Sprintf("rehearsal score %d meets threshold %d", *score, threshold)
		return res
	}
	res.Status = domain.ConditionUnmet
	res.Detail = fmt.Sprintf("rehearsal score %d below threshold %d", *score, threshold)
	return res
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// NeedsRehearsal reports whether d must be rehearsed before admission.
func NeedsRehearsal(d domain.Decision) bool {
	return d.InitialAction == domain.ConditionalExecute || (d.Rule.RequireSandbox && d.Action == domain.AutoExecute)
}

// Admitted reports whether d allows production execution.
func Admitted(d domain.Decision) bool {
	return d.Action == domain.AutoExecute || d.Action == domain.ConditionalExecute
}

// Explain renders a decision for operators.
func Explain(task domain.Task, d domain.Decision) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s (%s)\n", task.ID, task.ActionType)
	fmt.Fprintf(&b, "Risk Score: %d/100 (%s)\n", d.Risk.Score, d.Risk.Level)
	fmt.Fprintf(&b, "Decision: %s\n", strings.ToUpper(strings.ReplaceAll(string(d.Action), "_", " ")))
	if d.Rule.Description != "" {
		fmt.Fprintf(&b, "Rule: %s\n", d.Rule.Description)
	}
	if d.Rule.RequireSandbox {
		fmt.Fprintf(&b, "Sandbox Required: yes (threshold %d/100)\n", d.Rule.SandboxThreshold)
	}
	if len(d.Conditions) > 0 {
		b.WriteString("Conditions:\n")
		for _, c := range d.Conditions {
			fmt.Fprintf(&b, "  - %s: %s (%s)\n", c.Condition, c.Status, c.Detail)
		}
	}
	if d.EscalationReason != "" {
		fmt.Fprintf(&b, "Escalation: %s\n", d.EscalationReason)
	}
	fmt.Fprintf(&b, "Notification: %s\n", d.Rule.Notification)
	return b.String()
}
