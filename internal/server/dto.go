package server

import (
	"safeline/internal/domain"
	"safeline/internal/rollback"
)

// Request payloads

type AssessRequest struct {
	TaskID     string         `json:"task_id,omitempty"`
	ActionType string         `json:"action_type" minLength:"1"`
	Payload    map[string]any `json:"payload,omitempty"`
	Profile    string         `json:"profile,omitempty" doc:"Policy profile; defaults to the configured one"`
}

type KillSwitchRequest struct {
	Active bool   `json:"active"`
	Reason string `json:"reason,omitempty"`
}

// Responses

type StatusResponse struct {
	KillSwitch  bool                `json:"kill_switch"`
	Profile     string              `json:"profile"`
	Counts      map[string]int      `json:"counts"`
	LatestCycle *domain.CycleHealth `json:"latest_cycle,omitempty"`
}

type AssessResponse struct {
	TaskID         string                `json:"task_id,omitempty"`
	Risk           domain.RiskAssessment `json:"risk"`
	Decision       domain.Decision       `json:"decision"`
	NeedsRehearsal bool                  `json:"needs_rehearsal"`
	Explanation    string                `json:"explanation"`
}

type KillSwitchResponse struct {
	Active bool   `json:"active"`
	Path   string `json:"path"`
}

type paginatedExecutions struct {
	Items      []domain.ExecutionMetric `json:"items"`
	NextCursor string                   `json:"next_cursor,omitempty"`
}

type paginatedCycles struct {
	Items      []domain.CycleHealth `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type snapshotList struct {
	Items []domain.SnapshotMeta `json:"items"`
}

type rollbackList struct {
	Items []rollback.Entry `json:"items"`
}
