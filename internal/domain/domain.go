package domain

import "time"

// Task is the normalized record handed over by discovery. Treat it as a value:
// fixes and payload edits produce a new Task via Clone or WithPayload.
type Task struct {
	ID         string         `json:"task_id"`
	ActionType string         `json:"action_type"`
	Payload    map[string]any `json:"payload"`
	Source     string         `json:"source,omitempty"`
	Fix        *FixMetadata   `json:"fix_metadata,omitempty"`
}

// Clone returns a deep copy of t.
func (t Task) Clone() Task {
	out := t
	out.Payload = ClonePayload(t.Payload)
	if t.Fix != nil {
		fix := *t.Fix
		out.Fix = &fix
	}
	return out
}

// WithPayload returns a copy of t carrying payload (deep-copied).
func (t Task) WithPayload(payload map[string]any) Task {
	out := t.Clone()
	out.Payload = ClonePayload(payload)
	return out
}

// String reads a string payload field.
func (t Task) String(key string) string {
	if t.Payload == nil {
		return ""
	}
	s, _ := t.Payload[key].(string)
	return s
}

// Has reports whether the payload carries key.
func (t Task) Has(key string) bool {
	if t.Payload == nil {
		return false
	}
	_, ok := t.Payload[key]
	return ok
}

// ClonePayload deep-copies nested maps and slices of a decoded JSON payload.
func ClonePayload(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return ClonePayload(tv)
	case []any:
		cp := make([]any, len(tv))
		for i, item := range tv {
			cp[i] = cloneValue(item)
		}
		return cp
	case []string:
		return append([]string(nil), tv...)
	default:
		return v
	}
}

type FixMetadata struct {
	Iteration     int    `json:"iteration"`
	ErrorAnalyzed string `json:"error_analyzed"`
	FixType       string `json:"fix_type"`
	Description   string `json:"fix_description"`
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// RiskLevels lists the bands from least to most restricted.
var RiskLevels = []RiskLevel{RiskLow, RiskMedium, RiskHigh, RiskCritical}

type RiskAssessment struct {
	Score     int            `json:"score"`
	Level     RiskLevel      `json:"level"`
	Breakdown map[string]int `json:"breakdown"`
}

type Action string

const (
	AutoExecute        Action = "auto_execute"
	ConditionalExecute Action = "conditional_execute"
	EscalateHuman      Action = "escalate_human"
	Block              Action = "block"
)

// Valid reports whether a is one of the four routing actions.
func (a Action) Valid() bool {
	switch a {
	case AutoExecute, ConditionalExecute, EscalateHuman, Block:
		return true
	}
	return false
}

type Rule struct {
	Action           Action   `yaml:"action" json:"action"`
	RequireSandbox   bool     `yaml:"require_sandbox" json:"require_sandbox"`
	SandboxThreshold int      `yaml:"sandbox_threshold" json:"sandbox_threshold"`
	Conditions       []string `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Notification     string   `yaml:"notification,omitempty" json:"notification_timing,omitempty"`
	Description      string   `yaml:"description,omitempty" json:"description,omitempty"`
}

type ConditionStatus string

const (
	ConditionMet     ConditionStatus = "met"
	ConditionUnmet   ConditionStatus = "unmet"
	ConditionUnknown ConditionStatus = "unknown"
)

type ConditionResult struct {
	Condition string          `json:"condition"`
	Status    ConditionStatus `json:"status"`
	Detail    string          `json:"detail,omitempty"`
}

type Decision struct {
	Action           Action            `json:"action"`
	InitialAction    Action            `json:"initial_action"`
	Risk             RiskAssessment    `json:"risk"`
	Rule             Rule              `json:"rule"`
	Profile          string            `json:"profile"`
	RehearsalScore   *int              `json:"rehearsal_score,omitempty"`
	Conditions       []ConditionResult `json:"conditions,omitempty"`
	EscalationReason string            `json:"escalation_reason,omitempty"`
}

// ErrorKind classifies a failed Outcome.
type ErrorKind string

const (
	KindNone        ErrorKind = ""
	KindUnsupported ErrorKind = "unsupported"
	KindPayload     ErrorKind = "payload"
	KindDatastore   ErrorKind = "datastore"
	KindIO          ErrorKind = "io"
	KindPermission  ErrorKind = "permission"
	KindSyntax      ErrorKind = "syntax"
	KindTimeout     ErrorKind = "timeout"
	KindInternal    ErrorKind = "internal"
)

// Outcome is the normalized result of running one action.
type Outcome struct {
	Success  bool          `json:"success"`
	Result   any           `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
	Kind     ErrorKind     `json:"error_kind,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Failed builds a failed Outcome.
func Failed(kind ErrorKind, msg string) Outcome {
	return Outcome{Kind: kind, Error: msg}
}

// Succeeded builds a successful Outcome.
func Succeeded(result any) Outcome {
	return Outcome{Success: true, Result: result}
}

type RehearsalAttempt struct {
	Iteration       int            `json:"iteration"`
	Success         bool           `json:"success"`
	Score           int            `json:"score"`
	Breakdown       map[string]int `json:"breakdown"`
	Error           string         `json:"error,omitempty"`
	ErrorKind       ErrorKind      `json:"error_kind,omitempty"`
	Duration        time.Duration  `json:"duration"`
	Result          any            `json:"result,omitempty"`
	Fix             *FixMetadata   `json:"fix_metadata,omitempty"`
	EnvironmentPath string         `json:"environment_path,omitempty"`
	Retained        bool           `json:"retained"`
}

type StopReason string

const (
	StopTargetReached    StopReason = "target_reached"
	StopStalled          StopReason = "stalled"
	StopUnfixable        StopReason = "unfixable"
	StopExhausted        StopReason = "exhausted"
	StopEnvironmentError StopReason = "environment_error"
	StopCancelled        StopReason = "cancelled"
)

type RehearsalReport struct {
	TaskID        string             `json:"task_id"`
	Success       bool               `json:"success"`
	BestScore     int                `json:"best_score"`
	Best          *RehearsalAttempt  `json:"best,omitempty"`
	Attempts      []RehearsalAttempt `json:"attempts"`
	TargetScore   int                `json:"target_score"`
	MaxIterations int                `json:"max_iterations"`
	StopReason    StopReason         `json:"stop_reason"`
	FinalTask     Task               `json:"final_task"`
}

type SnapshotMeta struct {
	ID             string   `json:"snapshot_id"`
	TaskID         string   `json:"task_id"`
	TaskType       string   `json:"task_type"`
	CreatedAt      string   `json:"created_at"`
	AffectedFiles  []string `json:"affected_files"`
	DatabaseBackup *string  `json:"database_backup"`
	FilesBackedUp  []string `json:"files_backed_up,omitempty"`
	AbsentFiles    []string `json:"absent_files,omitempty"`
	CopyErrors     []string `json:"copy_errors,omitempty"`
}

type ValidationResult struct {
	Passed bool     `json:"passed"`
	Issues []string `json:"issues,omitempty"`
}

type RollbackReport struct {
	Reason   string `json:"reason"`
	Restored bool   `json:"restored"`
	Verified bool   `json:"verified"`
	Error    string `json:"error,omitempty"`
}

type Phase string

const (
	PhasePreFlight  Phase = "pre_flight"
	PhaseSnapshot   Phase = "snapshot"
	PhaseExecute    Phase = "execute"
	PhasePostFlight Phase = "post_flight"
	PhaseRollback   Phase = "rollback"
	PhaseDone       Phase = "done"
)

type ExecutionReport struct {
	TaskID     string            `json:"task_id"`
	Success    bool              `json:"success"`
	Result     any               `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
	SnapshotID string            `json:"snapshot_id,omitempty"`
	Phase      Phase             `json:"phase"`
	PreFlight  ValidationResult  `json:"pre_flight"`
	PostFlight *ValidationResult `json:"post_flight,omitempty"`
	Rollback   *RollbackReport   `json:"rollback,omitempty"`
	Duration   time.Duration     `json:"duration"`
}

// Final task statuses recorded in the metrics sink.
const (
	StatusExecuted   = "executed"
	StatusFailed     = "failed"
	StatusRolledBack = "rolled_back"
	StatusEscalated  = "escalated"
	StatusBlocked    = "blocked"
)

type ExecutionMetric struct {
	ID            int64    `json:"id"`
	TaskID        string   `json:"task_id"`
	TaskType      string   `json:"task_type"`
	Source        string   `json:"source,omitempty"`
	RiskLevel     string   `json:"risk_level"`
	RiskScore     int      `json:"risk_score"`
	SandboxScore  *int     `json:"sandbox_score,omitempty"`
	Iterations    int      `json:"iterations_count"`
	Decision      string   `json:"decision"`
	Status        string   `json:"status"`
	ErrorMessage  string   `json:"error_message,omitempty"`
	SnapshotID    string   `json:"snapshot_id,omitempty"`
	ExecutionSecs *float64 `json:"execution_time_seconds,omitempty"`
	CycleID       string   `json:"cycle_id,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
}

type CycleHealth struct {
	ID           int64    `json:"id"`
	CycleID      string   `json:"heartbeat_cycle_id"`
	Discovered   int      `json:"tasks_discovered"`
	Executed     int      `json:"tasks_executed"`
	Failed       int      `json:"tasks_failed"`
	Escalated    int      `json:"tasks_escalated"`
	Blocked      int      `json:"tasks_blocked"`
	AvgRiskScore *float64 `json:"avg_risk_score,omitempty"`
	DurationSecs float64  `json:"cycle_duration_seconds"`
	Status       string   `json:"status"`
	ErrorDetails string   `json:"error_details,omitempty"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	CycleID string `json:"cycle_id,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
	Payload string `json:"payload_json"`
}

type CycleReport struct {
	CycleID    string        `json:"cycle_id"`
	DryRun     bool          `json:"dry_run"`
	Aborted    bool          `json:"aborted"`
	Discovered int           `json:"discovered"`
	Skipped    int           `json:"skipped"`
	Executed   int           `json:"executed"`
	Failed     int           `json:"failed"`
	Escalated  int           `json:"escalated"`
	Blocked    int           `json:"blocked"`
	Results    []TaskResult  `json:"results"`
	Duration   time.Duration `json:"duration"`
}

type TaskResult struct {
	TaskID    string           `json:"task_id"`
	Status    string           `json:"status"`
	Decision  Decision         `json:"decision"`
	Rehearsal *RehearsalReport `json:"rehearsal,omitempty"`
	Execution *ExecutionReport `json:"execution,omitempty"`
	Message   string           `json:"message,omitempty"`
}
