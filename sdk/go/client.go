package safelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal safeline admin API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Execution is one recorded task outcome.
type Execution struct {
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
	CreatedAt     string   `json:"created_at"`
}

// Cycle is one heartbeat health row.
type Cycle struct {
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
	CreatedAt    string   `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts"`
	Type    string `json:"type"`
	CycleID string `json:"cycle_id,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
	Payload string `json:"payload_json"`
}

type Status struct {
	KillSwitch  bool           `json:"kill_switch"`
	Profile     string         `json:"profile"`
	Counts      map[string]int `json:"counts"`
	LatestCycle *Cycle         `json:"latest_cycle,omitempty"`
}

// Assessment is the routing verdict for a task that has not run.
type Assessment struct {
	TaskID string `json:"task_id,omitempty"`
	Risk   struct {
		Score     int            `json:"score"`
		Level     string         `json:"level"`
		Breakdown map[string]int `json:"breakdown"`
	} `json:"risk"`
	Decision struct {
		Action           string `json:"action"`
		InitialAction    string `json:"initial_action"`
		Profile          string `json:"profile"`
		EscalationReason string `json:"escalation_reason,omitempty"`
	} `json:"decision"`
	NeedsRehearsal bool   `json:"needs_rehearsal"`
	Explanation    string `json:"explanation"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ExecutionsPage wraps list responses with cursors.
type ExecutionsPage struct {
	Items      []Execution `json:"items"`
	NextCursor string      `json:"next_cursor"`
}

type EventsPage struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Status returns the pipeline status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "v0/status", nil, &resp)
	return resp, err
}

// Executions returns one page of recorded outcomes, optionally filtered by
// status.
func (c *Client) Executions(ctx context.Context, status string, limit int, cursor string) (ExecutionsPage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	var resp ExecutionsPage
	err := c.do(ctx, http.MethodGet, withQuery("v0/executions", q, limit, cursor), nil, &resp)
	return resp, err
}

// Execution returns the latest recorded outcome for a task.
func (c *Client) Execution(ctx context.Context, taskID string) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodGet, "v0/executions/"+url.PathEscape(taskID), nil, &resp)
	return resp, err
}

// Events returns one page of events of the given type ("" for all).
func (c *Client) Events(ctx context.Context, evtType string, limit int, cursor string) (EventsPage, error) {
	q := url.Values{}
	if evtType != "" {
		q.Set("type", evtType)
	}
	var resp EventsPage
	err := c.do(ctx, http.MethodGet, withQuery("v0/events", q, limit, cursor), nil, &resp)
	return resp, err
}

// Assess scores and routes a task without running it.
func (c *Client) Assess(ctx context.Context, actionType string, payload map[string]any, profile string) (Assessment, error) {
	body := map[string]any{
		"action_type": actionType,
		"payload":     payload,
	}
	if profile != "" {
		body["profile"] = profile
	}
	var resp Assessment
	err := c.do(ctx, http.MethodPost, "v0/assess", body, &resp)
	return resp, err
}

// SetKillSwitch engages or releases the kill switch. The token needs the
// killswitch.write permission.
func (c *Client) SetKillSwitch(ctx context.Context, active bool, reason string) (bool, error) {
	var resp struct {
		Active bool `json:"active"`
	}
	body := map[string]any{
		"active": active,
		"reason": reason,
	}
	err := c.do(ctx, http.MethodPut, "v0/killswitch", body, &resp)
	return resp.Active, err
}

func withQuery(endpoint string, q url.Values, limit int, cursor string) string {
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
