package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"safeline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) exec(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

// InsertExecution records the final outcome of one task. A nil tx writes
// directly through DB.
func (r Repo) InsertExecution(ctx context.Context, tx *sql.Tx, m domain.ExecutionMetric) (int64, error) {
	res, err := r.exec(tx).ExecContext(ctx, `INSERT INTO execution_metrics(task_id,task_type,source,risk_level,risk_score,sandbox_score,iterations_count,decision,status,error_message,snapshot_id,execution_time_seconds,cycle_id,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.TaskID, m.TaskType, nullable(m.Source), m.RiskLevel, m.RiskScore, nullableIntPtr(m.SandboxScore), m.Iterations,
		m.Decision, m.Status, nullable(m.ErrorMessage), nullable(m.SnapshotID), nullableFloatPtr(m.ExecutionSecs), nullable(m.CycleID), m.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert execution metric: %w", err)
	}
	return res.LastInsertId()
}

func (r Repo) InsertHealth(ctx context.Context, tx *sql.Tx, h domain.CycleHealth) (int64, error) {
	res, err := r.exec(tx).ExecContext(ctx, `INSERT INTO system_health(heartbeat_cycle_id,tasks_discovered,tasks_executed,tasks_failed,tasks_escalated,tasks_blocked,avg_risk_score,cycle_duration_seconds,status,error_details,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		h.CycleID, h.Discovered, h.Executed, h.Failed, h.Escalated, h.Blocked, nullableFloatPtr(h.AvgRiskScore),
		h.DurationSecs, h.Status, nullable(h.ErrorDetails), h.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert cycle health: %w", err)
	}
	return res.LastInsertId()
}

// HasOutcome reports whether a final outcome was already recorded for
// taskID.
func (r Repo) HasOutcome(ctx context.Context, taskID string) (bool, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM execution_metrics WHERE task_id=?`, taskID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

type ExecutionFilters struct {
	TaskID  string
	Status  string
	CycleID string
	Limit   int
	Cursor  int64
}

const executionCols = `id,task_id,task_type,COALESCE(source,''),risk_level,risk_score,sandbox_score,iterations_count,decision,status,COALESCE(error_message,''),COALESCE(snapshot_id,''),execution_time_seconds,COALESCE(cycle_id,''),created_at`

func scanExecution(sc interface{ Scan(...any) error }) (domain.ExecutionMetric, error) {
	var (
		m       domain.ExecutionMetric
		sandbox sql.NullInt64
		secs    sql.NullFloat64
	)
	err := sc.Scan(&m.ID, &m.TaskID, &m.TaskType, &m.Source, &m.RiskLevel, &m.RiskScore, &sandbox, &m.Iterations,
		&m.Decision, &m.Status, &m.ErrorMessage, &m.SnapshotID, &secs, &m.CycleID, &m.CreatedAt)
	if err != nil {
		return m, err
	}
	if sandbox.Valid {
		v := int(sandbox.Int64)
		m.SandboxScore = &v
	}
	if secs.Valid {
		v := secs.Float64
		m.ExecutionSecs = &v
	}
	return m, nil
}

// LatestExecutions lists execution metrics newest first. Cursor, when set,
// returns rows older than that id.
func (r Repo) LatestExecutions(ctx context.Context, f ExecutionFilters) ([]domain.ExecutionMetric, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CycleID != "" {
		clauses = append(clauses, "cycle_id=?")
		args = append(args, f.CycleID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT %s FROM execution_metrics %s ORDER BY id DESC LIMIT ?`, executionCols, where)
	args = append(args, limitOrDefault(f.Limit))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExecutionMetric
	for rows.Next() {
		m, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// LatestExecution returns the most recent metric for taskID.
func (r Repo) LatestExecution(ctx context.Context, taskID string) (domain.ExecutionMetric, error) {
	row := r.DB.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM execution_metrics WHERE task_id=? ORDER BY id DESC LIMIT 1`, executionCols), taskID)
	m, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) LatestHealth(ctx context.Context, limit int, cursor int64) ([]domain.CycleHealth, error) {
	clauses := []string{"1=1"}
	var args []any
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,heartbeat_cycle_id,tasks_discovered,tasks_executed,tasks_failed,tasks_escalated,tasks_blocked,avg_risk_score,cycle_duration_seconds,status,COALESCE(error_details,''),created_at FROM system_health WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limitOrDefault(limit))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CycleHealth
	for rows.Next() {
		var (
			h   domain.CycleHealth
			avg sql.NullFloat64
		)
		if err := rows.Scan(&h.ID, &h.CycleID, &h.Discovered, &h.Executed, &h.Failed, &h.Escalated, &h.Blocked, &avg, &h.DurationSecs, &h.Status, &h.ErrorDetails, &h.CreatedAt); err != nil {
			return nil, err
		}
		if avg.Valid {
			v := avg.Float64
			h.AvgRiskScore = &v
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, cycleID, taskID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, evtType, cycleID, taskID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, evtType, cycleID, taskID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cycleID != "" {
		clauses = append(clauses, "cycle_id=?")
		args = append(args, cycleID)
	}
	if taskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, taskID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(cycle_id,''),COALESCE(task_id,''),payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limitOrDefault(limit))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.CycleID, &e.TaskID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountByStatus tallies recorded outcomes per final status.
func (r Repo) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM execution_metrics GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
