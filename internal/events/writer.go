package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written to the metrics store.
const (
	CycleStarted     = "cycle.started"
	CycleFinished    = "cycle.finished"
	CycleAborted     = "cycle.aborted"
	DiscoveryFailed  = "discovery.failed"
	TaskDecided      = "task.decided"
	TaskRehearsed    = "task.rehearsed"
	TaskExecuted     = "task.executed"
	TaskRolledBack   = "task.rolled_back"
	KillSwitchToggle = "killswitch.toggled"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Append writes one event. A nil tx writes directly through DB.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, cycleID, taskID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	var ex execer = w.DB
	if tx != nil {
		ex = tx
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO events(ts,type,cycle_id,task_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, nullable(cycleID), nullable(taskID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
