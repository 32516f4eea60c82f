package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Task lifecycle event types.
const (
	TaskCreated   = "task.created"
	TaskStarted   = "task.started"
	TaskRequeued  = "task.requeued"
	TaskCompleted = "task.completed"
	TaskTimedOut  = "task.timed_out"
	TaskFailed    = "task.failed"
	TaskPurged    = "task.purged"
)

// Actors recorded on events.
const (
	ActorRouter   = "router"
	ActorWorker   = "worker"
	ActorJanitor  = "janitor"
	ActorOperator = "operator"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	TaskID  string         `json:"task_id"`
	Actor   string         `json:"actor"`
	Payload map[string]any `json:"payload"`
}

// Append writes an audit event inside the caller's transaction so the event
// and the state change commit together.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, taskID, actor string, payload EventPayload) error {
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
	_, err = tx.ExecContext(ctx, `INSERT INTO task_events(ts,type,task_id,actor,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, taskID, actor, string(data))
	return err
}

// List returns the events of one task in insertion order.
func List(ctx context.Context, db *sql.DB, taskID string) ([]Event, error) {
	rows, err := db.QueryContext(ctx, `SELECT id,ts,type,task_id,actor,payload_json FROM task_events WHERE task_id=? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var e Event
		var payload string
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.TaskID, &e.Actor, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", e.ID, err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// After returns up to limit events with id greater than afterID, oldest first.
func After(ctx context.Context, db *sql.DB, afterID int64, limit int) ([]Event, error) {
	rows, err := db.QueryContext(ctx, `SELECT id,ts,type,task_id,actor,payload_json FROM task_events WHERE id>? ORDER BY id LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var e Event
		var payload string
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.TaskID, &e.Actor, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", e.ID, err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestID returns the id of the newest event, or 0 when there are none.
func LatestID(ctx context.Context, db *sql.DB) (int64, error) {
	var id sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(id) FROM task_events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}
