package domain

import (
	"errors"
	"fmt"
	"time"
)

type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskTimedOut  TaskState = "timed_out"
)

// Terminal reports whether no further transition is allowed.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskTimedOut
}

// UserFacingError is the only failure message that leaves the service.
const UserFacingError = "analysis unavailable, try again"

// Task is the unit of orchestration work. Only the worker that dequeued it
// mutates it.
type Task struct {
	ID             string       `json:"task_id"`
	SessionID      string       `json:"session_id,omitempty"`
	State          TaskState    `json:"state" enum:"queued,running,completed,failed,timed_out"`
	InputText      string       `json:"-"`
	Entities       EntitySet    `json:"entities"`
	Results        []ToolResult `json:"results"`
	Verdict        *Verdict     `json:"verdict,omitempty"`
	PartialVerdict *Verdict     `json:"partial_verdict,omitempty"`
	Error          string       `json:"error,omitempty"`
	Attempts       int          `json:"attempts"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// NewTask returns a queued task.
func NewTask(id, sessionID, text string, now time.Time) *Task {
	return &Task{
		ID:        id,
		SessionID: sessionID,
		State:     TaskQueued,
		InputText: text,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func ensureTransition(from, to TaskState) error {
	switch from {
	case TaskQueued:
		if to == TaskRunning || to == TaskFailed {
			return nil
		}
	case TaskRunning:
		if to.Terminal() || to == TaskQueued {
			return nil
		}
	}
	return fmt.Errorf("invalid task state transition %s -> %s", from, to)
}

// Start moves a queued task to running and clears results of any previous
// attempt; retried tasks start extraction fresh.
func (t *Task) Start(now time.Time) error {
	if err := ensureTransition(t.State, TaskRunning); err != nil {
		return err
	}
	t.State = TaskRunning
	t.Attempts++
	t.Entities = nil
	t.Results = nil
	t.Verdict = nil
	t.PartialVerdict = nil
	t.Error = ""
	t.UpdatedAt = now
	return nil
}

// Requeue returns a running task to the queue after a worker crash.
func (t *Task) Requeue(now time.Time) error {
	if err := ensureTransition(t.State, TaskQueued); err != nil {
		return err
	}
	t.State = TaskQueued
	t.UpdatedAt = now
	return nil
}

// AddResult records a result, replacing an earlier one with the same
// (tool, entity) key.
func (t *Task) AddResult(r ToolResult) {
	for i, have := range t.Results {
		if have.Key() == r.Key() {
			t.Results[i] = r
			return
		}
	}
	t.Results = append(t.Results, r)
}

func (t *Task) Complete(v Verdict, now time.Time) error {
	if err := ensureTransition(t.State, TaskCompleted); err != nil {
		return err
	}
	t.State = TaskCompleted
	t.Verdict = &v
	t.PartialVerdict = nil
	t.Error = ""
	t.UpdatedAt = now
	return nil
}

// TimeOut ends the task with whatever evidence exists. partial may be nil.
func (t *Task) TimeOut(partial *Verdict, now time.Time) error {
	if err := ensureTransition(t.State, TaskTimedOut); err != nil {
		return err
	}
	t.State = TaskTimedOut
	t.Verdict = nil
	t.PartialVerdict = partial
	t.Error = "investigation deadline exceeded"
	t.UpdatedAt = now
	return nil
}

func (t *Task) Fail(reason string, now time.Time) error {
	if err := ensureTransition(t.State, TaskFailed); err != nil {
		return err
	}
	t.State = TaskFailed
	t.Verdict = nil
	t.Error = reason
	t.UpdatedAt = now
	return nil
}

// Validate checks the task invariants before persistence.
func (t *Task) Validate() error {
	if t.ID == "" {
		return errors.New("task id is required")
	}
	if (t.Verdict != nil) != (t.State == TaskCompleted) {
		return fmt.Errorf("task %s: verdict must be set iff state is completed (state=%s)", t.ID, t.State)
	}
	seen := make(map[string]struct{}, len(t.Results))
	for _, r := range t.Results {
		k := r.Key()
		if _, dup := seen[k]; dup {
			return fmt.Errorf("task %s: duplicate result %s", t.ID, k)
		}
		seen[k] = struct{}{}
	}
	return nil
}

// SuccessfulResults returns the results whose tool call succeeded.
func (t *Task) SuccessfulResults() []ToolResult {
	var out []ToolResult
	for _, r := range t.Results {
		if r.Success {
			out = append(out, r)
		}
	}
	return out
}
