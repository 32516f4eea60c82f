package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"scamprobe/internal/domain"
	"scamprobe/internal/events"
)

type Repo struct {
	DB     *sql.DB
	Events events.Writer
}

var ErrNotFound = errors.New("not found")

func New(db *sql.DB) Repo {
	return Repo{DB: db}
}

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalVerdict(v *domain.Verdict) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func marshalEvidence(v map[string]any) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// CreateTask inserts a queued task and its creation event in one transaction.
func (r Repo) CreateTask(ctx context.Context, t *domain.Task, actor string) error {
	if err := t.Validate(); err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.InsertTask(ctx, tx, t); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if err := r.Events.Append(ctx, tx, events.TaskCreated, t.ID, actor, events.EventPayload{
		"session_id": t.SessionID,
		"entities":   len(t.Entities),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveTask persists the task row, replaces its results and appends evtType
// in one transaction. An empty evtType records no event.
func (r Repo) SaveTask(ctx context.Context, t *domain.Task, evtType, actor string) error {
	if err := t.Validate(); err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.UpdateTask(ctx, tx, t); err != nil {
		return err
	}
	if err := r.ReplaceResults(ctx, tx, t.ID, t.Results); err != nil {
		return err
	}
	if evtType != "" {
		payload := events.EventPayload{"state": t.State, "attempts": t.Attempts, "results": len(t.Results)}
		if t.Verdict != nil {
			payload["risk_level"] = t.Verdict.RiskLevel
			payload["source"] = t.Verdict.Source
		}
		if err := r.Events.Append(ctx, tx, evtType, t.ID, actor, payload); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t *domain.Task) error {
	entities, err := json.Marshal(nonNilEntities(t.Entities))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(id,session_id,state,input_text,entities_json,attempts,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, nullable(t.SessionID), t.State, t.InputText, string(entities), t.Attempts, formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t *domain.Task) error {
	entities, err := json.Marshal(nonNilEntities(t.Entities))
	if err != nil {
		return err
	}
	verdict, err := marshalVerdict(t.Verdict)
	if err != nil {
		return err
	}
	partial, err := marshalVerdict(t.PartialVerdict)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET state=?,entities_json=?,verdict_json=?,partial_verdict_json=?,error=?,attempts=?,updated_at=? WHERE id=?`,
		t.State, string(entities), verdict, partial, nullable(t.Error), t.Attempts, formatTime(t.UpdatedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nonNilEntities(s domain.EntitySet) domain.EntitySet {
	if s == nil {
		return domain.EntitySet{}
	}
	return s
}

// ReplaceResults swaps the stored results of a task for rs.
func (r Repo) ReplaceResults(ctx context.Context, tx *sql.Tx, taskID string, rs []domain.ToolResult) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_results WHERE task_id=?`, taskID); err != nil {
		return err
	}
	for i, res := range rs {
		if err := upsertResult(ctx, tx, taskID, i, res); err != nil {
			return err
		}
	}
	return nil
}

// UpsertResult stores one settled tool call. The composite key makes a
// duplicate (tool, entity) replace the earlier row.
func (r Repo) UpsertResult(ctx context.Context, taskID string, seq int, res domain.ToolResult) error {
	return upsertResult(ctx, r.DB, taskID, seq, res)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertResult(ctx context.Context, db execer, taskID string, seq int, res domain.ToolResult) error {
	evidence, err := marshalEvidence(res.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	_, err = db.ExecContext(ctx, `INSERT OR REPLACE INTO task_results(task_id,tool_name,entity_type,entity_value,entity_raw,found,risk_signal,verified,evidence_json,success,error_kind,execution_time_ms,seq) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		taskID, res.ToolName, res.Entity.Type, res.Entity.Value, res.Entity.Raw, boolInt(res.Found), res.RiskSignal, boolInt(res.Verified),
		evidence, boolInt(res.Success), nullable(string(res.ErrorKind)), res.ExecutionTimeMs, seq)
	return err
}

const taskColumns = `id,COALESCE(session_id,''),state,input_text,entities_json,COALESCE(verdict_json,''),COALESCE(partial_verdict_json,''),COALESCE(error,''),attempts,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var t domain.Task
	var entities, verdict, partial, createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.SessionID, &t.State, &t.InputText, &entities, &verdict, &partial, &t.Error, &t.Attempts, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(entities), &t.Entities); err != nil {
		return nil, fmt.Errorf("decode entities of %s: %w", t.ID, err)
	}
	if verdict != "" {
		t.Verdict = &domain.Verdict{}
		if err := json.Unmarshal([]byte(verdict), t.Verdict); err != nil {
			return nil, fmt.Errorf("decode verdict of %s: %w", t.ID, err)
		}
	}
	if partial != "" {
		t.PartialVerdict = &domain.Verdict{}
		if err := json.Unmarshal([]byte(partial), t.PartialVerdict); err != nil {
			return nil, fmt.Errorf("decode partial verdict of %s: %w", t.ID, err)
		}
	}
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// GetTask loads a task with its results in arrival order.
func (r Repo) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return nil, err
	}
	results, err := r.ListResults(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Results = results
	return t, nil
}

func (r Repo) ListResults(ctx context.Context, taskID string) ([]domain.ToolResult, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT tool_name,entity_type,entity_value,entity_raw,found,risk_signal,verified,COALESCE(evidence_json,''),success,COALESCE(error_kind,''),execution_time_ms FROM task_results WHERE task_id=? ORDER BY seq, tool_name`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ToolResult
	for rows.Next() {
		var tr domain.ToolResult
		var evidence string
		var found, verified, success int
		if err := rows.Scan(&tr.ToolName, &tr.Entity.Type, &tr.Entity.Value, &tr.Entity.Raw, &found, &tr.RiskSignal, &verified, &evidence, &success, &tr.ErrorKind, &tr.ExecutionTimeMs); err != nil {
			return nil, err
		}
		tr.Found, tr.Verified, tr.Success = found == 1, verified == 1, success == 1
		if evidence != "" {
			if err := json.Unmarshal([]byte(evidence), &tr.Evidence); err != nil {
				return nil, fmt.Errorf("decode evidence: %w", err)
			}
		}
		res = append(res, tr)
	}
	return res, rows.Err()
}

type TaskFilters struct {
	State     domain.TaskState
	SessionID string
	Limit     int
}

// ListTasks returns tasks newest first, without results.
func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]*domain.Task, error) {
	var clauses []string
	var args []any
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CountTasksByState is used by the health endpoint and the CLI summary.
func (r Repo) CountTasksByState(ctx context.Context) (map[domain.TaskState]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM tasks GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[domain.TaskState]int{}
	for rows.Next() {
		var s domain.TaskState
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[s] = n
	}
	return out, rows.Err()
}

// StaleRunning lists tasks still running whose last update is before cutoff.
// A live worker touches its task on every progress step.
func (r Repo) StaleRunning(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM tasks WHERE state=? AND updated_at < ? ORDER BY updated_at`, domain.TaskRunning, formatTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// QueuedBefore lists queued tasks created before cutoff; used to re-enqueue
// after a restart of the in-memory queue.
func (r Repo) QueuedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM tasks WHERE state=? AND created_at < ? ORDER BY created_at`, domain.TaskQueued, formatTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Touch bumps updated_at without changing state.
func (r Repo) Touch(ctx context.Context, taskID string, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE tasks SET updated_at=? WHERE id=?`, formatTime(now), taskID)
	return err
}

// PurgeBefore deletes terminal tasks last updated before cutoff together
// with their results and events.
func (r Repo) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	terminal := []any{domain.TaskCompleted, domain.TaskFailed, domain.TaskTimedOut, formatTime(cutoff)}
	const sel = `SELECT id FROM tasks WHERE state IN (?,?,?) AND updated_at < ?`
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_results WHERE task_id IN (`+sel+`)`, terminal...); err != nil {
		return 0, fmt.Errorf("purge results: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_events WHERE task_id IN (`+sel+`)`, terminal...); err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE state IN (?,?,?) AND updated_at < ?`, terminal...)
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}
