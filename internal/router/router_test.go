package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scamprobe/internal/classify"
	"scamprobe/internal/db"
	"scamprobe/internal/domain"
	"scamprobe/internal/extract"
	"scamprobe/internal/llm"
	"scamprobe/internal/migrate"
	"scamprobe/internal/progress"
	"scamprobe/internal/queue"
	"scamprobe/internal/repo"
)

type alive bool

func (a alive) Alive(context.Context) bool { return bool(a) }

type brokenQueue struct{ *queue.Memory }

func (brokenQueue) Enqueue(context.Context, queue.Job) error { return errors.New("redis down") }

func setup(t *testing.T, live bool) (*Router, repo.Repo, *queue.Memory, *progress.Hub) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	r := repo.New(conn)
	q := queue.NewMemory()
	t.Cleanup(func() { q.Close() })
	hub := progress.NewHub(16, 16)
	rt := &Router{
		Extractor:    extract.New("US"),
		Classifier:   classify.Keywords{},
		Pool:         alive(live),
		Queue:        q,
		Tasks:        r,
		Progress:     hub,
		StreamURL:    func(id string) string { return "/v1/tasks/" + id + "/stream" },
		PerTask:      4,
		ToolTimeout:  5 * time.Second,
		TaskDeadline: 60 * time.Second,
		NewID:        func() string { return "task-1" },
	}
	return rt, r, q, hub
}

func TestSubmitRejectsEmptyText(t *testing.T) {
	rt, _, _, _ := setup(t, true)
	_, err := rt.Submit(context.Background(), Request{Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestSubmitWithoutEntitiesTakesFastPath(t *testing.T) {
	rt, _, q, _ := setup(t, true)
	resp, err := rt.Submit(context.Background(), Request{Text: "URGENT: your account will be suspended, verify your password"})
	require.NoError(t, err)
	assert.Equal(t, TypeSimple, resp.Type)
	require.NotNil(t, resp.Verdict)
	assert.NotEqual(t, domain.RiskLow, resp.Verdict.RiskLevel)
	assert.Empty(t, resp.TaskID)
	assert.Empty(t, resp.Fallback)
	ready, _, _ := q.Len()
	assert.Zero(t, ready)
}

func TestSubmitWithEntitiesQueuesTask(t *testing.T) {
	rt, r, q, hub := setup(t, true)
	ctx := context.Background()
	resp, err := rt.Submit(ctx, Request{SessionID: "s1", Text: "Call 800-555-1234 to claim your refund"})
	require.NoError(t, err)
	assert.Equal(t, TypeDeep, resp.Type)
	assert.Nil(t, resp.Verdict)
	assert.Equal(t, "task-1", resp.TaskID)
	assert.Equal(t, "/v1/tasks/task-1/stream", resp.StreamURL)
	assert.Positive(t, resp.Estimate.MinSeconds)
	assert.LessOrEqual(t, resp.Estimate.MinSeconds, resp.Estimate.MaxSeconds)
	assert.LessOrEqual(t, resp.Estimate.MaxSeconds, 60)

	task, err := r.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskQueued, task.State)
	assert.Equal(t, "s1", task.SessionID)

	j, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "task-1", j.TaskID)

	hist, err := hub.History(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, progress.StepQueued, hist[0].Step)
}

func TestSubmitFallsBackWhenWorkersDown(t *testing.T) {
	rt, r, _, _ := setup(t, false)
	rt.Classifier = classify.Chain{Primary: classify.LLM{Provider: &llm.Fake{Err: errors.New("503")}}}
	resp, err := rt.Submit(context.Background(), Request{Text: "Pay now at http://refund-desk.example.top or lose access"})
	require.NoError(t, err)
	assert.Equal(t, TypeSimple, resp.Type)
	require.NotNil(t, resp.Verdict)
	assert.Equal(t, domain.ErrKindWorkerUnavailable, resp.Fallback)
	_, err = r.GetTask(context.Background(), "task-1")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestSubmitFailsTaskWhenEnqueueFails(t *testing.T) {
	rt, r, q, _ := setup(t, true)
	rt.Queue = brokenQueue{q}
	resp, err := rt.Submit(context.Background(), Request{Text: "Call 800-555-1234 now"})
	require.NoError(t, err)
	assert.Equal(t, TypeSimple, resp.Type)
	assert.Equal(t, domain.ErrKindWorkerUnavailable, resp.Fallback)

	task, err := r.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, task.State)
	assert.Equal(t, domain.UserFacingError, task.Error)
}

func TestEstimateBoundedByDeadline(t *testing.T) {
	rt := &Router{PerTask: 2, ToolTimeout: 5 * time.Second, TaskDeadline: 12 * time.Second}
	entities := domain.EntitySet{
		{Type: domain.EntityPhone, Value: "+18005551234"},
		{Type: domain.EntityURL, Value: "a.example"},
		{Type: domain.EntityURL, Value: "b.example"},
		{Type: domain.EntityEmail, Value: "x@c.example"},
		{Type: domain.EntityPayment, Value: "GB82WEST12345698765432"},
	}
	got := rt.estimate(entities)
	assert.Equal(t, 12, got.MaxSeconds)
	assert.Equal(t, 5, got.MinSeconds)

	rt.Calls = func(domain.EntitySet) int { return 1 }
	got = rt.estimate(entities)
	assert.Equal(t, TimeRange{MinSeconds: 3, MaxSeconds: 10}, got)
}
