package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scamprobe/internal/config"
	"scamprobe/internal/db"
	"scamprobe/internal/domain"
	"scamprobe/internal/events"
	"scamprobe/internal/migrate"
	"scamprobe/internal/repo"
)

type hookSink struct {
	mu      sync.Mutex
	got     []webhookEvent
	headers []http.Header
	status  int
}

func (s *hookSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var evt webhookEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != 0 {
		w.WriteHeader(s.status)
		return
	}
	s.got = append(s.got, evt)
	s.headers = append(s.headers, r.Header.Clone())
}

func (s *hookSink) events() []webhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webhookEvent(nil), s.got...)
}

func newWebhookRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return repo.New(conn)
}

func completeTask(t *testing.T, r repo.Repo, id string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	task := domain.NewTask(id, "", "text", now)
	require.NoError(t, r.CreateTask(ctx, task, events.ActorRouter))
	require.NoError(t, task.Start(now))
	require.NoError(t, r.SaveTask(ctx, task, events.TaskStarted, events.ActorWorker))
	require.NoError(t, task.Complete(domain.Verdict{RiskLevel: domain.RiskHigh, Confidence: 0.8, Explanation: "x"}, now))
	require.NoError(t, r.SaveTask(ctx, task, events.TaskCompleted, events.ActorWorker))
}

func TestWebhookDeliversTerminalEventsOnly(t *testing.T) {
	ctx := context.Background()
	r := newWebhookRepo(t)
	sink := &hookSink{}
	hs := httptest.NewServer(sink)
	t.Cleanup(hs.Close)

	completeTask(t, r, "t-old")

	d := NewWebhookDispatcher(r.DB, []config.WebhookConfig{{URL: hs.URL, Secret: "s3cret"}})
	d.DispatchAll(ctx)
	assert.Empty(t, sink.events(), "events before the dispatcher started are not replayed")

	completeTask(t, r, "t-new")
	d.DispatchAll(ctx)

	got := sink.events()
	require.Len(t, got, 1)
	assert.Equal(t, events.TaskCompleted, got[0].Type)
	assert.Equal(t, "t-new", got[0].TaskID)
	assert.Equal(t, "s3cret", sink.headers[0].Get("X-Scamprobe-Secret"))
	assert.Equal(t, events.TaskCompleted, sink.headers[0].Get("X-Scamprobe-Event"))

	d.DispatchAll(ctx)
	assert.Len(t, sink.events(), 1, "delivered events are not sent twice")
}

func TestWebhookWildcardAndRetry(t *testing.T) {
	ctx := context.Background()
	r := newWebhookRepo(t)
	sink := &hookSink{status: http.StatusInternalServerError}
	hs := httptest.NewServer(sink)
	t.Cleanup(hs.Close)

	d := NewWebhookDispatcher(r.DB, []config.WebhookConfig{{URL: hs.URL, Events: []string{"*"}}})
	d.DispatchAll(ctx)
	completeTask(t, r, "t1")

	d.DispatchAll(ctx)
	assert.Empty(t, sink.events())

	sink.mu.Lock()
	sink.status = 0
	sink.mu.Unlock()
	d.DispatchAll(ctx)

	var types []string
	for _, evt := range sink.events() {
		types = append(types, evt.Type)
	}
	assert.Equal(t, []string{events.TaskCreated, events.TaskStarted, events.TaskCompleted}, types)
}

func TestWebhookDisabledHookIsSkipped(t *testing.T) {
	ctx := context.Background()
	r := newWebhookRepo(t)
	sink := &hookSink{}
	hs := httptest.NewServer(sink)
	t.Cleanup(hs.Close)

	off := false
	d := NewWebhookDispatcher(r.DB, []config.WebhookConfig{{URL: hs.URL, Enabled: &off}})
	d.DispatchAll(ctx)
	completeTask(t, r, "t1")
	d.DispatchAll(ctx)
	assert.Empty(t, sink.events())
}

func TestEventFilterDefaults(t *testing.T) {
	f := newEventFilter(nil)
	assert.True(t, f.match(events.TaskTimedOut))
	assert.False(t, f.match(events.TaskCreated))
	assert.True(t, newEventFilter([]string{" task.created "}).match(events.TaskCreated))
}
