package engine_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/semaphore"

	"scamprobe/internal/classify"
	"scamprobe/internal/db"
	"scamprobe/internal/domain"
	"scamprobe/internal/engine"
	"scamprobe/internal/events"
	"scamprobe/internal/extract"
	"scamprobe/internal/llm"
	"scamprobe/internal/migrate"
	"scamprobe/internal/progress"
	"scamprobe/internal/reasoner"
	"scamprobe/internal/repo"
	"scamprobe/internal/tools"
)

const scamText = "Your account is locked. Call +1 800 555 1234 or visit http://secure-login.example.top/verify now"

type testEnv struct {
	Engine engine.Engine
	Repo   repo.Repo
	Hub    *progress.Hub
	Ctx    context.Context
}

func newTestEnv(t *testing.T, adapters ...tools.Adapter) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	var routes []tools.Route
	for _, typ := range []domain.EntityType{domain.EntityPhone, domain.EntityURL, domain.EntityEmail, domain.EntityPayment} {
		r := tools.Route{Type: typ}
		for _, a := range adapters {
			if a.Supports(typ) {
				r.Adapters = append(r.Adapters, a)
			}
		}
		routes = append(routes, r)
	}
	reg, err := tools.NewRegistry(routes...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	r := repo.New(conn)
	hub := progress.NewHub(128, 128)
	eng := engine.Engine{
		Extractor:  extract.New("US"),
		Registry:   reg,
		Reasoner:   reasoner.Heuristic{},
		Classifier: classify.Keywords{},
		Store:      r,
		Progress:   hub,
		Limits: engine.Limits{
			PerTask:         2,
			ToolTimeout:     time.Second,
			TaskDeadline:    5 * time.Second,
			ReasonerTimeout: time.Second,
		},
		Global: semaphore.NewWeighted(8),
	}
	return testEnv{Engine: eng, Repo: r, Hub: hub, Ctx: context.Background()}
}

func (env testEnv) newTask(t *testing.T, id, text string) *domain.Task {
	t.Helper()
	task := domain.NewTask(id, "sess-1", text, time.Now().UTC())
	if err := env.Repo.CreateTask(env.Ctx, task, events.ActorRouter); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func fixed(name string, risk int, types ...domain.EntityType) tools.Func {
	return tools.Func{ToolName: name, Types: types, Fn: func(context.Context, domain.Entity) (tools.Finding, error) {
		return tools.Finding{Found: risk > 0, RiskSignal: risk}, nil
	}}
}

func failing(name string, types ...domain.EntityType) tools.Func {
	return tools.Func{ToolName: name, Types: types, Fn: func(context.Context, domain.Entity) (tools.Finding, error) {
		return tools.Finding{}, domain.ErrToolTransport
	}}
}

func blocking(name string, types ...domain.EntityType) tools.Func {
	return tools.Func{ToolName: name, Types: types, Fn: func(ctx context.Context, _ domain.Entity) (tools.Finding, error) {
		<-ctx.Done()
		return tools.Finding{}, ctx.Err()
	}}
}

func lastEvent(t *testing.T, env testEnv, id string) domain.ProgressEvent {
	t.Helper()
	hist, err := env.Hub.History(env.Ctx, id)
	require.NoError(t, err)
	require.NotEmpty(t, hist)
	return hist[len(hist)-1]
}

func TestInvestigateCompletes(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	env := newTestEnv(t,
		fixed(tools.ScamRecordName, 85, domain.EntityPhone, domain.EntityURL),
		fixed(tools.DomainReputationName, 40, domain.EntityURL),
		fixed(tools.NumberFormatName, 0, domain.EntityPhone),
	)
	task := env.newTask(t, "t-ok", scamText)

	require.NoError(t, env.Engine.Investigate(env.Ctx, task))
	assert.Equal(t, domain.TaskCompleted, task.State)
	require.NotNil(t, task.Verdict)
	assert.Equal(t, domain.RiskHigh, task.Verdict.RiskLevel)
	assert.Len(t, task.Entities, 2)
	assert.Len(t, task.Results, 4)

	stored, err := env.Repo.GetTask(env.Ctx, "t-ok")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, stored.State)
	assert.Len(t, stored.Results, 4)
	assert.Equal(t, []string{tools.DomainReputationName, tools.NumberFormatName, tools.ScamRecordName}, stored.Verdict.ToolsUsed)

	evs, err := events.List(env.Ctx, env.Repo.DB, "t-ok")
	require.NoError(t, err)
	var types []string
	for _, e := range evs {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{events.TaskCreated, events.TaskStarted, events.TaskCompleted}, types)

	last := lastEvent(t, env, "t-ok")
	assert.True(t, last.IsTerminal)
	assert.Equal(t, 100, last.Percent)
	hist, _ := env.Hub.History(env.Ctx, "t-ok")
	for i := 1; i < len(hist); i++ {
		assert.GreaterOrEqual(t, hist[i].Percent, hist[i-1].Percent, "progress never goes backwards")
	}
}

func TestAllToolsFailStillCompletes(t *testing.T) {
	env := newTestEnv(t,
		failing(tools.ScamRecordName, domain.EntityPhone, domain.EntityURL),
		failing(tools.WebSearchName, domain.EntityPhone, domain.EntityURL),
	)
	task := env.newTask(t, "t-fail", scamText)

	require.NoError(t, env.Engine.Investigate(env.Ctx, task))
	assert.Equal(t, domain.TaskCompleted, task.State)
	require.NotNil(t, task.Verdict)
	assert.Equal(t, domain.RiskLow, task.Verdict.RiskLevel)
	assert.Less(t, task.Verdict.Confidence, 0.3)
	assert.Len(t, task.Results, 4)
	for _, r := range task.Results {
		assert.False(t, r.Success)
		assert.Equal(t, domain.ErrKindToolTransport, r.ErrorKind)
	}
	assert.Empty(t, task.Error)
}

func TestConflictingEvidenceResolvesHigh(t *testing.T) {
	registry := tools.Func{ToolName: tools.BusinessRegistryName, Types: []domain.EntityType{domain.EntityURL, domain.EntityPhone},
		Fn: func(_ context.Context, e domain.Entity) (tools.Finding, error) {
			if e.Type == domain.EntityURL {
				return tools.Finding{Found: true, Verified: true, Evidence: map[string]any{"business": "Example Bank"}}, nil
			}
			return tools.Finding{}, nil
		}}
	records := tools.Func{ToolName: tools.ScamRecordName, Types: []domain.EntityType{domain.EntityPhone, domain.EntityURL},
		Fn: func(_ context.Context, e domain.Entity) (tools.Finding, error) {
			if e.Type == domain.EntityPhone {
				return tools.Finding{Found: true, RiskSignal: 90}, nil
			}
			return tools.Finding{}, nil
		}}
	env := newTestEnv(t, records, registry)
	// The model waves it through; the evidence floor keeps it high.
	env.Engine.Reasoner = reasoner.LLM{Provider: &llm.Fake{Replies: []string{
		`{"risk_level":"low","confidence":0.6,"explanation":"The link belongs to a real bank.","cited":[1]}`,
	}}}
	task := env.newTask(t, "t-conflict", scamText)

	require.NoError(t, env.Engine.Investigate(env.Ctx, task))
	require.NotNil(t, task.Verdict)
	assert.Equal(t, domain.RiskHigh, task.Verdict.RiskLevel)
	assert.Equal(t, "reasoner", task.Verdict.Source)
}

func TestSlowToolTimesOutAlone(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	env := newTestEnv(t,
		fixed(tools.ScamRecordName, 0, domain.EntityPhone, domain.EntityURL),
		blocking(tools.DomainReputationName, domain.EntityURL),
	)
	env.Engine.Limits.ToolTimeout = 50 * time.Millisecond
	task := env.newTask(t, "t-slow", scamText)

	start := time.Now()
	require.NoError(t, env.Engine.Investigate(env.Ctx, task))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, domain.TaskCompleted, task.State)

	var timedOut int
	for _, r := range task.Results {
		if r.ToolName == tools.DomainReputationName {
			assert.Equal(t, domain.ErrKindToolTimeout, r.ErrorKind)
			timedOut++
		} else {
			assert.True(t, r.Success)
		}
	}
	assert.Equal(t, 1, timedOut)
}

func TestDeadlineYieldsPartialVerdict(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	env := newTestEnv(t,
		fixed(tools.ScamRecordName, 90, domain.EntityPhone),
		blocking(tools.WebSearchName, domain.EntityURL),
	)
	env.Engine.Limits.TaskDeadline = 100 * time.Millisecond
	env.Engine.Limits.ToolTimeout = 5 * time.Second
	task := env.newTask(t, "t-deadline", scamText)

	require.NoError(t, env.Engine.Investigate(env.Ctx, task))
	assert.Equal(t, domain.TaskTimedOut, task.State)
	assert.Nil(t, task.Verdict)
	require.NotNil(t, task.PartialVerdict)
	assert.Equal(t, domain.RiskHigh, task.PartialVerdict.RiskLevel)
	require.Len(t, task.Results, 1)
	assert.Equal(t, tools.ScamRecordName, task.Results[0].ToolName)

	stored, err := env.Repo.GetTask(env.Ctx, "t-deadline")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskTimedOut, stored.State)
	assert.Nil(t, stored.Verdict)
	assert.NotNil(t, stored.PartialVerdict)

	last := lastEvent(t, env, "t-deadline")
	assert.True(t, last.IsTerminal)
	assert.True(t, last.IsError)
}

func TestNoEntitiesUsesClassifier(t *testing.T) {
	var calls atomic.Int32
	spy := tools.Func{ToolName: tools.ScamRecordName, Types: []domain.EntityType{domain.EntityPhone},
		Fn: func(context.Context, domain.Entity) (tools.Finding, error) {
			calls.Add(1)
			return tools.Finding{}, nil
		}}
	env := newTestEnv(t, spy)
	task := env.newTask(t, "t-none", "URGENT: your account is suspended, verify your account with the gift card code")

	require.NoError(t, env.Engine.Investigate(env.Ctx, task))
	assert.Equal(t, domain.TaskCompleted, task.State)
	require.NotNil(t, task.Verdict)
	assert.Equal(t, "keywords", task.Verdict.Source)
	assert.Equal(t, domain.RiskHigh, task.Verdict.RiskLevel)
	assert.Empty(t, task.Results)
	assert.Zero(t, calls.Load())
}

func TestDuplicateEntitiesInvestigatedOnce(t *testing.T) {
	var calls atomic.Int32
	spy := tools.Func{ToolName: tools.ScamRecordName, Types: []domain.EntityType{domain.EntityPhone},
		Fn: func(context.Context, domain.Entity) (tools.Finding, error) {
			calls.Add(1)
			return tools.Finding{}, nil
		}}
	env := newTestEnv(t, spy)
	task := env.newTask(t, "t-dup", "Call 800-555-1234 today. Again: (800) 555-1234 or +1 800 555 1234")

	require.NoError(t, env.Engine.Investigate(env.Ctx, task))
	assert.EqualValues(t, 1, calls.Load())
	require.Len(t, task.Entities, 1)
	assert.Equal(t, "+18005551234", task.Entities[0].Value)
	assert.Len(t, task.Results, 1)
}

type flakyStore struct {
	engine.Store
	fail atomic.Bool
}

func (s *flakyStore) UpsertResult(ctx context.Context, taskID string, seq int, res domain.ToolResult) error {
	if s.fail.Load() {
		return errors.New("disk I/O error")
	}
	return s.Store.UpsertResult(ctx, taskID, seq, res)
}

func TestRetryAfterCrashStartsFresh(t *testing.T) {
	env := newTestEnv(t,
		fixed(tools.ScamRecordName, 80, domain.EntityPhone, domain.EntityURL),
		fixed(tools.WebSearchName, 20, domain.EntityPhone, domain.EntityURL),
	)
	store := &flakyStore{Store: env.Repo}
	store.fail.Store(true)
	env.Engine.Store = store
	task := env.newTask(t, "t-retry", scamText)

	err := env.Engine.Investigate(env.Ctx, task)
	require.Error(t, err)
	assert.Equal(t, domain.TaskRunning, task.State)

	require.NoError(t, task.Requeue(time.Now()))
	store.fail.Store(false)
	require.NoError(t, env.Engine.Investigate(env.Ctx, task))
	assert.Equal(t, 2, task.Attempts)
	assert.Len(t, task.Results, 4, "no duplicates across attempts")

	stored, err := env.Repo.GetTask(env.Ctx, "t-retry")
	require.NoError(t, err)
	assert.Len(t, stored.Results, 4)
}

func TestReasonerFailureFallsBackToHeuristic(t *testing.T) {
	env := newTestEnv(t, fixed(tools.ScamRecordName, 80, domain.EntityPhone, domain.EntityURL))
	env.Engine.Reasoner = reasoner.LLM{Provider: &llm.Fake{Block: true}}
	env.Engine.Limits.ReasonerTimeout = 30 * time.Millisecond
	task := env.newTask(t, "t-reasoner", scamText)

	require.NoError(t, env.Engine.Investigate(env.Ctx, task))
	require.NotNil(t, task.Verdict)
	assert.Equal(t, "heuristic", task.Verdict.Source)
	assert.Equal(t, domain.RiskHigh, task.Verdict.RiskLevel)
}

func TestInvestigateRejectsTerminalTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "t-term", "hello")
	require.NoError(t, env.Engine.Investigate(env.Ctx, task))
	assert.Error(t, env.Engine.Investigate(env.Ctx, task))
}
