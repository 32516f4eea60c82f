package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scamprobe/internal/db"
	"scamprobe/internal/domain"
	"scamprobe/internal/events"
	"scamprobe/internal/migrate"
)

func setupRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return New(conn)
}

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestTaskRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)

	task := domain.NewTask("t1", "sess", "call +18005551234", now)
	task.Entities = domain.EntitySet{{Type: domain.EntityPhone, Value: "+18005551234", Raw: "+1 800 555 1234"}}
	require.NoError(t, r.CreateTask(ctx, task, events.ActorRouter))

	require.NoError(t, task.Start(now.Add(time.Second)))
	task.Entities = domain.EntitySet{{Type: domain.EntityPhone, Value: "+18005551234", Raw: "+1 800 555 1234"}}
	task.AddResult(domain.ToolResult{ToolName: "scam_record", Entity: task.Entities[0], Found: true, RiskSignal: 80, Success: true,
		Evidence: map[string]any{"reports": 2}})
	task.AddResult(domain.ToolResult{ToolName: "web_search", Entity: task.Entities[0], ErrorKind: domain.ErrKindToolTimeout})
	require.NoError(t, task.Complete(domain.Verdict{RiskLevel: domain.RiskHigh, Confidence: 0.8, Source: "heuristic"}, now.Add(2*time.Second)))
	require.NoError(t, r.SaveTask(ctx, task, events.TaskCompleted, events.ActorWorker))

	got, err := r.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, got.State)
	assert.Equal(t, "sess", got.SessionID)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.Verdict)
	assert.Equal(t, domain.RiskHigh, got.Verdict.RiskLevel)
	assert.Nil(t, got.PartialVerdict)
	require.Len(t, got.Results, 2)
	assert.Equal(t, "scam_record", got.Results[0].ToolName)
	assert.EqualValues(t, 2, got.Results[0].Evidence["reports"])
	assert.Equal(t, domain.ErrKindToolTimeout, got.Results[1].ErrorKind)
	assert.True(t, got.UpdatedAt.Equal(now.Add(2*time.Second)))

	evts, err := events.List(ctx, r.DB, "t1")
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, events.TaskCreated, evts[0].Type)
	assert.Equal(t, events.TaskCompleted, evts[1].Type)
	assert.Equal(t, "high", evts[1].Payload["risk_level"])
}

func TestUpsertResultReplacesDuplicate(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	task := domain.NewTask("t1", "", "x", now)
	require.NoError(t, r.CreateTask(ctx, task, events.ActorRouter))

	e := domain.Entity{Type: domain.EntityURL, Value: "example.com"}
	require.NoError(t, r.UpsertResult(ctx, "t1", 0, domain.ToolResult{ToolName: "web_search", Entity: e}))
	require.NoError(t, r.UpsertResult(ctx, "t1", 0, domain.ToolResult{ToolName: "web_search", Entity: e, Success: true, RiskSignal: 30}))

	rs, err := r.ListResults(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.True(t, rs[0].Success)
}

func TestGetTaskNotFound(t *testing.T) {
	_, err := setupRepo(t).GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStaleRunningAndPurge(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)

	old := domain.NewTask("old", "", "x", now)
	require.NoError(t, r.CreateTask(ctx, old, events.ActorRouter))
	require.NoError(t, old.Start(now))
	require.NoError(t, r.SaveTask(ctx, old, events.TaskStarted, events.ActorWorker))

	done := domain.NewTask("done", "", "x", now)
	require.NoError(t, r.CreateTask(ctx, done, events.ActorRouter))
	require.NoError(t, done.Start(now))
	require.NoError(t, done.Fail(domain.UserFacingError, now))
	require.NoError(t, r.SaveTask(ctx, done, events.TaskFailed, events.ActorWorker))

	stale, err := r.StaleRunning(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, stale)

	n, err := r.PurgeBefore(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, err = r.GetTask(ctx, "done")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.GetTask(ctx, "old")
	assert.NoError(t, err)

	evts, err := events.List(ctx, r.DB, "done")
	require.NoError(t, err)
	assert.Empty(t, evts)
}

func TestScamRecordsAccumulateReports(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	rec := domain.ScamRecord{EntityType: domain.EntityPhone, Value: "+18005551234", Category: "irs", Reports: 2}
	require.NoError(t, r.UpsertScamRecord(ctx, rec, now))
	require.NoError(t, r.UpsertScamRecord(ctx, domain.ScamRecord{EntityType: domain.EntityPhone, Value: "+18005551234"}, now.Add(time.Hour)))

	got, err := r.LookupScamRecord(ctx, domain.EntityPhone, "+18005551234")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Reports)
	assert.Equal(t, "irs", got.Category)
	assert.True(t, got.LastSeen.After(got.FirstSeen))

	_, err = r.LookupScamRecord(ctx, domain.EntityURL, "+18005551234")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, r.UpsertScamRecord(ctx, domain.ScamRecord{EntityType: domain.EntityAmount, Value: "USD 5.00"}, now))
}

func TestBusinesses(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	b, err := r.InsertBusiness(ctx, domain.Business{Name: "Example Bank", Domain: "WWW.Example-Bank.com", Phone: "+18005550000"}, now)
	require.NoError(t, err)
	assert.NotEmpty(t, b.ID)

	got, err := r.BusinessByDomain(ctx, "example-bank.com")
	require.NoError(t, err)
	assert.Equal(t, "Example Bank", got.Name)

	got, err = r.BusinessByPhone(ctx, "+18005550000")
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	_, err = r.InsertBusiness(ctx, domain.Business{Name: "nothing"}, now)
	assert.Error(t, err)

	all, err := r.ListBusinesses(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAPIKeys(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)

	key, plain, err := r.IssueAPIKey(ctx, "ios-app", "store build", now)
	require.NoError(t, err)
	assert.True(t, len(plain) > 20)
	assert.NotEqual(t, plain, key.KeyHash)

	got, err := r.GetAPIKeyByHash(ctx, HashAPIKey(" "+plain+" "))
	require.NoError(t, err)
	assert.Equal(t, "ios-app", got.ClientID)
	assert.Equal(t, "store build", got.Name)
	assert.True(t, got.CreatedAt.Equal(now))

	_, _, err = r.IssueAPIKey(ctx, "android-app", "", now.Add(time.Minute))
	require.NoError(t, err)
	all, err := r.ListAPIKeys(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "android-app", all[0].ClientID, "newest first")
	mine, err := r.ListAPIKeys(ctx, "ios-app")
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	require.NoError(t, r.DeleteAPIKey(ctx, key.ID))
	_, err = r.GetAPIKeyByHash(ctx, key.KeyHash)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.DeleteAPIKey(ctx, key.ID), ErrNotFound)

	_, _, err = r.IssueAPIKey(ctx, " ", "", now)
	assert.Error(t, err)
}
