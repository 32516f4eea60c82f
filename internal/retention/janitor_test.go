package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"scamprobe/internal/cache"
	"scamprobe/internal/db"
	"scamprobe/internal/domain"
	"scamprobe/internal/events"
	"scamprobe/internal/migrate"
	"scamprobe/internal/progress"
	"scamprobe/internal/repo"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type recoverer struct{ calls int }

func (r *recoverer) Recover(context.Context, time.Duration) (int, error) {
	r.calls++
	return 1, nil
}

type brokenPurger struct{}

func (brokenPurger) PurgeBefore(context.Context, time.Time) (int64, error) {
	return 0, errors.New("database is locked")
}

func TestRunOncePurgesExpired(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(ctx, conn))
	r := repo.New(conn)

	old := domain.NewTask("old", "", "x", t0)
	require.NoError(t, r.CreateTask(ctx, old, events.ActorRouter))
	require.NoError(t, old.Start(t0))
	require.NoError(t, old.Complete(domain.Verdict{RiskLevel: domain.RiskLow, Explanation: "ok"}, t0))
	require.NoError(t, r.SaveTask(ctx, old, events.TaskCompleted, events.ActorWorker))

	fresh := domain.NewTask("fresh", "", "x", t0.Add(23*time.Hour))
	require.NoError(t, r.CreateTask(ctx, fresh, events.ActorRouter))

	c := cache.SQL{DB: conn, Now: func() time.Time { return t0 }}
	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))

	hub := progress.NewHub(8, 8)
	hub.Now = func() time.Time { return t0 }
	require.NoError(t, hub.Publish(ctx, domain.ProgressEvent{TaskID: "old", Step: progress.StepDone, IsTerminal: true}))

	rec := &recoverer{}
	j := &Janitor{
		Tasks:      r,
		Cache:      cache.SQL{DB: conn, Now: func() time.Time { return t0.Add(time.Hour) }},
		Topics:     hub,
		Recoverer:  rec,
		Retention:  24 * time.Hour,
		StaleAfter: 2 * time.Minute,
		Now:        func() time.Time { return t0.Add(25 * time.Hour) },
	}
	rep, err := j.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Tasks: 1, Cache: 1, Topics: 1, Recovered: 1}, rep)
	assert.Equal(t, 1, rec.calls)

	_, err = r.GetTask(ctx, "old")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = r.GetTask(ctx, "fresh")
	assert.NoError(t, err, "queued tasks are never purged")
}

func TestRunOnceContinuesAfterError(t *testing.T) {
	hub := progress.NewHub(8, 8)
	hub.Now = func() time.Time { return t0 }
	require.NoError(t, hub.Publish(context.Background(), domain.ProgressEvent{TaskID: "a", Step: progress.StepQueued}))
	j := &Janitor{
		Tasks:     brokenPurger{},
		Topics:    hub,
		Retention: time.Hour,
		Now:       func() time.Time { return t0.Add(2 * time.Hour) },
	}
	rep, err := j.RunOnce(context.Background())
	assert.ErrorContains(t, err, "purge tasks")
	assert.Equal(t, 1, rep.Topics)
}

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	j := &Janitor{Retention: time.Hour}
	assert.Error(t, j.Start("not a valid cron"))
	require.NoError(t, j.Start("@every 10m"))
	j.Stop()
	j.Stop()
}
