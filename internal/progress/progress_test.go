package progress

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"scamprobe/internal/domain"
)

func ev(step string, terminal bool) domain.ProgressEvent {
	return domain.ProgressEvent{TaskID: "t1", Step: step, Message: step, IsTerminal: terminal}
}

func drain(t *testing.T, ch <-chan domain.ProgressEvent) []domain.ProgressEvent {
	t.Helper()
	var out []domain.ProgressEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			t.Fatalf("channel not closed, got %d events", len(out))
			return out
		}
	}
}

func TestHubReplayAndTerminalClose(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	h := NewHub(8, 4)

	require.NoError(t, h.Publish(ctx, ev(StepQueued, false)))
	require.NoError(t, h.Publish(ctx, ev(StepStarted, false)))

	ch, cancel, err := h.Subscribe(ctx, "t1")
	require.NoError(t, err)
	defer cancel()
	require.NoError(t, h.Publish(ctx, ev(StepDone, true)))
	require.NoError(t, h.Publish(ctx, ev("late", false)), "publishing after terminal is ignored")

	got := drain(t, ch)
	require.Len(t, got, 3)
	for i, e := range got {
		assert.EqualValues(t, i+1, e.Seq)
	}
	assert.True(t, got[2].IsTerminal)

	// Late subscribers get the full history and a closed channel.
	late, cancelLate, err := h.Subscribe(ctx, "t1")
	require.NoError(t, err)
	cancelLate()
	assert.Len(t, drain(t, late), 3)
}

func TestHubSlowSubscriberStillGetsTerminal(t *testing.T) {
	ctx := context.Background()
	h := NewHub(100, 2)
	ch, cancel, err := h.Subscribe(ctx, "t1")
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 10; i++ {
		require.NoError(t, h.Publish(ctx, ev(StepTool, false)))
	}
	require.NoError(t, h.Publish(ctx, ev(StepDone, true)))

	got := drain(t, ch)
	require.NotEmpty(t, got)
	assert.True(t, got[len(got)-1].IsTerminal)
	assert.Greater(t, h.Dropped(), int64(0))
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Seq, got[i-1].Seq)
	}
}

func TestHubCancelAndSweep(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, stop := context.WithCancel(context.Background())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := NewHub(4, 4)
	h.Now = func() time.Time { return now }

	ch, cancel, err := h.Subscribe(ctx, "t1")
	require.NoError(t, err)
	stop()
	assert.Empty(t, drain(t, ch), "context cancel closes the subscription")
	cancel()
	cancel()

	for i := 0; i < 6; i++ {
		require.NoError(t, h.Publish(context.Background(), ev(StepTool, false)))
	}
	hist, err := h.History(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, hist, 4)
	assert.EqualValues(t, 3, hist[0].Seq)

	assert.Equal(t, 0, h.Sweep(now.Add(-time.Minute)))
	assert.Equal(t, 1, h.Sweep(now.Add(time.Minute)))
	hist, _ = h.History(context.Background(), "t1")
	assert.Empty(t, hist)

	_, _, err = h.Subscribe(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyTaskID)
}

func TestRedisBroker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()
	b := NewRedisBroker(client, 16, time.Hour)

	require.NoError(t, b.Publish(ctx, ev(StepQueued, false)))
	require.NoError(t, b.Publish(ctx, ev(StepStarted, false)))

	ch, cancel, err := b.Subscribe(ctx, "t1")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, b.Publish(ctx, ev(StepTool, false)))
	require.NoError(t, b.Publish(ctx, ev(StepDone, true)))

	got := drain(t, ch)
	require.Len(t, got, 4)
	for i, e := range got {
		assert.EqualValues(t, i+1, e.Seq)
	}
	assert.Equal(t, StepDone, got[3].Step)

	hist, err := b.History(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, hist, 4)
	assert.True(t, mr.TTL("scamprobe:progress:t1:history") > 0)

	// Subscribing after the end replays history and closes.
	again, cancel2, err := b.Subscribe(ctx, "t1")
	require.NoError(t, err)
	defer cancel2()
	assert.Len(t, drain(t, again), 4)
}
