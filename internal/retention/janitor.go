// Package retention purges expired tasks, cached tool results and idle
// progress topics on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

type TaskPurger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type CacheSweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

type TopicSweeper interface {
	Sweep(cutoff time.Time) int
}

// Recoverer puts tasks orphaned by a dead worker back on the queue.
type Recoverer interface {
	Recover(ctx context.Context, staleAfter time.Duration) (int, error)
}

// Report is what one pass removed.
type Report struct {
	Tasks     int64
	Cache     int64
	Topics    int
	Recovered int
}

// Janitor runs retention passes. Nil collaborators are skipped.
type Janitor struct {
	Tasks      TaskPurger
	Cache      CacheSweeper
	Topics     TopicSweeper
	Recoverer  Recoverer
	Retention  time.Duration
	StaleAfter time.Duration
	Now        func() time.Time

	cron *cron.Cron
}

func (j *Janitor) now() time.Time {
	if j.Now != nil {
		return j.Now().UTC()
	}
	return time.Now().UTC()
}

// RunOnce performs one pass. Errors from one step do not stop the others;
// the first one is returned.
func (j *Janitor) RunOnce(ctx context.Context) (Report, error) {
	var (
		rep      Report
		firstErr error
	)
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	cutoff := j.now().Add(-j.Retention)
	if j.Recoverer != nil && j.StaleAfter > 0 {
		n, err := j.Recoverer.Recover(ctx, j.StaleAfter)
		keep(err)
		rep.Recovered = n
	}
	if j.Tasks != nil {
		n, err := j.Tasks.PurgeBefore(ctx, cutoff)
		if err != nil {
			err = fmt.Errorf("purge tasks: %w", err)
		}
		keep(err)
		rep.Tasks = n
	}
	if j.Cache != nil {
		n, err := j.Cache.Sweep(ctx)
		if err != nil {
			err = fmt.Errorf("sweep cache: %w", err)
		}
		keep(err)
		rep.Cache = n
	}
	if j.Topics != nil {
		rep.Topics = j.Topics.Sweep(cutoff)
	}
	return rep, firstErr
}

// Start schedules RunOnce. Schedules use the standard five-field cron
// format or descriptors such as "@every 10m".
func (j *Janitor) Start(schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		rep, err := j.RunOnce(ctx)
		if err != nil {
			log.Error().Err(err).Msg("retention pass failed")
		}
		log.Info().
			Int64("tasks", rep.Tasks).
			Int64("cache", rep.Cache).
			Int("topics", rep.Topics).
			Int("recovered", rep.Recovered).
			Msg("retention pass")
	})
	if err != nil {
		return fmt.Errorf("registering retention schedule %q: %w", schedule, err)
	}
	j.cron = c
	c.Start()
	return nil
}

// Stop halts the schedule and waits for a running pass.
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
	j.cron = nil
}
