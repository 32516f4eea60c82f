package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"scamprobe/internal/domain"
	"scamprobe/internal/events"
	"scamprobe/internal/progress"
	"scamprobe/internal/repo"
)

// TaskStore is the part of repo.Repo the pool needs.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	SaveTask(ctx context.Context, t *domain.Task, evtType, actor string) error
	StaleRunning(ctx context.Context, cutoff time.Time) ([]string, error)
	QueuedBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Investigator runs one task to a terminal state; engine.Engine implements it.
type Investigator interface {
	Investigate(ctx context.Context, t *domain.Task) error
}

// reclaimer is implemented by backends that track in-flight jobs outside
// the process.
type reclaimer interface {
	Reclaim(ctx context.Context, taskID string) error
}

var ErrCrash = errors.New("worker crashed")

type PoolConfig struct {
	Workers      int
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	Heartbeat    time.Duration
	ProbeTimeout time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:      4,
		MaxAttempts:  3,
		BackoffBase:  2 * time.Second,
		BackoffMax:   30 * time.Second,
		Heartbeat:    5 * time.Second,
		ProbeTimeout: 200 * time.Millisecond,
	}
}

// Pool runs Workers goroutines that drain the queue, retrying crashed
// attempts with exponential backoff until MaxAttempts.
type Pool struct {
	Queue    Queue
	Tasks    TaskStore
	Engine   Investigator
	Progress progress.Broker
	Config   PoolConfig
	ID       string
	Now      func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

func NewPool(q Queue, tasks TaskStore, eng Investigator, broker progress.Broker, cfg PoolConfig) *Pool {
	d := DefaultPoolConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = d.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = d.BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = d.Heartbeat
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = d.ProbeTimeout
	}
	return &Pool{
		Queue:    q,
		Tasks:    tasks,
		Engine:   eng,
		Progress: broker,
		Config:   cfg,
		ID:       uuid.NewString(),
		Now:      time.Now,
	}
}

func (p *Pool) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// Start runs the pool in the background until Stop.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.stopped = make(chan struct{})
	go func() {
		defer close(p.stopped)
		if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("worker pool stopped")
		}
	}()
}

// Stop cancels the workers and waits for them. In-flight tasks are
// requeued.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel, stopped := p.cancel, p.stopped
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

// Run blocks until ctx ends or the queue closes.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.heartbeat(gctx)
		return nil
	})
	for i := 0; i < p.Config.Workers; i++ {
		worker := i
		g.Go(func() error {
			return p.work(gctx, worker)
		})
	}
	log.Info().Str("pool", p.ID).Int("workers", p.Config.Workers).Msg("worker pool started")
	err := g.Wait()
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (p *Pool) heartbeat(ctx context.Context) {
	ttl := 3 * p.Config.Heartbeat
	beat := func() {
		if err := p.Queue.Beat(ctx, p.ID, ttl); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("pool", p.ID).Msg("heartbeat")
		}
	}
	beat()
	ticker := time.NewTicker(p.Config.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

func (p *Pool) work(ctx context.Context, worker int) error {
	for {
		job, err := p.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrClosed) {
				return ErrClosed
			}
			log.Warn().Err(err).Int("worker", worker).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Config.BackoffBase):
			}
			continue
		}
		p.Process(ctx, job)
	}
}

// Process handles one delivered job end to end.
func (p *Pool) Process(ctx context.Context, job Job) {
	logger := log.With().Str("task_id", job.TaskID).Int("attempt", job.Attempt).Logger()
	t, err := p.Tasks.GetTask(ctx, job.TaskID)
	if errors.Is(err, repo.ErrNotFound) {
		logger.Warn().Msg("dropping job for unknown task")
		p.ack(ctx, job)
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("load task")
		p.retryJob(ctx, job, p.Config.BackoffBase)
		return
	}
	switch t.State {
	case domain.TaskQueued:
	case domain.TaskRunning:
		// Left running by an attempt that never finished.
		if err := t.Requeue(p.now()); err != nil {
			logger.Error().Err(err).Msg("requeue running task")
			p.ack(ctx, job)
			return
		}
	default:
		logger.Debug().Str("state", string(t.State)).Msg("task already finished")
		p.ack(ctx, job)
		return
	}

	err = p.safeInvestigate(ctx, t)
	if err == nil {
		p.ack(ctx, job)
		return
	}
	if ctx.Err() != nil {
		// Shutdown: hand the task back with no delay.
		p.requeue(context.WithoutCancel(ctx), job, 0, err)
		return
	}
	logger.Error().Err(err).Msg("investigation attempt crashed")
	p.requeue(ctx, job, Backoff(p.Config.BackoffBase, p.Config.BackoffMax, t.Attempts), err)
}

func (p *Pool) safeInvestigate(ctx context.Context, t *domain.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrCrash, r)
			log.Error().Str("task_id", t.ID).Bytes("stack", debug.Stack()).Msg("panic in investigation")
		}
	}()
	return p.Engine.Investigate(ctx, t)
}

// requeue reloads the task after a crashed attempt and either schedules it
// again or fails it for good.
func (p *Pool) requeue(ctx context.Context, job Job, delay time.Duration, cause error) {
	logger := log.With().Str("task_id", job.TaskID).Logger()
	t, err := p.Tasks.GetTask(ctx, job.TaskID)
	if err != nil {
		logger.Error().Err(err).Msg("reload task after crash")
		p.retryJob(ctx, job, delay)
		return
	}
	if t.State.Terminal() {
		p.ack(ctx, job)
		return
	}
	attempts := t.Attempts
	if job.Attempt+1 > attempts {
		attempts = job.Attempt + 1
	}
	if attempts >= p.Config.MaxAttempts && !errors.Is(cause, context.Canceled) {
		if err := t.Fail(domain.UserFacingError, p.now()); err != nil {
			logger.Error().Err(err).Msg("fail task")
			p.ack(ctx, job)
			return
		}
		if err := p.Tasks.SaveTask(ctx, t, events.TaskFailed, events.ActorWorker); err != nil {
			logger.Error().Err(err).Msg("save failed task")
			p.retryJob(ctx, job, delay)
			return
		}
		logger.Error().Err(cause).Int("attempts", attempts).Msg("task failed after max attempts")
		p.emit(ctx, t.ID, progress.StepFailed, domain.UserFacingError, true)
		p.ack(ctx, job)
		return
	}
	if t.State == domain.TaskRunning {
		if err := t.Requeue(p.now()); err != nil {
			logger.Error().Err(err).Msg("requeue task")
		}
	}
	if err := p.Tasks.SaveTask(ctx, t, events.TaskRequeued, events.ActorWorker); err != nil {
		logger.Error().Err(err).Msg("save requeued task")
	}
	p.emit(ctx, t.ID, progress.StepRetrying, "Something went wrong, retrying", false)
	job.Attempt++
	p.retryJob(ctx, job, delay)
}

func (p *Pool) retryJob(ctx context.Context, job Job, delay time.Duration) {
	if err := p.Queue.Retry(ctx, job, delay); err != nil {
		log.Error().Err(err).Str("task_id", job.TaskID).Msg("schedule retry")
	}
}

func (p *Pool) ack(ctx context.Context, job Job) {
	if err := p.Queue.Ack(ctx, job); err != nil {
		log.Warn().Err(err).Str("task_id", job.TaskID).Msg("ack")
	}
}

func (p *Pool) emit(ctx context.Context, taskID, step, msg string, terminal bool) {
	if p.Progress == nil {
		return
	}
	err := p.Progress.Publish(ctx, domain.ProgressEvent{
		TaskID:     taskID,
		Step:       step,
		Message:    msg,
		IsError:    true,
		IsTerminal: terminal,
		TS:         p.now(),
	})
	if err != nil {
		log.Warn().Err(err).Str("task_id", taskID).Msg("publish progress")
	}
}

// Alive reports whether the queue answers and at least one worker has a
// live heartbeat, within the probe timeout.
func (p *Pool) Alive(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.Config.ProbeTimeout)
	defer cancel()
	if err := p.Queue.Ping(ctx); err != nil {
		return false
	}
	n, err := p.Queue.Workers(ctx)
	return err == nil && n > 0
}

// Recover re-enqueues work a dead process left behind: running tasks not
// updated since before staleAfter, and queued tasks older than staleAfter
// that an in-memory queue lost.
func (p *Pool) Recover(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := p.now().Add(-staleAfter)
	var queued []string
	if _, ok := p.Queue.(*Memory); ok {
		var err error
		if queued, err = p.Tasks.QueuedBefore(ctx, cutoff); err != nil {
			return 0, fmt.Errorf("list queued tasks: %w", err)
		}
	}
	stale, err := p.Tasks.StaleRunning(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale tasks: %w", err)
	}
	n := 0
	for _, id := range stale {
		t, err := p.Tasks.GetTask(ctx, id)
		if err != nil {
			return n, err
		}
		if err := t.Requeue(p.now()); err != nil {
			continue
		}
		if err := p.Tasks.SaveTask(ctx, t, events.TaskRequeued, events.ActorWorker); err != nil {
			return n, err
		}
		if r, ok := p.Queue.(reclaimer); ok {
			if err := r.Reclaim(ctx, id); err != nil {
				return n, err
			}
		}
		if err := p.Queue.Enqueue(ctx, Job{TaskID: id, Attempt: t.Attempts}); err != nil {
			return n, err
		}
		n++
	}
	for _, id := range queued {
		if err := p.Queue.Enqueue(ctx, Job{TaskID: id}); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		log.Info().Int("tasks", n).Msg("recovered abandoned tasks")
	}
	return n, nil
}
