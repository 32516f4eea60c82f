package queue

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process queue. Jobs do not survive a restart; Pool.Recover
// re-enqueues what the store still has pending.
type Memory struct {
	mu       sync.Mutex
	ready    []Job
	inflight map[string]int
	timers   map[*time.Timer]struct{}
	beats    map[string]time.Time
	signal   chan struct{}
	done     chan struct{}
	closed   bool
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		inflight: map[string]int{},
		timers:   map[*time.Timer]struct{}{},
		beats:    map[string]time.Time{},
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

func (q *Memory) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Memory) Enqueue(_ context.Context, j Job) error {
	if j.TaskID == "" {
		return ErrEmpty
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = q.now().UTC()
	}
	q.ready = append(q.ready, j)
	q.wake()
	return nil
}

func (q *Memory) Dequeue(ctx context.Context) (Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Job{}, ErrClosed
		}
		if len(q.ready) > 0 {
			j := q.ready[0]
			q.ready = q.ready[1:]
			q.inflight[j.TaskID]++
			if len(q.ready) > 0 {
				q.wake()
			}
			q.mu.Unlock()
			return j, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-q.done:
			return Job{}, ErrClosed
		case <-q.signal:
		}
	}
}

func (q *Memory) ack(j Job) {
	if n := q.inflight[j.TaskID]; n > 1 {
		q.inflight[j.TaskID] = n - 1
	} else {
		delete(q.inflight, j.TaskID)
	}
}

func (q *Memory) Ack(_ context.Context, j Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ack(j)
	return nil
}

func (q *Memory) Retry(_ context.Context, j Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.ack(j)
	if delay <= 0 {
		q.ready = append(q.ready, j)
		q.wake()
		return nil
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, t)
		if q.closed {
			return
		}
		q.ready = append(q.ready, j)
		q.wake()
	})
	q.timers[t] = struct{}{}
	return nil
}

func (q *Memory) Ping(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

func (q *Memory) Beat(_ context.Context, worker string, ttl time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.beats[worker] = q.now().Add(ttl)
	return nil
}

func (q *Memory) Workers(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	n := 0
	for w, until := range q.beats {
		if until.After(now) {
			n++
		} else {
			delete(q.beats, w)
		}
	}
	return n, nil
}

// Len reports ready, delayed and in-flight job counts.
func (q *Memory) Len() (ready, delayed, inflight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, n := range q.inflight {
		inflight += n
	}
	return len(q.ready), len(q.timers), inflight
}

func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for t := range q.timers {
		t.Stop()
	}
	q.timers = map[*time.Timer]struct{}{}
	close(q.done)
	return nil
}
