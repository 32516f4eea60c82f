// Package queue holds the task queue backends and the worker pool that
// drains them.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed = errors.New("queue: closed")
	ErrEmpty  = errors.New("queue: task id is required")
)

// Job is one delivery of a task to a worker.
type Job struct {
	TaskID     string    `json:"task_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	raw string
}

// Queue delivers each job to one worker at a time. A dequeued job stays
// in flight until it is acked or retried.
type Queue interface {
	Enqueue(ctx context.Context, j Job) error
	// Dequeue blocks until a job is ready, ctx ends or the queue closes.
	Dequeue(ctx context.Context) (Job, error)
	Ack(ctx context.Context, j Job) error
	// Retry acks j and schedules it again after delay.
	Retry(ctx context.Context, j Job, delay time.Duration) error
	Ping(ctx context.Context) error
	// Beat records that worker is alive for ttl.
	Beat(ctx context.Context, worker string, ttl time.Duration) error
	// Workers counts workers with a live heartbeat.
	Workers(ctx context.Context) (int, error)
	Close() error
}

// Backoff is base·2^(attempt-1) capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
