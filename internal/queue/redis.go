package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a reliable list queue: BRPOPLPUSH moves a job from the ready
// list to the processing list, Ack removes it, and retries wait in a sorted
// set scored by due time until a dequeue promotes them.
type Redis struct {
	Client redis.UniversalClient
	Prefix string
	// Block bounds one BRPOPLPUSH so delayed jobs get promoted regularly.
	Block time.Duration
	Now   func() time.Time

	closeOnce sync.Once
	done      chan struct{}
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{Client: client, Prefix: "scamprobe:", Block: time.Second, Now: time.Now, done: make(chan struct{})}
}

func (q *Redis) readyKey() string      { return q.Prefix + "queue:ready" }
func (q *Redis) processingKey() string { return q.Prefix + "queue:processing" }
func (q *Redis) delayedKey() string    { return q.Prefix + "queue:delayed" }
func (q *Redis) workerKey(w string) string {
	return q.Prefix + "workers:" + w
}

func (q *Redis) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

func (q *Redis) isClosed() bool {
	if q.done == nil {
		return false
	}
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

func (q *Redis) encode(j Job) (string, error) {
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = q.now().UTC()
	}
	data, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (q *Redis) Enqueue(ctx context.Context, j Job) error {
	if j.TaskID == "" {
		return ErrEmpty
	}
	if q.isClosed() {
		return ErrClosed
	}
	raw, err := q.encode(j)
	if err != nil {
		return err
	}
	if err := q.Client.LPush(ctx, q.readyKey(), raw).Err(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// promote moves due delayed jobs to the ready list. ZREM decides which
// process wins a job when several promote at once.
func (q *Redis) promote(ctx context.Context) error {
	max := strconv.FormatInt(q.now().UnixMilli(), 10)
	due, err := q.Client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{Min: "-inf", Max: max, Count: 100}).Result()
	if err != nil {
		return err
	}
	for _, raw := range due {
		n, err := q.Client.ZRem(ctx, q.delayedKey(), raw).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		if err := q.Client.LPush(ctx, q.readyKey(), raw).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (q *Redis) Dequeue(ctx context.Context) (Job, error) {
	block := q.Block
	if block <= 0 {
		block = time.Second
	}
	for {
		if q.isClosed() {
			return Job{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return Job{}, err
		}
		if err := q.promote(ctx); err != nil && ctx.Err() == nil {
			return Job{}, fmt.Errorf("promote delayed: %w", err)
		}
		raw, err := q.Client.BRPopLPush(ctx, q.readyKey(), q.processingKey(), block).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			return Job{}, fmt.Errorf("dequeue: %w", err)
		}
		var j Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			// Drop unreadable entries.
			q.Client.LRem(ctx, q.processingKey(), 1, raw)
			continue
		}
		j.raw = raw
		return j, nil
	}
}

func (q *Redis) Ack(ctx context.Context, j Job) error {
	if j.raw == "" {
		return nil
	}
	if err := q.Client.LRem(ctx, q.processingKey(), 1, j.raw).Err(); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

func (q *Redis) Retry(ctx context.Context, j Job, delay time.Duration) error {
	prev := j.raw
	j.raw = ""
	j.EnqueuedAt = time.Time{}
	raw, err := q.encode(j)
	if err != nil {
		return err
	}
	due := float64(q.now().Add(delay).UnixMilli())
	_, err = q.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if prev != "" {
			p.LRem(ctx, q.processingKey(), 1, prev)
		}
		p.ZAdd(ctx, q.delayedKey(), redis.Z{Score: due, Member: raw})
		return nil
	})
	if err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	return nil
}

// Reclaim drops processing entries for taskID left behind by a dead worker.
func (q *Redis) Reclaim(ctx context.Context, taskID string) error {
	entries, err := q.Client.LRange(ctx, q.processingKey(), 0, -1).Result()
	if err != nil {
		return err
	}
	for _, raw := range entries {
		var j Job
		if json.Unmarshal([]byte(raw), &j) == nil && j.TaskID != taskID {
			continue
		}
		if err := q.Client.LRem(ctx, q.processingKey(), 1, raw).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (q *Redis) Ping(ctx context.Context) error {
	if q.isClosed() {
		return ErrClosed
	}
	return q.Client.Ping(ctx).Err()
}

func (q *Redis) Beat(ctx context.Context, worker string, ttl time.Duration) error {
	return q.Client.Set(ctx, q.workerKey(worker), q.now().UTC().Format(time.RFC3339), ttl).Err()
}

func (q *Redis) Workers(ctx context.Context) (int, error) {
	var (
		cursor uint64
		n      int
	)
	for {
		keys, next, err := q.Client.Scan(ctx, cursor, q.workerKey("*"), 100).Result()
		if err != nil {
			return 0, err
		}
		n += len(keys)
		if next == 0 {
			return n, nil
		}
		cursor = next
	}
}

// Len reports ready, delayed and in-flight job counts.
func (q *Redis) Len(ctx context.Context) (ready, delayed, inflight int64, err error) {
	cmds, err := q.Client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.LLen(ctx, q.readyKey())
		p.ZCard(ctx, q.delayedKey())
		p.LLen(ctx, q.processingKey())
		return nil
	})
	if err != nil {
		return 0, 0, 0, err
	}
	return cmds[0].(*redis.IntCmd).Val(), cmds[1].(*redis.IntCmd).Val(), cmds[2].(*redis.IntCmd).Val(), nil
}

// Close stops dequeues; the client is owned by the caller.
func (q *Redis) Close() error {
	q.closeOnce.Do(func() {
		if q.done != nil {
			close(q.done)
		}
	})
	return nil
}
