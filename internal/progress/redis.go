package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"scamprobe/internal/domain"
)

// RedisBroker shares progress between processes: each event is appended to
// a capped history list and published on the task's channel. Subscribers
// replay the list and then follow the channel, dropping anything they have
// already seen by Seq.
type RedisBroker struct {
	Client      redis.UniversalClient
	Prefix      string
	HistorySize int
	Retention   time.Duration
	Buffer      int
}

func NewRedisBroker(client redis.UniversalClient, historySize int, retention time.Duration) *RedisBroker {
	if historySize <= 0 {
		historySize = 64
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisBroker{Client: client, Prefix: "scamprobe:", HistorySize: historySize, Retention: retention, Buffer: 16}
}

func (b *RedisBroker) channel(id string) string { return b.Prefix + "progress:" + id }
func (b *RedisBroker) listKey(id string) string { return b.Prefix + "progress:" + id + ":history" }
func (b *RedisBroker) seqKey(id string) string  { return b.Prefix + "progress:" + id + ":seq" }

func (b *RedisBroker) Publish(ctx context.Context, ev domain.ProgressEvent) error {
	if ev.TaskID == "" {
		return ErrEmptyTaskID
	}
	seq, err := b.Client.Incr(ctx, b.seqKey(ev.TaskID)).Result()
	if err != nil {
		return fmt.Errorf("progress seq: %w", err)
	}
	ev.Seq = seq
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = b.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, b.listKey(ev.TaskID), payload)
		p.LTrim(ctx, b.listKey(ev.TaskID), int64(-b.HistorySize), -1)
		p.Expire(ctx, b.listKey(ev.TaskID), b.Retention)
		p.Expire(ctx, b.seqKey(ev.TaskID), b.Retention)
		p.Publish(ctx, b.channel(ev.TaskID), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("progress publish: %w", err)
	}
	return nil
}

func (b *RedisBroker) History(ctx context.Context, taskID string) ([]domain.ProgressEvent, error) {
	raw, err := b.Client.LRange(ctx, b.listKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("progress history: %w", err)
	}
	out := make([]domain.ProgressEvent, 0, len(raw))
	for _, r := range raw {
		var ev domain.ProgressEvent
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, taskID string) (<-chan domain.ProgressEvent, func(), error) {
	if taskID == "" {
		return nil, nil, ErrEmptyTaskID
	}
	ps := b.Client.Subscribe(ctx, b.channel(taskID))
	// Wait for the subscription before reading history so nothing published
	// in between is lost.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, fmt.Errorf("progress subscribe: %w", err)
	}
	history, err := b.History(ctx, taskID)
	if err != nil {
		ps.Close()
		return nil, nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	out := make(chan domain.ProgressEvent, b.Buffer+len(history))
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(out)
		defer ps.Close()

		var last int64
		for _, ev := range history {
			if ev.Seq <= last {
				continue
			}
			last = ev.Seq
			out <- ev
			if ev.IsTerminal {
				return
			}
		}
		msgs := ps.Channel()
		for {
			select {
			case <-sctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var ev domain.ProgressEvent
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					log.Warn().Err(err).Str("task_id", taskID).Msg("dropping malformed progress event")
					continue
				}
				if ev.Seq <= last {
					continue
				}
				last = ev.Seq
				select {
				case out <- ev:
				case <-sctx.Done():
					return
				}
				if ev.IsTerminal {
					return
				}
			}
		}
	}()
	return out, func() {
		cancel()
		<-done
	}, nil
}
