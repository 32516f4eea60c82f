// Package progress carries per-task progress events from the worker that runs
// a task to any number of stream subscribers.
package progress

import (
	"context"
	"errors"
	"sync"
	"time"

	"scamprobe/internal/domain"
)

// Step names used on progress events.
const (
	StepQueued    = "queued"
	StepStarted   = "started"
	StepExtracted = "extracted"
	StepTool      = "tool"
	StepReasoning = "reasoning"
	StepDone      = "done"
	StepTimedOut  = "timed_out"
	StepFailed    = "failed"
	StepRetrying  = "retrying"
	StepHeartbeat = "heartbeat"
)

var ErrEmptyTaskID = errors.New("progress: task id is required")

// Broker publishes events and replays them to subscribers. Publish assigns
// Seq; subscribers get the history first and then live events, and their
// channel is closed after the terminal event.
type Broker interface {
	Publish(ctx context.Context, ev domain.ProgressEvent) error
	Subscribe(ctx context.Context, taskID string) (<-chan domain.ProgressEvent, func(), error)
	History(ctx context.Context, taskID string) ([]domain.ProgressEvent, error)
}

type subscriber struct {
	ch   chan domain.ProgressEvent
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

type topic struct {
	seq      int64
	history  []domain.ProgressEvent
	subs     map[*subscriber]struct{}
	done     bool
	lastSeen time.Time
}

// Hub is the in-process Broker. A slow subscriber loses intermediate events
// but always receives the terminal one; Publish never blocks.
type Hub struct {
	HistorySize int
	Buffer      int
	Now         func() time.Time

	mu     sync.Mutex
	topics map[string]*topic
	drops  int64
}

func NewHub(historySize, buffer int) *Hub {
	if historySize <= 0 {
		historySize = 64
	}
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{HistorySize: historySize, Buffer: buffer, Now: time.Now, topics: map[string]*topic{}}
}

func (h *Hub) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Hub) topic(id string) *topic {
	if h.topics == nil {
		h.topics = map[string]*topic{}
	}
	t, ok := h.topics[id]
	if !ok {
		t = &topic{subs: map[*subscriber]struct{}{}}
		h.topics[id] = t
	}
	return t
}

func (h *Hub) Publish(_ context.Context, ev domain.ProgressEvent) error {
	if ev.TaskID == "" {
		return ErrEmptyTaskID
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topic(ev.TaskID)
	if t.done {
		return nil
	}
	t.seq++
	ev.Seq = t.seq
	if ev.TS.IsZero() {
		ev.TS = h.now().UTC()
	}
	t.lastSeen = h.now()
	if len(t.history) >= h.HistorySize {
		t.history = append(t.history[:0], t.history[1:]...)
	}
	t.history = append(t.history, ev)

	for s := range t.subs {
		select {
		case s.ch <- ev:
		default:
			if !ev.IsTerminal {
				h.drops++
				continue
			}
			// Make room for the terminal event.
			select {
			case <-s.ch:
				h.drops++
			default:
			}
			select {
			case s.ch <- ev:
			default:
			}
		}
	}
	if ev.IsTerminal {
		t.done = true
		for s := range t.subs {
			s.close()
			delete(t.subs, s)
		}
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context, taskID string) (<-chan domain.ProgressEvent, func(), error) {
	if taskID == "" {
		return nil, nil, ErrEmptyTaskID
	}
	h.mu.Lock()
	t := h.topic(taskID)
	t.lastSeen = h.now()
	s := &subscriber{ch: make(chan domain.ProgressEvent, h.Buffer+len(t.history))}
	for _, ev := range t.history {
		s.ch <- ev
	}
	if t.done {
		s.close()
		h.mu.Unlock()
		return s.ch, func() {}, nil
	}
	t.subs[s] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := t.subs[s]; ok {
			delete(t.subs, s)
			s.close()
		}
	}
	stop := context.AfterFunc(ctx, cancel)
	return s.ch, func() {
		stop()
		cancel()
	}, nil
}

func (h *Hub) History(_ context.Context, taskID string) ([]domain.ProgressEvent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[taskID]
	if !ok {
		return nil, nil
	}
	return append([]domain.ProgressEvent(nil), t.history...), nil
}

// Sweep forgets topics without subscribers that saw no activity since
// before cutoff. Returns how many were dropped.
func (h *Hub) Sweep(cutoff time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for id, t := range h.topics {
		if len(t.subs) == 0 && t.lastSeen.Before(cutoff) {
			delete(h.topics, id)
			n++
		}
	}
	return n
}

// Dropped counts events skipped for slow subscribers.
func (h *Hub) Dropped() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.drops
}
