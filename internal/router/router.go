// Package router decides per request between the fast path (one
// classification inside the request) and the deep path (a queued
// investigation the caller follows by stream or poll).
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"scamprobe/internal/classify"
	"scamprobe/internal/domain"
	"scamprobe/internal/events"
	"scamprobe/internal/extract"
	"scamprobe/internal/logging"
	"scamprobe/internal/progress"
	"scamprobe/internal/queue"
	"scamprobe/internal/telemetry"
)

var tracer = telemetry.Tracer("scamprobe/internal/router")

var (
	ErrEmptyText = errors.New("text is required")
	// ErrUnavailable means not even the fast path could answer.
	ErrUnavailable = errors.New(domain.UserFacingError)
)

const (
	TypeSimple = "simple"
	TypeDeep   = "deep"
)

type Request struct {
	SessionID string
	Text      string
	// Image is accepted for clients that attach the screenshot; text must
	// already be extracted on the device.
	Image []byte
}

type TimeRange struct {
	MinSeconds int `json:"min_seconds"`
	MaxSeconds int `json:"max_seconds"`
}

type Response struct {
	Type      string
	Verdict   *domain.Verdict
	TaskID    string
	StreamURL string
	Estimate  TimeRange
	// Fallback is set when an entity-bearing request took the fast path.
	Fallback domain.ErrorKind
}

// Liveness is the deep path health probe; queue.Pool implements it.
type Liveness interface {
	Alive(ctx context.Context) bool
}

type TaskStore interface {
	CreateTask(ctx context.Context, t *domain.Task, actor string) error
	SaveTask(ctx context.Context, t *domain.Task, evtType, actor string) error
}

type Router struct {
	Extractor  extract.Extractor
	Classifier classify.Classifier
	Pool       Liveness
	Queue      queue.Queue
	Tasks      TaskStore
	Progress   progress.Broker
	// StreamURL formats the stream location of a task id.
	StreamURL func(taskID string) string
	// Calls estimates how many tool calls an entity set fans out to.
	Calls        func(domain.EntitySet) int
	PerTask      int
	ToolTimeout  time.Duration
	TaskDeadline time.Duration
	NewID        func() string
	Now          func() time.Time
}

func (r *Router) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Router) newID() string {
	if r.NewID != nil {
		return r.NewID()
	}
	return uuid.NewString()
}

// Submit answers one request. It never waits on the deep path beyond the
// pool's liveness probe.
func (r *Router) Submit(ctx context.Context, req Request) (Response, error) {
	ctx, span := tracer.Start(ctx, "router.submit")
	defer span.End()

	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Response{}, ErrEmptyText
	}
	entities := r.Extractor.Extract(text)
	investigable := entities.Investigable()
	span.SetAttributes(attribute.Int("router.entities", len(investigable)))
	if len(investigable) == 0 {
		return r.fast(ctx, text, entities, "")
	}
	if r.Pool == nil || r.Queue == nil || !r.Pool.Alive(ctx) {
		log.Warn().Func(logging.TraceFields(ctx)).Msg("deep path unavailable, answering on the fast path")
		return r.fast(ctx, text, entities, domain.ErrKindWorkerUnavailable)
	}

	t := domain.NewTask(r.newID(), req.SessionID, text, r.now())
	t.Entities = entities
	if err := r.Tasks.CreateTask(ctx, t, events.ActorRouter); err != nil {
		log.Error().Err(err).Msg("create task")
		return r.fast(ctx, text, entities, domain.ErrKindWorkerUnavailable)
	}
	if err := r.Queue.Enqueue(ctx, queue.Job{TaskID: t.ID, EnqueuedAt: t.CreatedAt}); err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("enqueue task")
		if ferr := t.Fail(domain.UserFacingError, r.now()); ferr == nil {
			if serr := r.Tasks.SaveTask(context.WithoutCancel(ctx), t, events.TaskFailed, events.ActorRouter); serr != nil {
				log.Error().Err(serr).Str("task_id", t.ID).Msg("fail unqueued task")
			}
		}
		return r.fast(ctx, text, entities, domain.ErrKindWorkerUnavailable)
	}
	if r.Progress != nil {
		err := r.Progress.Publish(ctx, domain.ProgressEvent{
			TaskID:  t.ID,
			Step:    progress.StepQueued,
			Message: fmt.Sprintf("Queued: %d detail(s) to check", len(investigable)),
			TS:      t.CreatedAt,
		})
		if err != nil {
			log.Warn().Err(err).Str("task_id", t.ID).Msg("publish queued event")
		}
	}
	span.SetAttributes(attribute.String("task.id", t.ID))
	log.Info().Func(logging.TraceFields(ctx)).Str("task_id", t.ID).Int("entities", len(investigable)).Msg("task queued")

	resp := Response{Type: TypeDeep, TaskID: t.ID, Estimate: r.estimate(investigable)}
	if r.StreamURL != nil {
		resp.StreamURL = r.StreamURL(t.ID)
	}
	return resp, nil
}

func (r *Router) fast(ctx context.Context, text string, entities domain.EntitySet, fallback domain.ErrorKind) (Response, error) {
	c := r.Classifier
	if c == nil {
		c = classify.Keywords{}
	}
	v, err := c.Classify(ctx, text, entities)
	if err != nil {
		log.Warn().Err(err).Msg("classifier failed, using keywords")
		v = classify.Keywords{}.Evaluate(text, entities)
	}
	return Response{Type: TypeSimple, Verdict: &v, Fallback: fallback}, nil
}

// estimate is a rough wall-clock range: one tool timeout per wave of
// concurrent calls, never beyond the task deadline.
func (r *Router) estimate(entities domain.EntitySet) TimeRange {
	calls := len(entities)
	if r.Calls != nil {
		calls = r.Calls(entities)
	}
	per := r.PerTask
	if per <= 0 {
		per = 1
	}
	waves := (calls + per - 1) / per
	if waves < 1 {
		waves = 1
	}
	deadline := int(r.TaskDeadline / time.Second)
	max := waves*int(r.ToolTimeout/time.Second) + 5
	if deadline > 0 && max > deadline {
		max = deadline
	}
	min := 2 + waves
	if min > max {
		min = max
	}
	return TimeRange{MinSeconds: min, MaxSeconds: max}
}
