// Package engine runs one deep investigation: extraction, bounded fan-out to
// the tool adapters, evidence collection under the task deadline, and the
// final verdict.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"scamprobe/internal/classify"
	"scamprobe/internal/domain"
	"scamprobe/internal/events"
	"scamprobe/internal/extract"
	"scamprobe/internal/logging"
	"scamprobe/internal/progress"
	"scamprobe/internal/reasoner"
	"scamprobe/internal/telemetry"
	"scamprobe/internal/tools"
)

var tracer = telemetry.Tracer("scamprobe/internal/engine")

// Store persists task state. repo.Repo implements it.
type Store interface {
	SaveTask(ctx context.Context, t *domain.Task, evtType, actor string) error
	UpsertResult(ctx context.Context, taskID string, seq int, res domain.ToolResult) error
}

type Limits struct {
	// PerTask caps concurrent tool calls within one task.
	PerTask         int
	ToolTimeout     time.Duration
	TaskDeadline    time.Duration
	ReasonerTimeout time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		PerTask:         4,
		ToolTimeout:     5 * time.Second,
		TaskDeadline:    60 * time.Second,
		ReasonerTimeout: 15 * time.Second,
	}
}

type Engine struct {
	Extractor  extract.Extractor
	Registry   *tools.Registry
	Reasoner   reasoner.Reasoner
	Classifier classify.Classifier
	Store      Store
	Progress   progress.Broker
	Limits     Limits
	// Global caps tool calls across every task in the process. Optional.
	Global *semaphore.Weighted
	Now    func() time.Time
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

type call struct {
	entity  domain.Entity
	adapter tools.Adapter
}

// Investigate runs t to a terminal state. Failures of tools and of the
// reasoner are absorbed; a returned error means the attempt crashed (store
// failure or shutdown) and the task should be retried.
func (e Engine) Investigate(ctx context.Context, t *domain.Task) (err error) {
	ctx, span := tracer.Start(ctx, "engine.investigate")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", t.ID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "investigate")
		}
	}()

	if err := t.Start(e.now()); err != nil {
		return err
	}
	if err := e.Store.SaveTask(ctx, t, events.TaskStarted, events.ActorWorker); err != nil {
		return fmt.Errorf("save started task: %w", err)
	}
	logger := log.With().Str("task_id", t.ID).Int("attempt", t.Attempts).Logger()
	logger.Info().Func(logging.TraceFields(ctx)).Int("text_len", len(t.InputText)).Msg("investigation started")
	e.emit(ctx, t, progress.StepStarted, "Investigation started", 5, false, false)

	dctx, cancel := context.WithTimeout(ctx, e.limits().TaskDeadline)
	defer cancel()

	t.Entities = e.Extractor.Extract(t.InputText)
	investigable := t.Entities.Investigable()
	span.SetAttributes(attribute.Int("task.entities", len(t.Entities)))
	e.emit(ctx, t, progress.StepExtracted, fmt.Sprintf("Found %d detail(s) to check", len(investigable)), 10, false, false)

	if len(investigable) == 0 {
		return e.finishFast(ctx, dctx, t)
	}

	var calls []call
	for _, ent := range investigable {
		for _, a := range e.Registry.For(ent.Type) {
			calls = append(calls, call{entity: ent, adapter: a})
		}
	}

	complete, storeErr := e.collect(ctx, dctx, t, calls)
	if ctx.Err() != nil {
		return fmt.Errorf("investigation interrupted: %w", ctx.Err())
	}
	if storeErr != nil {
		return fmt.Errorf("persist result: %w", storeErr)
	}

	b := reasoner.Bundle{Entities: t.Entities, Results: t.Results}
	if !complete {
		partial := reasoner.Heuristic{}.Evaluate(b)
		if err := t.TimeOut(&partial, e.now()); err != nil {
			return err
		}
		if err := e.Store.SaveTask(ctx, t, events.TaskTimedOut, events.ActorWorker); err != nil {
			return fmt.Errorf("save timed out task: %w", err)
		}
		logger.Warn().Int("results", len(t.Results)).Int("calls", len(calls)).Msg("investigation deadline exceeded")
		e.emit(ctx, t, progress.StepTimedOut, "The investigation took too long; a partial assessment is available", 100, true, true)
		return nil
	}

	e.emit(ctx, t, progress.StepReasoning, "Weighing the evidence", 90, false, false)
	verdict, kind := reasoner.Fallback(ctx, e.Reasoner, e.limits().ReasonerTimeout, t.InputText, b)
	if kind != "" {
		logger.Warn().Str("kind", string(kind)).Msg("verdict from heuristic fallback")
	}
	if err := t.Complete(verdict, e.now()); err != nil {
		return err
	}
	if err := e.Store.SaveTask(ctx, t, events.TaskCompleted, events.ActorWorker); err != nil {
		return fmt.Errorf("save completed task: %w", err)
	}
	logger.Info().Str("risk_level", string(verdict.RiskLevel)).Str("source", verdict.Source).
		Int("results", len(t.Results)).Msg("investigation completed")
	span.SetAttributes(attribute.String("task.risk_level", string(verdict.RiskLevel)))
	e.emit(ctx, t, progress.StepDone, "Analysis complete: "+string(verdict.RiskLevel)+" risk", 100, false, true)
	return nil
}

func (e Engine) limits() Limits {
	l := e.Limits
	d := DefaultLimits()
	if l.PerTask <= 0 {
		l.PerTask = d.PerTask
	}
	if l.ToolTimeout <= 0 {
		l.ToolTimeout = d.ToolTimeout
	}
	if l.TaskDeadline <= 0 {
		l.TaskDeadline = d.TaskDeadline
	}
	if l.ReasonerTimeout <= 0 {
		l.ReasonerTimeout = d.ReasonerTimeout
	}
	return l
}

// finishFast completes a task that has nothing to investigate.
func (e Engine) finishFast(ctx, dctx context.Context, t *domain.Task) error {
	var (
		v   domain.Verdict
		err error
	)
	if e.Classifier != nil {
		v, err = e.Classifier.Classify(dctx, t.InputText, t.Entities)
	}
	if e.Classifier == nil || err != nil {
		v = classify.Keywords{}.Evaluate(t.InputText, t.Entities)
	}
	if err := t.Complete(v, e.now()); err != nil {
		return err
	}
	if err := e.Store.SaveTask(ctx, t, events.TaskCompleted, events.ActorWorker); err != nil {
		return fmt.Errorf("save completed task: %w", err)
	}
	e.emit(ctx, t, progress.StepDone, "Analysis complete: "+string(v.RiskLevel)+" risk", 100, false, true)
	return nil
}

// collect fans the calls out and folds results into t from this goroutine
// only. It returns when every call settled or the deadline passed; in the
// latter case in-flight calls are cancelled, their results discarded and
// complete is false.
func (e Engine) collect(ctx, dctx context.Context, t *domain.Task, calls []call) (complete bool, storeErr error) {
	lim := e.limits()
	results := make(chan domain.ToolResult, len(calls))
	launched := make(chan struct{})

	g, gctx := errgroup.WithContext(dctx)
	g.SetLimit(lim.PerTask)
	go func() {
		defer close(launched)
		for _, c := range calls {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				if e.Global != nil {
					if err := e.Global.Acquire(gctx, 1); err != nil {
						return nil
					}
					defer e.Global.Release(1)
				}
				results <- c.adapter.Investigate(gctx, c.entity, lim.ToolTimeout)
				return nil
			})
		}
		g.Wait()
		close(results)
	}()
	// In-flight calls observe the cancelled context and return promptly.
	defer func() { <-launched }()

	settled := 0
	for {
		select {
		case <-dctx.Done():
			return false, storeErr
		case res, ok := <-results:
			if !ok {
				return true, storeErr
			}
			if dctx.Err() != nil {
				return false, storeErr
			}
			settled++
			t.AddResult(res)
			if err := e.Store.UpsertResult(ctx, t.ID, settled, res); err != nil && storeErr == nil {
				storeErr = err
			}
			pct := 10 + 75*settled/len(calls)
			e.emit(ctx, t, progress.StepTool, describe(res), pct, !res.Success, false)
		}
	}
}

func describe(r domain.ToolResult) string {
	subject := fmt.Sprintf("%s %s", r.Entity.Type, r.Entity.Raw)
	if r.Entity.Raw == "" {
		subject = fmt.Sprintf("%s %s", r.Entity.Type, r.Entity.Value)
	}
	switch {
	case !r.Success:
		return fmt.Sprintf("Could not check %s with %s", subject, r.ToolName)
	case r.Verified:
		return fmt.Sprintf("%s: %s is a verified contact", r.ToolName, subject)
	case r.Found:
		return fmt.Sprintf("%s: warning signs for %s", r.ToolName, subject)
	}
	return fmt.Sprintf("%s: nothing found for %s", r.ToolName, subject)
}

func (e Engine) emit(ctx context.Context, t *domain.Task, step, msg string, pct int, isErr, terminal bool) {
	if e.Progress == nil {
		return
	}
	err := e.Progress.Publish(context.WithoutCancel(ctx), domain.ProgressEvent{
		TaskID:     t.ID,
		Step:       step,
		Message:    msg,
		Percent:    pct,
		IsError:    isErr,
		IsTerminal: terminal,
		TS:         e.now(),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Str("task_id", t.ID).Str("step", step).Msg("publish progress")
	}
}
