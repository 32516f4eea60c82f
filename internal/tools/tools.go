// Package tools holds the investigation adapters and the registry that routes
// entity types to them.
package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"scamprobe/internal/domain"
	"scamprobe/internal/logging"
	"scamprobe/internal/telemetry"
)

var tracer = telemetry.Tracer("scamprobe/internal/tools")

// Tool names.
const (
	ScamRecordName       = "scam_record"
	NumberFormatName     = "number_format"
	WebSearchName        = "web_search"
	DomainReputationName = "domain_reputation"
	BusinessRegistryName = "business_registry"
)

// Adapter investigates one entity. Investigate never returns an error: every
// failure is a ToolResult with Success=false and an ErrorKind.
type Adapter interface {
	Name() string
	Supports(t domain.EntityType) bool
	Investigate(ctx context.Context, e domain.Entity, timeout time.Duration) domain.ToolResult
}

// Finding is what a lookup reports before it is wrapped into a ToolResult.
type Finding struct {
	Found      bool
	RiskSignal int
	Verified   bool
	Evidence   map[string]any
}

// Lookup is the raw call behind an adapter.
type Lookup interface {
	Name() string
	Lookup(ctx context.Context, e domain.Entity) (Finding, error)
}

type outcome struct {
	finding Finding
	err     error
}

// Invoke runs l under its own timeout. The call races a timer; a late
// answer is dropped and a panic inside the lookup becomes a transport failure.
func Invoke(ctx context.Context, l Lookup, e domain.Entity, timeout time.Duration) domain.ToolResult {
	name := l.Name()
	ctx, span := tracer.Start(ctx, "tools."+name)
	defer span.End()
	span.SetAttributes(
		attribute.String("tool.name", name),
		attribute.String("entity.type", string(e.Type)),
	)

	start := time.Now()
	res := domain.ToolResult{ToolName: name, Entity: e}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("%w: panic: %v", domain.ErrToolTransport, r)}
			}
		}()
		f, err := l.Lookup(callCtx, e)
		ch <- outcome{finding: f, err: err}
	}()

	var out outcome
	select {
	case out = <-ch:
	case <-callCtx.Done():
		out.err = callCtx.Err()
		if errors.Is(out.err, context.DeadlineExceeded) {
			out.err = fmt.Errorf("%w after %s", domain.ErrToolTimeout, timeout)
		}
	}
	res.ExecutionTimeMs = time.Since(start).Milliseconds()

	if out.err != nil {
		res.ErrorKind = domain.ToolErrorKind(out.err)
		span.RecordError(out.err)
		span.SetStatus(codes.Error, string(res.ErrorKind))
		log.Debug().Str("tool", name).Str("entity_type", string(e.Type)).
			Str("error_kind", string(res.ErrorKind)).Err(out.err).
			Func(logging.TraceFields(ctx)).Msg("tool call failed")
		return res
	}
	res.Success = true
	res.Found = out.finding.Found
	res.Verified = out.finding.Verified
	res.RiskSignal = clampRisk(out.finding.RiskSignal)
	res.Evidence = out.finding.Evidence
	span.SetAttributes(attribute.Bool("tool.found", res.Found), attribute.Int("tool.risk", res.RiskSignal))
	return res
}

func clampRisk(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

// Func adapts a plain function into an Adapter; handy for fakes and small
// in-process checks.
type Func struct {
	ToolName string
	Types    []domain.EntityType
	Fn       func(ctx context.Context, e domain.Entity) (Finding, error)
}

func (f Func) Name() string { return f.ToolName }

func (f Func) Supports(t domain.EntityType) bool { return supports(f.Types, t) }

func (f Func) Lookup(ctx context.Context, e domain.Entity) (Finding, error) { return f.Fn(ctx, e) }

func (f Func) Investigate(ctx context.Context, e domain.Entity, timeout time.Duration) domain.ToolResult {
	return Invoke(ctx, f, e, timeout)
}

func supports(types []domain.EntityType, t domain.EntityType) bool {
	for _, have := range types {
		if have == t {
			return true
		}
	}
	return false
}
