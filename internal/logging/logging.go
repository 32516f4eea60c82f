// Package logging configures the global zerolog logger.
package logging

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// Setup installs the global logger. Logs always go to stderr so stdout stays
// clean for --json output.
func Setup(level string, pretty bool) {
	SetupWriter(os.Stderr, level, pretty)
}

func SetupWriter(w io.Writer, level string, pretty bool) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if pretty {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
}

// TraceFields adds trace_id and span_id when ctx carries a valid span.
//
//	log.Info().Str("task_id", id).Func(logging.TraceFields(ctx)).Msg("...")
func TraceFields(ctx context.Context) func(e *zerolog.Event) {
	return func(e *zerolog.Event) {
		sc := trace.SpanFromContext(ctx).SpanContext()
		if !sc.IsValid() {
			return
		}
		e.Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
	}
}
