package telemetry

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Operation is one traced and timed unit of work on an execution.
type Operation struct {
	Ctx  context.Context
	Span trace.Span

	// Logger carries the execution id, plus the trace and span ids when the
	// span is sampled.
	Logger zerolog.Logger
	Timer  *Timer
}

// StartExecutionOperation starts the "execution.<operation>" span for
// executionID. A nil tracer records nothing.
func StartExecutionOperation(ctx context.Context, tracer *Tracer, logger zerolog.Logger, operation, executionID string) *Operation {
	if tracer == nil {
		tracer = NopTracer()
	}
	ctx, span := tracer.StartExecutionSpan(ctx, operation, executionID)

	lctx := logger.With().Str("execution_id", executionID)
	if sc := span.SpanContext(); span.IsRecording() && sc.IsValid() {
		lctx = lctx.
			Str("trace_id", sc.TraceID().String()).
			Str("span_id", sc.SpanID().String())
	}

	return &Operation{
		Ctx:    ctx,
		Span:   span,
		Logger: lctx.Logger(),
		Timer:  NewTimer(),
	}
}

// End marks the span failed when err is non-nil, successful otherwise, and
// ends it.
func (op *Operation) End(err error) {
	if err != nil {
		RecordError(op.Span, err)
	} else {
		RecordSuccess(op.Span)
	}
	op.Span.End()
}
