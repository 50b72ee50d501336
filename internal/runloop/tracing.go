package runloop

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	traceScopeRunloop = "ralph.runloop"

	traceSpanIteration = "ralph.runloop.iteration"

	traceAttrRunID     = "ralph.run_id"
	traceAttrTaskID    = "ralph.task_id"
	traceAttrIteration = "ralph.iteration"
	traceAttrModel     = "ralph.model"
	traceAttrOutcome   = "ralph.outcome"
)

// startIterationSpan opens a span around one loop iteration. No exporter is
// wired by default (SPEC_FULL.md §11) so this is a no-op recording span
// until a caller configures an SDK TracerProvider; the call sites exist so
// that wiring one is a config change, not a code change.
func (l *Loop) startIterationSpan(ctx context.Context, iteration int, taskID, model string) (context.Context, trace.Span) {
	return otel.Tracer(traceScopeRunloop).Start(ctx, traceSpanIteration, trace.WithAttributes(
		attribute.String(traceAttrRunID, l.identity.RunID),
		attribute.String(traceAttrTaskID, taskID),
		attribute.Int(traceAttrIteration, iteration),
		attribute.String(traceAttrModel, model),
	))
}

func endIterationSpan(span trace.Span, outcome string, err error) {
	if span == nil {
		return
	}
	defer span.End()
	span.SetAttributes(attribute.String(traceAttrOutcome, outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
