package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "workflow-gateway"

// StartJobSpan starts the span covering one pipeline run.
// Uses the global OTel tracer provider.
func StartJobSpan(ctx context.Context, jobID, mode string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "workflow.job",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("job.mode", mode),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartPhaseSpan starts a child span for one pipeline phase.
func StartPhaseSpan(ctx context.Context, phase string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "workflow.phase."+phase,
		trace.WithAttributes(attribute.String("phase", phase)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpan completes a span, recording err when non-nil.
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the span in ctx, if it is recording.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
