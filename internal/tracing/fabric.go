package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const fabricTracerName = "solarbus-fabric"

func fabricTracer() trace.Tracer {
	return Tracer(fabricTracerName)
}

// TracePublish starts a span covering the guard+validate+commit pipeline for
// one envelope. Caller must call span.End() after notify.
func TracePublish(ctx context.Context, projectID, envType, from string) (context.Context, trace.Span) {
	ctx, span := fabricTracer().Start(ctx, "fabric.publish",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("project_id", projectID),
		attribute.String("envelope_type", envType),
		attribute.String("from", from),
	)
	return ctx, span
}

// TracePublishResult records the commit outcome on the publish span.
func TracePublishResult(span trace.Span, envelopeID string, seq int64, err error) {
	span.SetAttributes(
		attribute.String("envelope_id", envelopeID),
		attribute.Int64("seq", seq),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceDeliver creates a single span for one envelope handed to a subscriber.
func TraceDeliver(ctx context.Context, envelopeID, subject, subscriber string) {
	_, span := fabricTracer().Start(ctx, "fabric.deliver",
		trace.WithSpanKind(trace.SpanKindProducer),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String("envelope_id", envelopeID),
		attribute.String("subject", subject),
		attribute.String("subscriber", subscriber),
	)
}

// TraceHTTPRequest starts a client span for an HTTP call to the sun gateway.
// Caller must call span.End() when the response is received.
func TraceHTTPRequest(ctx context.Context, method, path, identity string) (context.Context, trace.Span) {
	ctx, span := fabricTracer().Start(ctx, "http."+method+" "+path,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.path", path),
		attribute.String("identity", identity),
	)
	return ctx, span
}

// TraceHTTPResponse records response attributes on the span.
func TraceHTTPResponse(span trace.Span, statusCode int, err error) {
	span.SetAttributes(attribute.Int("http.status_code", statusCode))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceAggregation starts a span for one coordinator fan-in decision.
// Caller must call span.End() when the decision is committed.
func TraceAggregation(ctx context.Context, taskID string, expected, observed int) (context.Context, trace.Span) {
	ctx, span := fabricTracer().Start(ctx, "fabric.aggregate",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.Int("siblings.expected", expected),
		attribute.Int("siblings.observed", observed),
	)
	return ctx, span
}

// TraceAggregationResult records the fan-in outcome on its span.
func TraceAggregationResult(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
