package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for taskd spans.
var (
	AttrTaskID        = attribute.Key("taskd.task.id")
	AttrTaskType      = attribute.Key("taskd.task.type")
	AttrTaskStatus    = attribute.Key("taskd.task.status")
	AttrTraceID       = attribute.Key("taskd.trace_id")
	AttrCorrelationID = attribute.Key("taskd.correlation_id")
	AttrAgentSlug     = attribute.Key("taskd.agent.slug")
	AttrAgentMode     = attribute.Key("taskd.agent.mode")
	AttrHTTPStatus    = attribute.Key("http.status_code")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call to an agent or the logging sink.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
