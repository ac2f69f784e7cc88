package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for runner spans.
var (
	AttrTaskID    = attribute.Key("runner.task.id")
	AttrSessionID = attribute.Key("runner.session.id")
	AttrBackend   = attribute.Key("runner.backend")
	AttrStatus    = attribute.Key("runner.status")
)

// StartClientSpan starts a span for an outbound call (coordinator REST,
// gateway WebSocket request).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartInternalSpan starts a span for an internal operation (task execution,
// backend dispatch).
func StartInternalSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
