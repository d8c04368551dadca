package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for boardsync spans and metrics.
var (
	AttrKind     = attribute.Key("boardsync.kind")
	AttrEntityID = attribute.Key("boardsync.entity.id")
	AttrOutcome  = attribute.Key("boardsync.outcome")
	AttrClass    = attribute.Key("boardsync.error.class")
	AttrState    = attribute.Key("boardsync.stream.state")
	AttrOnline   = attribute.Key("boardsync.online")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (mutation request, poll fetch).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
