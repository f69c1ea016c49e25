package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/passportd/passportd/pkg/engine"

// startSpan starts a span for an engine operation using the global tracer provider.
func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// finish ends span, recording err, and counts the failure kind once.
func finish(span trace.Span, obs Observer, err error) {
	if err != nil {
		kind := KindOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error.kind", string(kind)))
		obs.RecordFailure(kind)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
