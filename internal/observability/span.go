package observability

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Span attributes shared by the guard and the provider clients.
var (
	AttrKey      = attribute.Key("quasar.cache.key")
	AttrProvider = attribute.Key("quasar.provider")
	AttrPriority = attribute.Key("quasar.priority")
	AttrOutcome  = attribute.Key("quasar.outcome")
	AttrAttempts = attribute.Key("quasar.attempts")
)

func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func SetSpanOK(span trace.Span) { span.SetStatus(codes.Ok, "") }

// InjectHTTPHeaders adds a traceparent header for the span in ctx.
func InjectHTTPHeaders(ctx context.Context, h http.Header) {
	if Enabled() {
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
	}
}

// GetTraceID and GetSpanID return "" when ctx carries no recording span;
// the log helpers omit empty IDs.
func GetTraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

func GetSpanID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasSpanID() {
		return sc.SpanID().String()
	}
	return ""
}
