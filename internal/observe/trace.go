package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/callflow"

// Attribute keys set on call spans.
const (
	AttrCarrier   = "callflow.carrier"
	AttrCallID    = "callflow.call_id"
	AttrStreamID  = "callflow.stream_id"
	AttrSessionID = "callflow.session_id"
)

// Tracer returns the callflow tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartCallSpan starts the span covering one phone call, from the carrier's
// start message until the media stream closes.
func StartCallSpan(ctx context.Context, carrier, streamID, callID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "call",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrCarrier, carrier),
			attribute.String(AttrStreamID, streamID),
			attribute.String(AttrCallID, callID),
		),
	)
}

// EndCall records how the call ended on the span in ctx. A nil err leaves
// the status unset.
func EndCall(ctx context.Context, sessionID string, err error) {
	span := trace.SpanFromContext(ctx)
	if sessionID != "" {
		span.SetAttributes(attribute.String(AttrSessionID, sessionID))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// CorrelationID returns the trace ID of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns base with trace_id and span_id attributes from ctx. A nil
// base means slog.Default(). Without a span, base is returned unchanged.
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return base
	}
	return base.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
