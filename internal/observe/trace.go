package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every lingo span.
const tracerName = "github.com/MrWong99/lingo"

// SessionInfo identifies one voice session in spans, logs, and the
// readiness report.
type SessionInfo struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`

	// State is the controller's lifecycle state, when known.
	State string `json:"state,omitempty"`
}

func (s SessionInfo) attrs() []attribute.KeyValue {
	kv := []attribute.KeyValue{
		attribute.String("session_id", s.ID),
		attribute.String("provider", s.Provider),
	}
	if s.State != "" {
		kv = append(kv, attribute.String("session_state", s.State))
	}
	return kv
}

type sessionKey struct{}

// WithSession returns a context that tags spans started by [StartSpan] and
// loggers returned by [Logger] with the session.
func WithSession(ctx context.Context, s SessionInfo) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFrom returns the session stored by [WithSession].
func SessionFrom(ctx context.Context) (SessionInfo, bool) {
	s, ok := ctx.Value(sessionKey{}).(SessionInfo)
	return s, ok
}

// Tracer returns the lingo tracer from the global [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on the lingo tracer. Under a session context the
// span carries session_id and provider attributes. The caller ends the span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if s, ok := SessionFrom(ctx); ok {
		opts = append(opts, trace.WithAttributes(s.attrs()...))
	}
	return Tracer().Start(ctx, name, opts...)
}

// TraceID returns the hex trace ID of the span in ctx, or "" without one.
func TraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with session_id and provider from a
// session context, and trace_id and span_id from the active span.
func Logger(ctx context.Context) *slog.Logger {
	var args []any
	if s, ok := SessionFrom(ctx); ok {
		args = append(args, slog.String("session_id", s.ID), slog.String("provider", s.Provider))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		args = append(args,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(args) == 0 {
		return slog.Default()
	}
	return slog.Default().With(args...)
}
