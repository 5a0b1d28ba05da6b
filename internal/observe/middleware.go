package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// TraceHeader carries the trace ID of a diagnostics response.
const TraceHeader = "X-Trace-ID"

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*diagnostics)

// WithSessionSource tags every request with the session that current
// reports, so a failing /readyz can be matched to the session it describes.
func WithSessionSource(current func() (SessionInfo, bool)) MiddlewareOption {
	return func(d *diagnostics) { d.session = current }
}

// Middleware instruments the diagnostics endpoints: it continues incoming
// W3C trace context, records [Metrics.HTTPRequestDuration], and logs each
// request. Scrapes and health checks log at debug; 5xx responses log a warning and
// mark the span as failed.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		d := &diagnostics{next: next, metrics: m, prop: propagation.TraceContext{}}
		for _, o := range opts {
			o(d)
		}
		return d
	}
}

type diagnostics struct {
	next    http.Handler
	metrics *Metrics
	prop    propagation.TextMapPropagator
	session func() (SessionInfo, bool)
}

func (d *diagnostics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := d.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	if d.session != nil {
		if s, ok := d.session(); ok {
			ctx = WithSession(ctx, s)
		}
	}

	ctx, span := StartSpan(ctx, r.Method+" "+r.URL.Path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
		),
	)
	defer span.End()

	if id := TraceID(ctx); id != "" {
		w.Header().Set(TraceHeader, id)
	}
	d.prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	d.next.ServeHTTP(sw, r.WithContext(ctx))
	elapsed := time.Since(start)

	d.metrics.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("method", r.Method),
		attribute.String("path", r.URL.Path),
		attribute.Int("status", sw.status),
	))
	span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))

	level := slog.LevelDebug
	if sw.status >= http.StatusInternalServerError {
		level = slog.LevelWarn
		span.SetStatus(codes.Error, http.StatusText(sw.status))
	}
	Logger(ctx).Log(ctx, level, "diagnostics request",
		"method", r.Method,
		"path", r.URL.Path,
		"status", sw.status,
		"duration", elapsed,
	)
}

// statusWriter remembers the status code written by the wrapped handler.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
