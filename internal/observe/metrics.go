// Package observe is the telemetry of a lingo process: OpenTelemetry
// instruments for voice sessions, session-scoped spans and loggers, and the
// middleware of the diagnostics server.
//
// [Init] bridges the instruments to a Prometheus registry served on
// /metrics. [DefaultMetrics] uses the global meter provider; tests build
// their own with [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all lingo metrics.
const meterName = "github.com/MrWong99/lingo"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long Connect takes from the first device
	// acquisition until the remote session is open. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ConnectDuration metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts outbound capture frames handed to the remote session.
	FramesSent metric.Int64Counter

	// FramesDropped counts outbound frames that were discarded. Use with
	// attribute:
	//   attribute.String("reason", "queue_full"|"send_error")
	FramesDropped metric.Int64Counter

	// ChunksScheduled counts inbound audio chunks queued for playback.
	ChunksScheduled metric.Int64Counter

	// Interruptions counts barge-in events that cut model playback short.
	Interruptions metric.Int64Counter

	// TranscriptLines counts finalised transcript lines. Use with attribute:
	//   attribute.String("speaker", "user"|"model")
	TranscriptLines metric.Int64Counter

	// --- Error counters ---

	// SessionErrors counts sessions that ended in the failed state. Use with
	// attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of open voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for session setup latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("lingo.session.connect.duration",
		metric.WithDescription("Latency of session setup from device acquisition to remote open."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("lingo.audio.frames_sent",
		metric.WithDescription("Total capture frames sent to the remote session."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("lingo.audio.frames_dropped",
		metric.WithDescription("Total capture frames dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.ChunksScheduled, err = m.Int64Counter("lingo.playback.chunks_scheduled",
		metric.WithDescription("Total inbound audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("lingo.session.interruptions",
		metric.WithDescription("Total interruptions of model playback."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptLines, err = m.Int64Counter("lingo.transcript.lines",
		metric.WithDescription("Total finalised transcript lines by speaker."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SessionErrors, err = m.Int64Counter("lingo.session.errors",
		metric.WithDescription("Total failed sessions by provider and error kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("lingo.session.active",
		metric.WithDescription("Number of open voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("lingo.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordConnect records the duration of one Connect attempt.
func (m *Metrics) RecordConnect(ctx context.Context, provider, status string, seconds float64) {
	m.ConnectDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordFrameDropped records one dropped outbound frame.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordTranscriptLine records one finalised transcript line.
func (m *Metrics) RecordTranscriptLine(ctx context.Context, speaker string) {
	m.TranscriptLines.Add(ctx, 1,
		metric.WithAttributes(attribute.String("speaker", speaker)),
	)
}

// RecordSessionError records a session that ended in the failed state.
func (m *Metrics) RecordSessionError(ctx context.Context, provider, kind string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
