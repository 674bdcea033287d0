// Package observe provides application-wide observability primitives for
// voicewire: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicewire metrics.
const meterName = "github.com/mavu-ai/voicewire"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ResponseLatency tracks the time from audio.commit to response.done.
	ResponseLatency metric.Float64Histogram

	// CommitGateWait tracks how long the commit gate waited for the first ack.
	CommitGateWait metric.Float64Histogram

	// --- Counters ---

	// ChunksSent counts outbound audio.append chunks.
	ChunksSent metric.Int64Counter

	// ChunksAcked counts audio.received acknowledgements.
	ChunksAcked metric.Int64Counter

	// DuplicateDeltas counts inbound audio.delta events dropped as duplicates.
	DuplicateDeltas metric.Int64Counter

	// DriftCorrections counts playback cursor corrections after stalls.
	DriftCorrections metric.Int64Counter

	// Reconnects counts successful transport reconnections.
	Reconnects metric.Int64Counter

	// Commits counts commit gate outcomes. Use with attribute:
	//   attribute.String("outcome", "skip" | "soft_fail" | "sent")
	Commits metric.Int64Counter

	// SuppressedFrames counts microphone frames suppressed while the
	// assistant was speaking. Use with attribute:
	//   attribute.String("policy", "discard" | "hold")
	SuppressedFrames metric.Int64Counter

	// --- Error counters ---

	// SessionErrors counts errors surfaced to the application. Use with
	// attribute: attribute.String("kind", ...)
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// SessionState reports the current state machine state as an integer.
	SessionState metric.Int64Gauge

	// PlaybackQueueDepth reports the queued playback duration in seconds.
	PlaybackQueueDepth metric.Float64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for conversational round-trip latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 3.5, 5, 10, 20, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ResponseLatency, err = m.Float64Histogram("voicewire.response.latency",
		metric.WithDescription("Time from audio.commit to response.done by status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CommitGateWait, err = m.Float64Histogram("voicewire.commit.gate_wait",
		metric.WithDescription("Time the commit gate waited for the first chunk ack."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.02, 0.05, 0.1, 0.2, 0.35, 0.5),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ChunksSent, err = m.Int64Counter("voicewire.chunks.sent",
		metric.WithDescription("Total outbound audio.append chunks."),
	); err != nil {
		return nil, err
	}
	if met.ChunksAcked, err = m.Int64Counter("voicewire.chunks.acked",
		metric.WithDescription("Total acknowledged outbound chunks."),
	); err != nil {
		return nil, err
	}
	if met.DuplicateDeltas, err = m.Int64Counter("voicewire.deltas.duplicates",
		metric.WithDescription("Inbound audio deltas dropped as duplicates."),
	); err != nil {
		return nil, err
	}
	if met.DriftCorrections, err = m.Int64Counter("voicewire.playback.drift_corrections",
		metric.WithDescription("Playback cursor corrections after output stalls."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("voicewire.transport.reconnects",
		metric.WithDescription("Successful transport reconnections."),
	); err != nil {
		return nil, err
	}
	if met.Commits, err = m.Int64Counter("voicewire.commits",
		metric.WithDescription("Commit gate outcomes by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SuppressedFrames, err = m.Int64Counter("voicewire.capture.suppressed_frames",
		metric.WithDescription("Microphone frames suppressed during assistant speech by policy."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SessionErrors, err = m.Int64Counter("voicewire.session.errors",
		metric.WithDescription("Errors surfaced to the application by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.SessionState, err = m.Int64Gauge("voicewire.session.state",
		metric.WithDescription("Current session state machine state."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackQueueDepth, err = m.Float64Gauge("voicewire.playback.queue_depth",
		metric.WithDescription("Queued playback audio awaiting scheduling."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicewire.http.request.duration",
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

// RecordCommit records one commit gate outcome.
func (m *Metrics) RecordCommit(ctx context.Context, outcome string) {
	m.Commits.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordResponseLatency records one commit-to-done round trip.
func (m *Metrics) RecordResponseLatency(ctx context.Context, d time.Duration, status string) {
	m.ResponseLatency.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordSessionError records one surfaced error by kind.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordSuppressedFrame records one microphone frame suppressed while the
// assistant was speaking.
func (m *Metrics) RecordSuppressedFrame(ctx context.Context, policy string) {
	m.SuppressedFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("policy", policy)),
	)
}
