// Package observe provides application-wide observability primitives for
// voxbridge: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxbridge metrics.
const meterName = "github.com/MrWong99/voxbridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Gauges ---

	// ActiveSessions tracks the number of live relay sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- Upstream ---

	// UpstreamAppends counts input_audio_buffer.append messages. Use with
	// attribute.Bool("commit", ...).
	UpstreamAppends metric.Int64Counter

	// UpstreamBytes counts PCM bytes forwarded upstream.
	UpstreamBytes metric.Int64Counter

	// UpstreamErrors counts upstream error events by code.
	UpstreamErrors metric.Int64Counter

	// UpstreamConnectDuration tracks upstream dial latency. Use with
	// attribute.String("mode", ...), attribute.String("status", ...).
	UpstreamConnectDuration metric.Float64Histogram

	// --- Barge-in ---

	// Interruptions counts upstream speech_started events that interrupted
	// the assistant.
	Interruptions metric.Int64Counter

	// InterruptFailures counts interrupt instructions that could not be
	// written upstream.
	InterruptFailures metric.Int64Counter

	// OutboundSuppressed counts audio deltas withheld because their response
	// was cancelled.
	OutboundSuppressed metric.Int64Counter

	// --- Client side of the relay ---

	// OutboundAudioBytes counts PCM bytes relayed to clients.
	OutboundAudioBytes metric.Int64Counter

	// ClientErrors counts malformed or client-reported errors. Use with
	// attribute.String("kind", ...).
	ClientErrors metric.Int64Counter

	// SessionDuration tracks relay session lifetime.
	SessionDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for dial
// and request latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers conversations from seconds to an hour.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voxbridge.active_sessions",
		metric.WithDescription("Number of live relay sessions."),
	); err != nil {
		return nil, err
	}

	if met.UpstreamAppends, err = m.Int64Counter("voxbridge.upstream.appends",
		metric.WithDescription("Audio append messages sent upstream."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamBytes, err = m.Int64Counter("voxbridge.upstream.bytes",
		metric.WithDescription("PCM bytes forwarded upstream."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.UpstreamErrors, err = m.Int64Counter("voxbridge.upstream.errors",
		metric.WithDescription("Upstream error events by code."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamConnectDuration, err = m.Float64Histogram("voxbridge.upstream.connect.duration",
		metric.WithDescription("Latency of upstream session establishment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Interruptions, err = m.Int64Counter("voxbridge.interruptions",
		metric.WithDescription("Barge-in interruptions of assistant output."),
	); err != nil {
		return nil, err
	}
	if met.InterruptFailures, err = m.Int64Counter("voxbridge.interrupt.failures",
		metric.WithDescription("Interrupt instructions that failed to reach the upstream."),
	); err != nil {
		return nil, err
	}
	if met.OutboundSuppressed, err = m.Int64Counter("voxbridge.outbound.suppressed",
		metric.WithDescription("Audio deltas dropped because their response was cancelled."),
	); err != nil {
		return nil, err
	}

	if met.OutboundAudioBytes, err = m.Int64Counter("voxbridge.outbound.audio_bytes",
		metric.WithDescription("PCM bytes relayed to clients."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ClientErrors, err = m.Int64Counter("voxbridge.client.errors",
		metric.WithDescription("Malformed or client-reported errors by kind."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("voxbridge.session.duration",
		metric.WithDescription("Lifetime of relay sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voxbridge.http.request.duration",
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordAppend records one upstream append of n bytes.
func (m *Metrics) RecordAppend(ctx context.Context, n int, commit bool) {
	m.UpstreamAppends.Add(ctx, 1, metric.WithAttributes(attribute.Bool("commit", commit)))
	m.UpstreamBytes.Add(ctx, int64(n))
}

// RecordUpstreamConnect records the latency and outcome of an upstream dial.
func (m *Metrics) RecordUpstreamConnect(ctx context.Context, mode string, seconds float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.UpstreamConnectDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("status", status),
		),
	)
}

// RecordUpstreamError records an upstream error event.
func (m *Metrics) RecordUpstreamError(ctx context.Context, code string) {
	if code == "" {
		code = "unknown"
	}
	m.UpstreamErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

// RecordClientError records a client-side protocol error.
func (m *Metrics) RecordClientError(ctx context.Context, kind string) {
	m.ClientErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
