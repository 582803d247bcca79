// Package observe provides application-wide observability primitives for
// livescribe: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all livescribe metrics.
const meterName = "github.com/MrWong99/livescribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// UpstreamOpenDuration tracks how long the provider handshake takes.
	UpstreamOpenDuration metric.Float64Histogram

	// --- Counters ---

	// UpstreamOpens counts upstream open attempts. Use with attribute:
	//   attribute.String("status", "ok"|"error"|"suppressed"|"stale")
	UpstreamOpens metric.Int64Counter

	// UpstreamEvents counts provider events by kind. Use with attribute:
	//   attribute.String("kind", ...)
	UpstreamEvents metric.Int64Counter

	// AudioPackets counts audio packets forwarded upstream.
	AudioPackets metric.Int64Counter

	// AudioBytes counts audio bytes forwarded upstream.
	AudioBytes metric.Int64Counter

	// TranscriptsDelivered counts transcript pushes, one per attached
	// connection.
	TranscriptsDelivered metric.Int64Counter

	// SessionsReaped counts sessions evicted by the idle reaper.
	SessionsReaped metric.Int64Counter

	// --- Error counters ---

	// PacketErrors counts rejected or failed inbound packets. Use with
	// attribute:
	//   attribute.String("kind", "decode"|"unsupported"|"send"|"no_session"|"open")
	PacketErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of sessions in the registry.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveUpstreams tracks the number of live upstream connections.
	ActiveUpstreams metric.Int64UpDownCounter

	// ActiveConnections tracks the number of connected client sockets.
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// handshake and request latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.UpstreamOpenDuration, err = m.Float64Histogram("livescribe.upstream.open.duration",
		metric.WithDescription("Latency of opening an upstream transcription stream."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.UpstreamOpens, err = m.Int64Counter("livescribe.upstream.opens",
		metric.WithDescription("Total upstream open attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamEvents, err = m.Int64Counter("livescribe.upstream.events",
		metric.WithDescription("Total upstream provider events by kind."),
	); err != nil {
		return nil, err
	}
	if met.AudioPackets, err = m.Int64Counter("livescribe.audio.packets",
		metric.WithDescription("Total audio packets forwarded upstream."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("livescribe.audio.bytes",
		metric.WithDescription("Total audio bytes forwarded upstream."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.TranscriptsDelivered, err = m.Int64Counter("livescribe.transcripts.delivered",
		metric.WithDescription("Total transcript pushes to client connections."),
	); err != nil {
		return nil, err
	}
	if met.SessionsReaped, err = m.Int64Counter("livescribe.sessions.reaped",
		metric.WithDescription("Total sessions evicted by the idle reaper."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.PacketErrors, err = m.Int64Counter("livescribe.packet.errors",
		metric.WithDescription("Total rejected or failed inbound packets by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("livescribe.active_sessions",
		metric.WithDescription("Number of sessions held in the registry."),
	); err != nil {
		return nil, err
	}
	if met.ActiveUpstreams, err = m.Int64UpDownCounter("livescribe.active_upstreams",
		metric.WithDescription("Number of live upstream transcription streams."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("livescribe.active_connections",
		metric.WithDescription("Number of connected client sockets."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livescribe.http.request.duration",
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

// RecordUpstreamOpen records the outcome of an upstream open attempt. The
// latency is only recorded for attempts that reached the provider.
func (m *Metrics) RecordUpstreamOpen(ctx context.Context, status string, seconds float64) {
	m.UpstreamOpens.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if seconds > 0 {
		m.UpstreamOpenDuration.Record(ctx, seconds)
	}
}

// RecordUpstreamEvent counts a provider event of the given kind.
func (m *Metrics) RecordUpstreamEvent(ctx context.Context, kind string) {
	m.UpstreamEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordAudio counts one forwarded packet of n bytes.
func (m *Metrics) RecordAudio(ctx context.Context, n int) {
	m.AudioPackets.Add(ctx, 1)
	m.AudioBytes.Add(ctx, int64(n))
}

// RecordPacketError counts a rejected or failed inbound packet.
func (m *Metrics) RecordPacketError(ctx context.Context, kind string) {
	m.PacketErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
