// Package observe provides application-wide observability primitives for
// textenc: OpenTelemetry metrics, tracing, trace-aware structured logging and
// HTTP middleware for the telemetry endpoint.
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

// meterName is the instrumentation scope name used for all textenc metrics.
const meterName = "github.com/MrWong99/textenc"

// Cache lookup results recorded by [Metrics.RecordCacheLookups].
const (
	CacheHit  = "hit"
	CacheMiss = "miss"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// EncodeDuration tracks the wall time of one Encode/EncodeParallel call.
	EncodeDuration metric.Float64Histogram

	// RemoteDuration tracks the latency of a single remote EncodeRaw call.
	// Use with attribute.String("provider", ...).
	RemoteDuration metric.Float64Histogram

	// --- Counters ---

	// Chunks counts processed chunks. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	Chunks metric.Int64Counter

	// CacheLookups counts per-text cache lookups. Use with attribute:
	//   attribute.String("result", CacheHit|CacheMiss)
	CacheLookups metric.Int64Counter

	// CacheWriteErrors counts failed, non-fatal cache writes.
	CacheWriteErrors metric.Int64Counter

	// RemoteRequests counts remote encoder calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	RemoteRequests metric.Int64Counter

	// RemoteTexts counts texts sent to the remote encoder.
	RemoteTexts metric.Int64Counter

	// --- Gauges ---

	// InflightChunks tracks the number of chunk operations currently running.
	InflightChunks metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks telemetry endpoint latency. Use with attributes:
	//   attribute.String("route", ...), attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for remote
// calls and whole encode runs.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.EncodeDuration, err = m.Float64Histogram("textenc.encode.duration",
		metric.WithDescription("Wall time of one encode call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RemoteDuration, err = m.Float64Histogram("textenc.remote.duration",
		metric.WithDescription("Latency of a single remote encoder call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Chunks, err = m.Int64Counter("textenc.chunks",
		metric.WithDescription("Processed chunks by status."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("textenc.cache.lookups",
		metric.WithDescription("Per-text cache lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.CacheWriteErrors, err = m.Int64Counter("textenc.cache.write_errors",
		metric.WithDescription("Failed cache writes. Non-fatal."),
	); err != nil {
		return nil, err
	}
	if met.RemoteRequests, err = m.Int64Counter("textenc.remote.requests",
		metric.WithDescription("Remote encoder calls by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.RemoteTexts, err = m.Int64Counter("textenc.remote.texts",
		metric.WithDescription("Texts sent to the remote encoder."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.InflightChunks, err = m.Int64UpDownCounter("textenc.inflight_chunks",
		metric.WithDescription("Chunk operations currently in flight."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("textenc.http.request.duration",
		metric.WithDescription("Telemetry endpoint latency by route and status."),
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

// RecordRemoteRequest records one remote encoder call of n texts.
func (m *Metrics) RecordRemoteRequest(ctx context.Context, provider, status string, n int, seconds float64) {
	m.RemoteRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
	m.RemoteDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
	if status == "ok" {
		m.RemoteTexts.Add(ctx, int64(n))
	}
}

// RecordCacheLookups records hits and misses of one batch lookup.
func (m *Metrics) RecordCacheLookups(ctx context.Context, hits, misses int) {
	if hits > 0 {
		m.CacheLookups.Add(ctx, int64(hits), metric.WithAttributes(attribute.String("result", CacheHit)))
	}
	if misses > 0 {
		m.CacheLookups.Add(ctx, int64(misses), metric.WithAttributes(attribute.String("result", CacheMiss)))
	}
}

// RecordChunk records one finished chunk.
func (m *Metrics) RecordChunk(ctx context.Context, status string) {
	m.Chunks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
