// Package observe provides application-wide observability primitives for
// voxbridge: OpenTelemetry metrics, tracing helpers, and HTTP middleware that
// ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported via
// the Prometheus bridge set up by [InitProvider], so everything lands on the
// standard /metrics endpoint. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with their own [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxbridge metrics.
const meterName = "github.com/voxbridge/voxbridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// The underlying OTel types handle their own synchronisation, so all fields
// are safe for concurrent use.
type Metrics struct {
	// --- Relay data plane ---

	// FramesRelayed counts audio frames accepted into a section pipeline.
	// Use with attribute.String("section_id", ...).
	FramesRelayed metric.Int64Counter

	// FramesDropped counts frames evicted from receiver buffers under
	// backpressure. Use with attribute.String("section_id", ...).
	FramesDropped metric.Int64Counter

	// RelayWriteDuration tracks the time spent writing one audio frame to a
	// relay endpoint.
	RelayWriteDuration metric.Float64Histogram

	// --- Orchestration ---

	// ActiveSections tracks the number of active broadcast sections.
	ActiveSections metric.Int64UpDownCounter

	// ActiveWorkers tracks running audio workers. Use with
	// attribute.String("role", ...).
	ActiveWorkers metric.Int64UpDownCounter

	// WorkerRestarts counts supervised restart attempts. Use with
	// attribute.String("role", ...).
	WorkerRestarts metric.Int64Counter

	// SpawnDuration tracks how long worker spawns take, handshake included.
	// Use with attribute.String("role", ...) and
	// attribute.String("status", ...).
	SpawnDuration metric.Float64Histogram

	// --- Admission ---

	// AdmissionDenials counts broadcasts refused for exceeding the guild's
	// listener limit. Use with attribute.String("tier", ...).
	AdmissionDenials metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks ops-endpoint request processing time. Use
	// with attribute.String("method", ...), attribute.String("path", ...).
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// both sub-millisecond relay writes and multi-second worker spawns.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Data-plane counters.
	if met.FramesRelayed, err = m.Int64Counter("voxbridge.frames.relayed",
		metric.WithDescription("Total audio frames accepted into section pipelines."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voxbridge.frames.dropped",
		metric.WithDescription("Total frames evicted from receiver buffers under backpressure."),
	); err != nil {
		return nil, err
	}
	if met.RelayWriteDuration, err = m.Float64Histogram("voxbridge.relay.write.duration",
		metric.WithDescription("Time spent writing one frame to a relay endpoint."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Orchestration.
	if met.ActiveSections, err = m.Int64UpDownCounter("voxbridge.sections.active",
		metric.WithDescription("Number of active broadcast sections."),
	); err != nil {
		return nil, err
	}
	if met.ActiveWorkers, err = m.Int64UpDownCounter("voxbridge.workers.active",
		metric.WithDescription("Number of running audio workers by role."),
	); err != nil {
		return nil, err
	}
	if met.WorkerRestarts, err = m.Int64Counter("voxbridge.worker.restarts",
		metric.WithDescription("Total supervised worker restart attempts by role."),
	); err != nil {
		return nil, err
	}
	if met.SpawnDuration, err = m.Float64Histogram("voxbridge.worker.spawn.duration",
		metric.WithDescription("Worker spawn latency by role and status, handshake included."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Admission.
	if met.AdmissionDenials, err = m.Int64Counter("voxbridge.admission.denials",
		metric.WithDescription("Total broadcasts refused by the admission controller, by tier."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
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

// RecordFrameRelayed records one frame accepted into a section's pipeline.
func (m *Metrics) RecordFrameRelayed(ctx context.Context, sectionID string) {
	m.FramesRelayed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("section_id", sectionID)),
	)
}

// RecordFrameDropped records one frame evicted from a receiver buffer.
func (m *Metrics) RecordFrameDropped(ctx context.Context, sectionID string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("section_id", sectionID)),
	)
}

// RecordWorkerRestart records one supervised restart attempt.
func (m *Metrics) RecordWorkerRestart(ctx context.Context, role string) {
	m.WorkerRestarts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", role)),
	)
}

// RecordAdmissionDenial records one refused broadcast.
func (m *Metrics) RecordAdmissionDenial(ctx context.Context, tier string) {
	m.AdmissionDenials.Add(ctx, 1,
		metric.WithAttributes(attribute.String("tier", tier)),
	)
}
