// Package observe provides application-wide observability primitives for
// parley: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [Setup] and served on /metrics. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// StageDuration tracks cumulative stage latency including retries. Use
	// with attributes:
	//   attribute.String("stage", ...), attribute.String("status", ...)
	StageDuration metric.Float64Histogram

	// PipelineDuration tracks end-to-end pipeline latency.
	PipelineDuration metric.Float64Histogram

	// --- Counters ---

	// StageAttempts counts individual stage attempts. Use with attributes:
	//   attribute.String("stage", ...), attribute.String("result", ...)
	StageAttempts metric.Int64Counter

	// PipelineRuns counts finished pipelines. Use with attributes:
	//   attribute.String("status", ...), attribute.String("kind", ...)
	PipelineRuns metric.Int64Counter

	// ProviderRequests counts provider API calls made through fallback
	// groups. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// AdmissionRejections counts requests turned away for lack of capacity.
	AdmissionRejections metric.Int64Counter

	// RateLimited counts requests denied by the per-client limiter.
	RateLimited metric.Int64Counter

	// --- Gauges ---

	// ActiveConnections tracks open gateway connections.
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	meter metric.Meter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// recognition/generation/synthesis round trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.StageDuration, err = m.Float64Histogram("parley.stage.duration",
		metric.WithDescription("Cumulative latency of a pipeline stage across all attempts."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PipelineDuration, err = m.Float64Histogram("parley.pipeline.duration",
		metric.WithDescription("End-to-end latency from audio in to reply out."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.StageAttempts, err = m.Int64Counter("parley.stage.attempts",
		metric.WithDescription("Stage attempts by stage and result."),
	); err != nil {
		return nil, err
	}
	if met.PipelineRuns, err = m.Int64Counter("parley.pipeline.runs",
		metric.WithDescription("Finished pipelines by status and failure kind."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("parley.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.AdmissionRejections, err = m.Int64Counter("parley.admission.rejections",
		metric.WithDescription("Requests rejected because no pipeline slot freed in time."),
	); err != nil {
		return nil, err
	}
	if met.RateLimited, err = m.Int64Counter("parley.ratelimit.denied",
		metric.WithDescription("Requests denied by the per-client rate limiter."),
	); err != nil {
		return nil, err
	}

	if met.ActiveConnections, err = m.Int64UpDownCounter("parley.gateway.connections",
		metric.WithDescription("Number of open gateway connections."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// GaugeSources supplies the values read by the observable gauges registered
// with [Metrics.RegisterGauges]. Nil functions are skipped.
type GaugeSources struct {
	// SlotsInUse returns the number of admission slots currently held.
	SlotsInUse func() int64

	// SlotsCapacity returns the admission pool size.
	SlotsCapacity func() int64

	// Sessions returns the number of live sessions in the store.
	Sessions func() int64
}

// RegisterGauges creates observable gauges backed by src. The returned
// registration should be unregistered on shutdown.
func (m *Metrics) RegisterGauges(src GaugeSources) (metric.Registration, error) {
	inUse, err := m.meter.Int64ObservableGauge("parley.admission.in_use",
		metric.WithDescription("Pipeline slots currently held."))
	if err != nil {
		return nil, err
	}
	capacity, err := m.meter.Int64ObservableGauge("parley.admission.capacity",
		metric.WithDescription("Configured pipeline slot pool size."))
	if err != nil {
		return nil, err
	}
	sessions, err := m.meter.Int64ObservableGauge("parley.sessions.active",
		metric.WithDescription("Live sessions in the session store."))
	if err != nil {
		return nil, err
	}

	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		if src.SlotsInUse != nil {
			o.ObserveInt64(inUse, src.SlotsInUse())
		}
		if src.SlotsCapacity != nil {
			o.ObserveInt64(capacity, src.SlotsCapacity())
		}
		if src.Sessions != nil {
			o.ObserveInt64(sessions, src.Sessions())
		}
		return nil
	}, inUse, capacity, sessions)
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
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

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordStageAttempt records one attempt of stage with its result
// ("success", "timeout", "error", "empty").
func (m *Metrics) RecordStageAttempt(ctx context.Context, stage, result string) {
	m.StageAttempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("result", result),
		),
	)
}

// RecordStage records a finished stage's cumulative duration in seconds.
func (m *Metrics) RecordStage(ctx context.Context, stage, status string, seconds float64) {
	m.StageDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("status", status),
		),
	)
}

// RecordPipeline records a finished pipeline. kind is empty on success.
func (m *Metrics) RecordPipeline(ctx context.Context, status, kind string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("kind", kind),
	)
	m.PipelineRuns.Add(ctx, 1, attrs)
	m.PipelineDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("status", status)))
}
