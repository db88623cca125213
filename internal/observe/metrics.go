// Package observe provides the observability primitives of callflow:
// OpenTelemetry metrics and tracing plus HTTP middleware that ties them
// together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped via
// the Prometheus exporter bridge set up by [InitProvider]. [Metrics]
// implements pipeline.Metrics, so a session's stages report latency, usage
// and errors straight into the instruments below. Tests should use
// [NewMetrics] with a private [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/callflow/internal/pipeline"
)

// meterName is the instrumentation scope name used for all callflow metrics.
const meterName = "github.com/MrWong99/callflow"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// StageDuration tracks per-stage processing latency. Attribute: stage.
	StageDuration metric.Float64Histogram

	// StageTTFB tracks time from request to first output. Attribute: stage.
	StageTTFB metric.Float64Histogram

	// Usage accumulates billable usage. Attributes: stage, unit.
	Usage metric.Float64Counter

	// StageErrors counts errors reported by stages. Attribute: stage.
	StageErrors metric.Int64Counter

	// Turns counts completed caller turns.
	Turns metric.Int64Counter

	// SessionEvents counts session lifecycle events. Attribute: type.
	SessionEvents metric.Int64Counter

	// SessionsRejected counts calls refused at admission. Attribute: reason.
	SessionsRejected metric.Int64Counter

	// ActiveSessions tracks the number of live calls.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StageDuration, err = m.Float64Histogram("callflow.stage.duration",
		metric.WithDescription("Latency of one unit of work in a pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StageTTFB, err = m.Float64Histogram("callflow.stage.ttfb",
		metric.WithDescription("Time from request to first output byte of a pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Usage, err = m.Float64Counter("callflow.usage",
		metric.WithDescription("Provider usage by stage and unit (audio seconds, tokens, characters)."),
	); err != nil {
		return nil, err
	}
	if met.StageErrors, err = m.Int64Counter("callflow.stage.errors",
		metric.WithDescription("Errors reported by pipeline stages."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("callflow.turns",
		metric.WithDescription("Completed caller turns."),
	); err != nil {
		return nil, err
	}
	if met.SessionEvents, err = m.Int64Counter("callflow.session.events",
		metric.WithDescription("Session lifecycle events by type."),
	); err != nil {
		return nil, err
	}
	if met.SessionsRejected, err = m.Int64Counter("callflow.sessions.rejected",
		metric.WithDescription("Calls refused at admission by reason."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("callflow.active_sessions",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("callflow.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStageLatency implements pipeline.Metrics.
func (m *Metrics) RecordStageLatency(ctx context.Context, stage string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("stage", stage)))
}

// RecordTTFB implements pipeline.Metrics.
func (m *Metrics) RecordTTFB(ctx context.Context, stage string, d time.Duration) {
	m.StageTTFB.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("stage", stage)))
}

// RecordUsage implements pipeline.Metrics.
func (m *Metrics) RecordUsage(ctx context.Context, stage, unit string, amount float64) {
	m.Usage.Add(ctx, amount, metric.WithAttributes(Attr("stage", stage), Attr("unit", unit)))
}

// RecordStageError implements pipeline.Metrics.
func (m *Metrics) RecordStageError(ctx context.Context, stage string) {
	m.StageErrors.Add(ctx, 1, metric.WithAttributes(Attr("stage", stage)))
}

// RecordTurn implements pipeline.Metrics.
func (m *Metrics) RecordTurn(ctx context.Context) {
	m.Turns.Add(ctx, 1)
}

// RecordSessionEvent counts one session lifecycle event.
func (m *Metrics) RecordSessionEvent(ctx context.Context, eventType string) {
	m.SessionEvents.Add(ctx, 1, metric.WithAttributes(Attr("type", eventType)))
}

// RecordRejected counts one refused call.
func (m *Metrics) RecordRejected(ctx context.Context, reason string) {
	m.SessionsRejected.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

var _ pipeline.Metrics = (*Metrics)(nil)
