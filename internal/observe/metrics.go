// Package observe provides application-wide observability primitives for
// voxpipe: OpenTelemetry metrics with a Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxpipe metrics.
const meterName = "github.com/voxpipe/voxpipe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Gauges ---

	// ActiveSessions tracks the number of live client connections.
	ActiveSessions metric.Int64UpDownCounter

	// --- Segmentation ---

	// SegmentsEmitted counts finalized speech segments handed downstream,
	// including forced cutoffs.
	SegmentsEmitted metric.Int64Counter

	// SegmentsDiscarded counts sub-minimum-duration segments dropped by the
	// noise filter.
	SegmentsDiscarded metric.Int64Counter

	// SegmentDuration tracks the duration of emitted speech segments.
	SegmentDuration metric.Float64Histogram

	// --- Turns ---

	// TurnsStarted counts turn pipeline runs.
	TurnsStarted metric.Int64Counter

	// TurnsCompleted counts turns that reached the completion marker.
	TurnsCompleted metric.Int64Counter

	// TurnsCancelled counts turns aborted by barge-in or teardown.
	TurnsCancelled metric.Int64Counter

	// TurnsFailed counts turns abandoned due to an engine failure.
	TurnsFailed metric.Int64Counter

	// BargeIns counts cancellations triggered by a new segment arriving
	// while audio was playing.
	BargeIns metric.Int64Counter

	// FirstAudioLatency tracks the time from turn start to the first audio
	// frame reaching the transport.
	FirstAudioLatency metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voxpipe.sessions.active",
		metric.WithDescription("Number of live client connections."),
	); err != nil {
		return nil, err
	}

	if met.SegmentsEmitted, err = m.Int64Counter("voxpipe.segments.emitted",
		metric.WithDescription("Total finalized speech segments, including forced cutoffs."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsDiscarded, err = m.Int64Counter("voxpipe.segments.discarded",
		metric.WithDescription("Total sub-minimum-duration segments dropped as noise."),
	); err != nil {
		return nil, err
	}
	if met.SegmentDuration, err = m.Float64Histogram("voxpipe.segment.duration",
		metric.WithDescription("Duration of emitted speech segments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.TurnsStarted, err = m.Int64Counter("voxpipe.turns.started",
		metric.WithDescription("Total turn pipeline runs."),
	); err != nil {
		return nil, err
	}
	if met.TurnsCompleted, err = m.Int64Counter("voxpipe.turns.completed",
		metric.WithDescription("Total turns that reached the completion marker."),
	); err != nil {
		return nil, err
	}
	if met.TurnsCancelled, err = m.Int64Counter("voxpipe.turns.cancelled",
		metric.WithDescription("Total turns aborted by barge-in or teardown."),
	); err != nil {
		return nil, err
	}
	if met.TurnsFailed, err = m.Int64Counter("voxpipe.turns.failed",
		metric.WithDescription("Total turns abandoned due to an engine failure."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voxpipe.bargeins",
		metric.WithDescription("Total cancellations triggered by a new segment while playing."),
	); err != nil {
		return nil, err
	}
	if met.FirstAudioLatency, err = m.Float64Histogram("voxpipe.turn.first_audio_latency",
		metric.WithDescription("Time from turn start to the first audio frame on the transport."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
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
