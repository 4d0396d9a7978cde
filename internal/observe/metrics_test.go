package observe_test

import (
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/voxpipe/voxpipe/internal/observe"
)

func TestNewMetricsCreatesAllInstruments(t *testing.T) {
	t.Parallel()

	mp := sdkmetric.NewMeterProvider()
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.ActiveSessions == nil || m.SegmentsEmitted == nil || m.SegmentsDiscarded == nil ||
		m.SegmentDuration == nil || m.TurnsStarted == nil || m.TurnsCompleted == nil ||
		m.TurnsCancelled == nil || m.TurnsFailed == nil || m.BargeIns == nil ||
		m.FirstAudioLatency == nil {
		t.Fatal("NewMetrics left an instrument nil")
	}
}

func TestMetricsRecordAndCollect(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	ctx := t.Context()
	m.ActiveSessions.Add(ctx, 1)
	m.SegmentsEmitted.Add(ctx, 3)
	m.SegmentDuration.Record(ctx, 1.5)
	m.BargeIns.Add(ctx, 1)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(rm.ScopeMetrics) == 0 {
		t.Fatal("no scope metrics collected")
	}

	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, inst := range sm.Metrics {
			names[inst.Name] = true
		}
	}
	for _, want := range []string{
		"voxpipe.sessions.active",
		"voxpipe.segments.emitted",
		"voxpipe.segment.duration",
		"voxpipe.bargeins",
	} {
		if !names[want] {
			t.Errorf("metric %q not collected; got %v", want, names)
		}
	}
}

func TestDefaultMetricsReturnsSameInstance(t *testing.T) {
	t.Parallel()

	a := observe.DefaultMetrics()
	b := observe.DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different instances")
	}
}
