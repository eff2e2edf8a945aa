package observe

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voxseg/internal/segment"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumValue returns the int64 sum of name, restricted to data points carrying
// attribute key=value when key is non-empty.
func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		return 0
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s is %T, want Sum[int64]", name, met.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if key != "" {
			v, ok := dp.Attributes.Value(attribute.Key(key))
			if !ok || v.AsString() != value {
				continue
			}
		}
		total += dp.Value
	}
	return total
}

func TestSessionRecorder(t *testing.T) {
	m, reader := newTestMetrics(t)
	rec := NewSessionRecorder(m)

	rec.SessionOpened("a")
	rec.SessionOpened("b")
	rec.FrameProcessed("a", segment.Result{Events: []segment.Event{
		{Type: segment.EventWarn, Msg: "boom"},
		{Type: segment.EventSegmentStart},
	}}, nil)
	rec.FrameProcessed("a", segment.Result{Events: []segment.Event{
		{Type: segment.EventSegmentEnd, DurMs: 1500, Forced: true},
	}}, nil)
	rec.FrameProcessed("a", segment.Result{}, segment.ErrInvalidFrameSize)
	rec.FrameProcessed("a", segment.Result{}, errors.New("other"))
	rec.SessionClosed("b", segment.Result{Events: []segment.Event{{Type: segment.EventSegmentDiscard}}})
	rec.SessionClosed("a", segment.Result{Events: []segment.Event{{Type: segment.EventSegmentEnd, DurMs: 500}}})

	rm := collect(t, reader)

	checks := []struct {
		name, key, value string
		want             int64
	}{
		{"voxseg.frames.processed", "", "", 2},
		{"voxseg.frames.invalid", "", "", 1},
		{"voxseg.classifier.failures", "", "", 1},
		{"voxseg.segments", "outcome", OutcomeForced, 1},
		{"voxseg.segments", "outcome", OutcomeEmitted, 1},
		{"voxseg.segments", "outcome", OutcomeDiscarded, 1},
		{"voxseg.active_sessions", "", "", 0},
	}
	for _, c := range checks {
		if got := sumValue(t, rm, c.name, c.key, c.value); got != c.want {
			t.Errorf("%s{%s=%s} = %d, want %d", c.name, c.key, c.value, got, c.want)
		}
	}

	met := findMetric(rm, "voxseg.segment.duration")
	if met == nil {
		t.Fatal("segment duration histogram not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 2 || hist.DataPoints[0].Sum != 2.0 {
		t.Errorf("segment duration = %+v, want 2 samples summing to 2s", hist.DataPoints)
	}
}

func TestRecordBreakerTransition(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordBreakerTransition(context.Background(), "energy", "open")
	m.RecordBreakerTransition(context.Background(), "energy", "open")
	m.RecordBreakerTransition(context.Background(), "energy", "closed")

	rm := collect(t, reader)
	if got := sumValue(t, rm, "voxseg.classifier.breaker.transitions", "state", "open"); got != 2 {
		t.Errorf("open transitions = %d, want 2", got)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
