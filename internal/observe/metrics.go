// Package observe provides the observability primitives for voxseg:
// OpenTelemetry metrics, tracing, trace-aware logging, and HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and bridged to
// Prometheus by [InitProvider], so they are scraped from /metrics. Tests
// should build their own [Metrics] with [NewMetrics] and an
// sdkmetric.ManualReader instead of using [DefaultMetrics].
package observe

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxseg/internal/segment"
)

// meterName is the instrumentation scope name used for all voxseg metrics.
const meterName = "github.com/MrWong99/voxseg"

// Segment outcomes used as the "outcome" attribute of [Metrics.Segments].
const (
	OutcomeEmitted   = "emitted"
	OutcomeForced    = "forced"
	OutcomeDiscarded = "discarded"
)

// Metrics holds all OpenTelemetry instruments of the service. The underlying
// OTel types handle their own synchronisation.
type Metrics struct {
	// FramesProcessed counts frames accepted by a segmentation engine.
	FramesProcessed metric.Int64Counter

	// InvalidFrames counts frames rejected for their size.
	InvalidFrames metric.Int64Counter

	// Segments counts closed segments. Use with attribute:
	//   attribute.String("outcome", OutcomeEmitted|OutcomeForced|OutcomeDiscarded)
	Segments metric.Int64Counter

	// SegmentDuration tracks the duration of emitted segments.
	SegmentDuration metric.Float64Histogram

	// ClassifierFailures counts frames for which no usable decision was
	// produced and silence was assumed.
	ClassifierFailures metric.Int64Counter

	// BreakerTransitions counts classifier circuit breaker state changes. Use
	// with attributes:
	//   attribute.String("backend", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// ActiveSessions tracks the number of live segmentation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// segmentBuckets are histogram boundaries in seconds for speech segments.
var segmentBuckets = []float64{
	0.25, 0.5, 1, 2, 4, 8, 15, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesProcessed, err = m.Int64Counter("voxseg.frames.processed",
		metric.WithDescription("Frames accepted by segmentation engines."),
	); err != nil {
		return nil, err
	}
	if met.InvalidFrames, err = m.Int64Counter("voxseg.frames.invalid",
		metric.WithDescription("Frames rejected because of their byte length."),
	); err != nil {
		return nil, err
	}
	if met.Segments, err = m.Int64Counter("voxseg.segments",
		metric.WithDescription("Closed segments by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SegmentDuration, err = m.Float64Histogram("voxseg.segment.duration",
		metric.WithDescription("Duration of emitted speech segments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(segmentBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ClassifierFailures, err = m.Int64Counter("voxseg.classifier.failures",
		metric.WithDescription("Frames classified as silence because the classifier failed."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("voxseg.classifier.breaker.transitions",
		metric.WithDescription("Classifier circuit breaker state changes by backend and new state."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxseg.active_sessions",
		metric.WithDescription("Number of live segmentation sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxseg.http.request.duration",
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

// DefaultMetrics returns the package-level [Metrics] instance, created on
// first use from [otel.GetMeterProvider]. Panics if instrument creation fails.
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

// RecordResult records the frame and event counters for one engine call.
func (m *Metrics) RecordResult(ctx context.Context, res segment.Result) {
	for _, ev := range res.Events {
		switch ev.Type {
		case segment.EventWarn:
			m.ClassifierFailures.Add(ctx, 1)
		case segment.EventSegmentDiscard:
			m.Segments.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", OutcomeDiscarded)))
		case segment.EventSegmentEnd:
			outcome := OutcomeEmitted
			if ev.Forced {
				outcome = OutcomeForced
			}
			m.Segments.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
			m.SegmentDuration.Record(ctx, float64(ev.DurMs)/1000)
		}
	}
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, backend, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("state", state),
		),
	)
}

// SessionRecorder feeds session lifecycle notifications into [Metrics]. It
// satisfies session.Observer.
type SessionRecorder struct {
	m *Metrics
}

// NewSessionRecorder returns a SessionRecorder writing to m.
func NewSessionRecorder(m *Metrics) *SessionRecorder {
	return &SessionRecorder{m: m}
}

// SessionOpened increments the active session gauge.
func (r *SessionRecorder) SessionOpened(string) {
	r.m.ActiveSessions.Add(context.Background(), 1)
}

// FrameProcessed records one dispatched frame.
func (r *SessionRecorder) FrameProcessed(_ string, res segment.Result, err error) {
	ctx := context.Background()
	switch {
	case errors.Is(err, segment.ErrInvalidFrameSize):
		r.m.InvalidFrames.Add(ctx, 1)
		return
	case err != nil:
		return
	}
	r.m.FramesProcessed.Add(ctx, 1)
	r.m.RecordResult(ctx, res)
}

// SessionClosed records the flush result and decrements the gauge.
func (r *SessionRecorder) SessionClosed(_ string, res segment.Result) {
	ctx := context.Background()
	r.m.RecordResult(ctx, res)
	r.m.ActiveSessions.Add(ctx, -1)
}
