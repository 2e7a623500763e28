// Package observe carries pitchline's observability: OpenTelemetry metric
// instruments, tracing helpers, and the HTTP middleware tying both to
// requests.
//
// Instruments record through the OTel Metrics API; [InitProvider] bridges
// them to a Prometheus exporter so the ordinary /metrics endpoint serves
// them. [DefaultMetrics] is the process-wide instance; tests pass their own
// [metric.MeterProvider] to [NewMetrics] so readings stay isolated.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all pitchline metrics.
const meterName = "github.com/quindar/pitchline"

// Metrics bundles every instrument the pipeline and HTTP surface record to.
// The OTel instrument types synchronise internally, so one Metrics value is
// shared across goroutines.
type Metrics struct {
	// FramesCaptured counts audio frames delivered by the capture backend.
	// Use with attribute: attribute.String("backend", ...)
	FramesCaptured metric.Int64Counter

	// FramesDropped counts frames the ring buffer discarded because the
	// analysis loop fell behind.
	FramesDropped metric.Int64Counter

	// WindowsAnalyzed counts analysis windows pushed through the estimator.
	// Use with attribute: attribute.Bool("detected", ...)
	WindowsAnalyzed metric.Int64Counter

	// AnalysisDuration tracks the latency of one full window analysis
	// (conditioning, spectrum, product, mapping).
	AnalysisDuration metric.Float64Histogram

	// EstimateConfidence tracks the confidence of non-silent estimates.
	EstimateConfidence metric.Float64Histogram

	// StreamSubscribers tracks the number of connected result stream
	// subscribers.
	StreamSubscribers metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// analysisBuckets defines histogram bucket boundaries (in seconds) sized for
// per-window analysis work, which completes in well under a hop interval.
var analysisBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
}

// confidenceBuckets covers the [0, 1] confidence range with finer resolution
// near the acceptance region.
var confidenceBuckets = []float64{
	0.1, 0.25, 0.5, 0.75, 0.9, 0.95, 0.99,
}

// NewMetrics registers every instrument on the given provider's meter.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesCaptured, err = m.Int64Counter("pitchline.frames.captured",
		metric.WithDescription("Total audio frames delivered by the capture backend."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("pitchline.frames.dropped",
		metric.WithDescription("Total frames discarded by the ring buffer under backpressure."),
	); err != nil {
		return nil, err
	}
	if met.WindowsAnalyzed, err = m.Int64Counter("pitchline.windows.analyzed",
		metric.WithDescription("Total analysis windows processed, by detection outcome."),
	); err != nil {
		return nil, err
	}

	if met.AnalysisDuration, err = m.Float64Histogram("pitchline.analysis.duration",
		metric.WithDescription("Latency of one window analysis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(analysisBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EstimateConfidence, err = m.Float64Histogram("pitchline.estimate.confidence",
		metric.WithDescription("Confidence of non-silent pitch estimates."),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(confidenceBuckets...),
	); err != nil {
		return nil, err
	}

	if met.StreamSubscribers, err = m.Int64UpDownCounter("pitchline.stream.subscribers",
		metric.WithDescription("Number of connected result stream subscribers."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("pitchline.http.request.duration",
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

// DefaultMetrics returns the process-wide [Metrics], built lazily on the
// global meter provider. Panics if instrument creation fails, which the
// global provider never does.
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

// RecordFrames records frames delivered by the named capture backend.
func (m *Metrics) RecordFrames(ctx context.Context, backend string, n int64) {
	m.FramesCaptured.Add(ctx, n,
		metric.WithAttributes(attribute.String("backend", backend)),
	)
}

// RecordDroppedFrames records frames lost to ring buffer overflow.
func (m *Metrics) RecordDroppedFrames(ctx context.Context, n int64) {
	m.FramesDropped.Add(ctx, n)
}

// RecordAnalysis records one window analysis: its outcome, its latency, and
// (for detections) the estimate confidence.
func (m *Metrics) RecordAnalysis(ctx context.Context, detected bool, seconds, confidence float64) {
	m.WindowsAnalyzed.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("detected", detected)),
	)
	m.AnalysisDuration.Record(ctx, seconds)
	if detected {
		m.EstimateConfidence.Record(ctx, confidence)
	}
}
