// Package observe provides application-wide observability primitives for
// Voxline: OpenTelemetry metrics and the Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Voxline metrics.
const meterName = "github.com/voxline/voxline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per turn stage ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks reply-generation latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// TurnDuration tracks end-to-end turn latency from utterance boundary
	// to the start of reply delivery.
	TurnDuration metric.Float64Histogram

	// PoolWaitDuration tracks how long turns waited for a recognition
	// worker.
	PoolWaitDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed conversational turns. Use with attribute:
	//   attribute.String("status", "ok" | "fallback")
	Turns metric.Int64Counter

	// PoolExhausted counts acquisitions that timed out with every worker
	// busy.
	PoolExhausted metric.Int64Counter

	// PipelineErrors counts turn-stage failures. Use with attribute:
	//   attribute.String("stage", "transcribing" | "generating" | "synthesizing")
	PipelineErrors metric.Int64Counter

	// DroppedFrames counts inbound frames discarded as malformed.
	DroppedFrames metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live call sessions.
	ActiveCalls metric.Int64UpDownCounter

	// BusyWorkers tracks the number of recognition workers currently held
	// by a turn.
	BusyWorkers metric.Int64UpDownCounter
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

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("voxline.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("voxline.llm.duration",
		metric.WithDescription("Latency of reply generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("voxline.tts.duration",
		metric.WithDescription("Latency of speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("voxline.turn.duration",
		metric.WithDescription("End-to-end turn latency from utterance boundary to reply delivery."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PoolWaitDuration, err = m.Float64Histogram("voxline.pool.wait.duration",
		metric.WithDescription("Time spent waiting to acquire a recognition worker."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("voxline.turns",
		metric.WithDescription("Total conversational turns by status."),
	); err != nil {
		return nil, err
	}
	if met.PoolExhausted, err = m.Int64Counter("voxline.pool.exhausted",
		metric.WithDescription("Total worker acquisitions that timed out."),
	); err != nil {
		return nil, err
	}
	if met.PipelineErrors, err = m.Int64Counter("voxline.pipeline.errors",
		metric.WithDescription("Total turn-stage failures by stage."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("voxline.audio.dropped_frames",
		metric.WithDescription("Total inbound frames discarded as malformed."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("voxline.active_calls",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}
	if met.BusyWorkers, err = m.Int64UpDownCounter("voxline.pool.busy_workers",
		metric.WithDescription("Number of recognition workers currently held."),
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

// RecordTurn records a completed turn with its status attribute.
func (m *Metrics) RecordTurn(ctx context.Context, status string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordPipelineError records a turn-stage failure with its stage attribute.
func (m *Metrics) RecordPipelineError(ctx context.Context, stage string) {
	m.PipelineErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}
