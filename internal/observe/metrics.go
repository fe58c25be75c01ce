package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all CodeCrew metrics.
const meterName = "github.com/codecrew-ai/codecrew"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per turn stage ---

	// EvaluationDuration tracks speaker-evaluation latency per participant.
	EvaluationDuration metric.Float64Histogram

	// GenerationDuration tracks response generation latency per participant.
	GenerationDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// TurnDuration tracks end-to-end turn latency from user message to
	// turn completion.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// ModelRequests counts model API calls. Use with attributes:
	//   attribute.String("participant", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ModelRequests metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// SpeakerDecisions counts evaluation outcomes. Use with attributes:
	//   attribute.String("participant", ...), attribute.String("decision", ...)
	SpeakerDecisions metric.Int64Counter

	// --- Error counters ---

	// ModelErrors counts model backend errors. Use with attributes:
	//   attribute.String("participant", ...), attribute.String("kind", ...)
	ModelErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of open chat sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveTurns tracks the number of turns currently executing.
	ActiveTurns metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// the range from sub-second evaluations to long tool-assisted generations.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.EvaluationDuration, err = m.Float64Histogram("codecrew.evaluation.duration",
		metric.WithDescription("Latency of speaker evaluation per participant."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GenerationDuration, err = m.Float64Histogram("codecrew.generation.duration",
		metric.WithDescription("Latency of response generation per participant."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("codecrew.tool_execution.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("codecrew.turn.duration",
		metric.WithDescription("End-to-end turn latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ModelRequests, err = m.Int64Counter("codecrew.model.requests",
		metric.WithDescription("Total model API requests by participant, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("codecrew.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.SpeakerDecisions, err = m.Int64Counter("codecrew.speaker.decisions",
		metric.WithDescription("Total speaker evaluation outcomes by participant and decision."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ModelErrors, err = m.Int64Counter("codecrew.model.errors",
		metric.WithDescription("Total model backend errors by participant and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("codecrew.active_sessions",
		metric.WithDescription("Number of open chat sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveTurns, err = m.Int64UpDownCounter("codecrew.active_turns",
		metric.WithDescription("Number of turns currently executing."),
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

// RecordModelRequest records a model request counter increment with the
// standard attribute set.
func (m *Metrics) RecordModelRequest(ctx context.Context, participant, kind, status string) {
	m.ModelRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("participant", participant),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordSpeakerDecision records an evaluation outcome counter increment.
func (m *Metrics) RecordSpeakerDecision(ctx context.Context, participant, decision string) {
	m.SpeakerDecisions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("participant", participant),
			attribute.String("decision", decision),
		),
	)
}

// RecordModelError records a model error counter increment.
func (m *Metrics) RecordModelError(ctx context.Context, participant, kind string) {
	m.ModelErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("participant", participant),
			attribute.String("kind", kind),
		),
	)
}
