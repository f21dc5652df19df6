// Package observe provides application-wide observability primitives for
// Parlance: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parlance metrics.
const meterName = "github.com/parlancehq/parlance"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks end-of-speech to start-of-translated-audio latency
	// per relay turn.
	TurnDuration metric.Float64Histogram

	// FirstMessageDuration tracks carrier-stream-start to first greeting
	// audio latency.
	FirstMessageDuration metric.Float64Histogram

	// CorrectionDuration tracks guardrail correction latency.
	CorrectionDuration metric.Float64Histogram

	// ToolExecutionDuration tracks agent tool execution latency, built-in
	// and MCP alike.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// UpstreamRequests counts upstream realtime API requests. Use with attributes:
	//   attribute.String("session", "a"|"b"), attribute.String("status", ...)
	UpstreamRequests metric.Int64Counter

	// GuardrailTriggers counts guardrail escalations. Use with attribute:
	//   attribute.Int("level", 2|3)
	GuardrailTriggers metric.Int64Counter

	// EchoSuppressed counts speech-committed events discarded while the
	// relay itself was speaking.
	EchoSuppressed metric.Int64Counter

	// EchoBreakthroughs counts echo that survived suppression and reached a
	// session.
	EchoBreakthroughs metric.Int64Counter

	// RecoveryEvents counts upstream session drops that entered recovery.
	// Use with attribute: attribute.String("session", "a"|"b")
	RecoveryEvents metric.Int64Counter

	// ToolCalls counts agent tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// Tokens counts upstream tokens consumed. Use with attribute:
	//   attribute.String("kind", "input"|"output")
	Tokens metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live calls.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
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
	if met.TurnDuration, err = m.Float64Histogram("parlance.turn.duration",
		metric.WithDescription("Latency from end of speech to first translated audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstMessageDuration, err = m.Float64Histogram("parlance.first_message.duration",
		metric.WithDescription("Latency from carrier stream start to first greeting audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CorrectionDuration, err = m.Float64Histogram("parlance.guardrail.correction.duration",
		metric.WithDescription("Latency of guardrail corrections."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("parlance.tool_execution.duration",
		metric.WithDescription("Latency of agent tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.UpstreamRequests, err = m.Int64Counter("parlance.upstream.requests",
		metric.WithDescription("Total upstream realtime API requests by session and status."),
	); err != nil {
		return nil, err
	}
	if met.GuardrailTriggers, err = m.Int64Counter("parlance.guardrail.triggers",
		metric.WithDescription("Total guardrail escalations by level."),
	); err != nil {
		return nil, err
	}
	if met.EchoSuppressed, err = m.Int64Counter("parlance.echo.suppressed",
		metric.WithDescription("Speech commits discarded while the relay was speaking."),
	); err != nil {
		return nil, err
	}
	if met.EchoBreakthroughs, err = m.Int64Counter("parlance.echo.breakthroughs",
		metric.WithDescription("Echo that survived suppression and reached a session."),
	); err != nil {
		return nil, err
	}
	if met.RecoveryEvents, err = m.Int64Counter("parlance.recovery.events",
		metric.WithDescription("Upstream session drops that entered recovery, by session."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("parlance.tool.calls",
		metric.WithDescription("Total agent tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.Tokens, err = m.Int64Counter("parlance.upstream.tokens",
		metric.WithDescription("Upstream tokens consumed by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("parlance.active_calls",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parlance.http.request.duration",
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

// RecordUpstreamRequest records an upstream request counter increment with
// the standard attribute set.
func (m *Metrics) RecordUpstreamRequest(ctx context.Context, session, status string) {
	m.UpstreamRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("session", session),
			attribute.String("status", status),
		),
	)
}

// RecordGuardrailTrigger records one guardrail escalation.
func (m *Metrics) RecordGuardrailTrigger(ctx context.Context, level int) {
	m.GuardrailTriggers.Add(ctx, 1,
		metric.WithAttributes(attribute.Int("level", level)),
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

// RecordTokens folds one usage report into the token counters.
func (m *Metrics) RecordTokens(ctx context.Context, input, output int64) {
	m.Tokens.Add(ctx, input,
		metric.WithAttributes(attribute.String("kind", "input")))
	m.Tokens.Add(ctx, output,
		metric.WithAttributes(attribute.String("kind", "output")))
}
