// Package observe provides application-wide observability primitives for
// callbridge: OpenTelemetry metrics, distributed tracing, trace-aware
// structured logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped from /metrics. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all callbridge metrics.
const meterName = "github.com/MrWong99/callbridge"

// Audio directions used as the "direction" attribute.
const (
	DirectionToAI     = "caller_to_ai"
	DirectionToCaller = "ai_to_caller"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Sessions ---

	// ActiveSessions tracks the number of live relay sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionsClosed counts finished sessions. Use with attribute:
	//   attribute.String("reason", ...)
	SessionsClosed metric.Int64Counter

	// SessionDuration tracks the lifetime of relay sessions.
	SessionDuration metric.Float64Histogram

	// --- AI leg ---

	// NegotiationDuration tracks how long opening and configuring the AI leg
	// takes. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	NegotiationDuration metric.Float64Histogram

	// AIErrors counts AI leg failures. Use with attribute:
	//   attribute.String("kind", "handshake"|"event"|"closed")
	AIErrors metric.Int64Counter

	// --- Audio ---

	// FramesForwarded counts audio messages relayed between legs. Use with
	// attribute:
	//   attribute.String("direction", DirectionToAI|DirectionToCaller)
	FramesForwarded metric.Int64Counter

	// FramesDropped counts audio messages that were not relayed. Use with
	// attributes:
	//   attribute.String("direction", ...), attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// RemainderBytes counts trailing AI audio bytes discarded by framing.
	RemainderBytes metric.Int64Counter

	// --- Control ---

	// DTMFEvents counts keypad presses. Use with attribute:
	//   attribute.String("digit", ...)
	DTMFEvents metric.Int64Counter

	// BreakerTransitions counts realtime circuit breaker state changes. Use
	// with attribute:
	//   attribute.String("to", "open"|"half-open"|"closed")
	BreakerTransitions metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request time, including the whole call
	// for upgraded requests. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.Bool("upgraded", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// AI handshake latency.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30,
}

// durationBuckets defines histogram bucket boundaries (in seconds) for call
// lengths.
var durationBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("callbridge.active_sessions",
		metric.WithDescription("Number of live relay sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionsClosed, err = m.Int64Counter("callbridge.sessions.closed",
		metric.WithDescription("Total finished relay sessions by close reason."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("callbridge.session.duration",
		metric.WithDescription("Lifetime of relay sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}

	if met.NegotiationDuration, err = m.Float64Histogram("callbridge.negotiation.duration",
		metric.WithDescription("Latency of opening and configuring the AI leg."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AIErrors, err = m.Int64Counter("callbridge.ai.errors",
		metric.WithDescription("Total AI leg failures by kind."),
	); err != nil {
		return nil, err
	}

	if met.FramesForwarded, err = m.Int64Counter("callbridge.audio.forwarded",
		metric.WithDescription("Total audio messages relayed by direction."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("callbridge.audio.dropped",
		metric.WithDescription("Total audio messages dropped by direction and reason."),
	); err != nil {
		return nil, err
	}
	if met.RemainderBytes, err = m.Int64Counter("callbridge.audio.remainder_bytes",
		metric.WithDescription("Trailing AI audio bytes discarded by fixed-size framing."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if met.DTMFEvents, err = m.Int64Counter("callbridge.dtmf.events",
		metric.WithDescription("Total DTMF keypad events by digit."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("callbridge.ai.breaker.transitions",
		metric.WithDescription("Realtime circuit breaker state changes by target state."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("callbridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route pattern."),
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

// RecordSessionClosed records a finished session with its close reason and
// lifetime in seconds.
func (m *Metrics) RecordSessionClosed(ctx context.Context, reason string, seconds float64) {
	m.SessionsClosed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.SessionDuration.Record(ctx, seconds)
}

// RecordNegotiation records an AI handshake attempt.
func (m *Metrics) RecordNegotiation(ctx context.Context, seconds float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		m.RecordAIError(ctx, "handshake")
	}
	m.NegotiationDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("status", status)))
}

// RecordAIError records an AI leg failure of the given kind.
func (m *Metrics) RecordAIError(ctx context.Context, kind string) {
	m.AIErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordForwarded records n audio messages relayed in direction.
func (m *Metrics) RecordForwarded(ctx context.Context, direction string, n int) {
	if n <= 0 {
		return
	}
	m.FramesForwarded.Add(ctx, int64(n), metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordDropped records one audio message dropped in direction for reason.
func (m *Metrics) RecordDropped(ctx context.Context, direction, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("reason", reason),
		),
	)
}

// RecordRemainder records n trailing bytes discarded by framing.
func (m *Metrics) RecordRemainder(ctx context.Context, n int) {
	if n <= 0 {
		return
	}
	m.RemainderBytes.Add(ctx, int64(n))
}

// RecordDTMF records a keypad press.
func (m *Metrics) RecordDTMF(ctx context.Context, digit string) {
	m.DTMFEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("digit", digit)))
}

// RecordBreakerTransition records the realtime circuit breaker entering state
// to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", to)))
}
