// Package observe provides observability primitives for review sessions:
// OpenTelemetry metrics and tracing, the slog logger backend, and HTTP
// middleware for the health and metrics endpoints.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by [InitProvider]. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with their own [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/MoPaMo/anki-gemini-live"

// Audio directions used as the "direction" attribute.
const (
	DirectionCapture  = "capture"
	DirectionSend     = "send"
	DirectionReceive  = "receive"
	DirectionPlayback = "playback"
)

// Metrics holds every instrument. All fields are safe for concurrent use.
type Metrics struct {
	// --- Audio path ---

	// Frames counts audio frames moved along each leg of the duplex path.
	// Attribute: direction (capture, send, receive, playback).
	Frames metric.Int64Counter

	// FramesDropped counts frames rejected by a full or closed queue.
	// Attribute: direction.
	FramesDropped metric.Int64Counter

	// --- Transport ---

	// ConnectDuration tracks how long dialing the endpoint took.
	ConnectDuration metric.Float64Histogram

	// ControlMessages counts control messages written. Attribute: kind.
	ControlMessages metric.Int64Counter

	// ParseErrors counts server frames skipped as malformed.
	ParseErrors metric.Int64Counter

	// TransportErrors counts fatal transport errors. Attribute: kind
	// (connect, send, receive, server).
	TransportErrors metric.Int64Counter

	// --- Review ---

	// StateTransitions counts controller state changes. Attribute: state.
	StateTransitions metric.Int64Counter

	// Ratings counts recorded card ratings. Attribute: rating.
	Ratings metric.Int64Counter

	// SessionDuration tracks the lifetime of review sessions.
	SessionDuration metric.Float64Histogram

	// ActiveSessions tracks the number of live review sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks request latency. Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds for network latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets are histogram boundaries in seconds for whole sessions.
var sessionBuckets = []float64{
	10, 30, 60, 120, 300, 600, 1200, 1800, 3600,
}

// NewMetrics creates a [Metrics] using mp. It returns an error if any
// instrument cannot be created.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Frames, err = m.Int64Counter("ankilive.audio.frames",
		metric.WithDescription("Audio frames moved, by direction."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("ankilive.audio.frames_dropped",
		metric.WithDescription("Audio frames dropped by a full or closed queue, by direction."),
	); err != nil {
		return nil, err
	}

	if met.ConnectDuration, err = m.Float64Histogram("ankilive.transport.connect.duration",
		metric.WithDescription("Latency of establishing the live connection."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ControlMessages, err = m.Int64Counter("ankilive.transport.control_messages",
		metric.WithDescription("Control messages written, by kind."),
	); err != nil {
		return nil, err
	}
	if met.ParseErrors, err = m.Int64Counter("ankilive.transport.parse_errors",
		metric.WithDescription("Server frames skipped because they could not be decoded."),
	); err != nil {
		return nil, err
	}
	if met.TransportErrors, err = m.Int64Counter("ankilive.transport.errors",
		metric.WithDescription("Fatal transport errors, by kind."),
	); err != nil {
		return nil, err
	}

	if met.StateTransitions, err = m.Int64Counter("ankilive.review.state_transitions",
		metric.WithDescription("Review controller state transitions, by target state."),
	); err != nil {
		return nil, err
	}
	if met.Ratings, err = m.Int64Counter("ankilive.review.ratings",
		metric.WithDescription("Card ratings recorded, by rating."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("ankilive.review.session.duration",
		metric.WithDescription("Lifetime of review sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("ankilive.review.active_sessions",
		metric.WithDescription("Number of live review sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("ankilive.http.request.duration",
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

// DefaultMetrics returns the package-level [Metrics], created on first call
// from [otel.GetMeterProvider]. Panics if instrument creation fails, which
// does not happen with the global provider.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrame counts one frame moved in direction.
func (m *Metrics) RecordFrame(ctx context.Context, direction string) {
	m.Frames.Add(ctx, 1, metric.WithAttributes(Attr("direction", direction)))
}

// RecordDrop counts one frame dropped in direction.
func (m *Metrics) RecordDrop(ctx context.Context, direction string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(Attr("direction", direction)))
}

// RecordControl counts one control message of kind written.
func (m *Metrics) RecordControl(ctx context.Context, kind string) {
	m.ControlMessages.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

// RecordTransportError counts one fatal transport error of kind.
func (m *Metrics) RecordTransportError(ctx context.Context, kind string) {
	m.TransportErrors.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

// RecordTransition counts one controller transition into state.
func (m *Metrics) RecordTransition(ctx context.Context, state string) {
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(Attr("state", state)))
}

// RecordRating counts one recorded rating.
func (m *Metrics) RecordRating(ctx context.Context, rating string) {
	m.Ratings.Add(ctx, 1, metric.WithAttributes(Attr("rating", rating)))
}
