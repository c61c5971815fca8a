// Package observe provides application-wide observability primitives for
// Duplexion: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Duplexion metrics.
const meterName = "github.com/liveproxy/duplexion"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Segmentation engine (C6) ---

	// SegmentCommits counts emitted SEGMENT_COMMIT events. Use with
	// attribute.String("session_id", ...).
	SegmentCommits metric.Int64Counter

	// TurnCommits counts emitted TURN_COMMIT events.
	TurnCommits metric.Int64Counter

	// SegmentDroppedAudio counts segmentedAudioQueue entries dropped on
	// overflow (maxPendingSegments exceeded).
	SegmentDroppedAudio metric.Int64Counter

	// SegmentDuration tracks per-segment audio duration in milliseconds.
	SegmentDuration metric.Float64Histogram

	// --- Join scheduler (C10) ---

	// JoinCrossfadeMs tracks the chosen crossfade length at each chunk join.
	JoinCrossfadeMs metric.Float64Histogram

	// --- Player core (C9) ---

	// PlayerUnderruns counts underrun episodes.
	PlayerUnderruns metric.Int64Counter

	// PlayerDroppedChunks counts pushes dropped for being epoch-stale.
	PlayerDroppedChunks metric.Int64Counter

	// --- Adaptive rate limiter (C3) ---

	// RateLimiterPenaltyLevel tracks the current penalty level (0-5).
	RateLimiterPenaltyLevel metric.Int64UpDownCounter

	// --- Exponential backoff (C4) / upstream session (C8) ---

	// BackoffAttempts tracks the reconnect attempt counter at each retry.
	BackoffAttempts metric.Float64Histogram

	// UpstreamReconnects counts upstream reconnects by reason
	// (attribute.String("reason", "retryable"|"planned")).
	UpstreamReconnects metric.Int64Counter

	// --- Sessions ---

	// ActiveSessions tracks the number of live proxy sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in milliseconds)
// suited to segment/crossfade/backoff magnitudes.
var latencyBuckets = []float64{
	5, 10, 20, 50, 100, 250, 500, 1000, 2500, 5000, 15000,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SegmentCommits, err = m.Int64Counter("duplexion.segment.commits",
		metric.WithDescription("Total SEGMENT_COMMIT events emitted."),
	); err != nil {
		return nil, err
	}
	if met.TurnCommits, err = m.Int64Counter("duplexion.turn.commits",
		metric.WithDescription("Total TURN_COMMIT events emitted."),
	); err != nil {
		return nil, err
	}
	if met.SegmentDroppedAudio, err = m.Int64Counter("duplexion.segment.dropped_audio",
		metric.WithDescription("Pending audio segments dropped on queue overflow."),
	); err != nil {
		return nil, err
	}
	if met.SegmentDuration, err = m.Float64Histogram("duplexion.segment.duration",
		metric.WithDescription("Per-segment audio duration."),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.JoinCrossfadeMs, err = m.Float64Histogram("duplexion.player.join_crossfade",
		metric.WithDescription("Crossfade length chosen at each chunk join."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}

	if met.PlayerUnderruns, err = m.Int64Counter("duplexion.player.underruns",
		metric.WithDescription("Total player underrun episodes."),
	); err != nil {
		return nil, err
	}
	if met.PlayerDroppedChunks, err = m.Int64Counter("duplexion.player.dropped_chunks",
		metric.WithDescription("Total pushed chunks dropped as epoch-stale."),
	); err != nil {
		return nil, err
	}

	if met.RateLimiterPenaltyLevel, err = m.Int64UpDownCounter("duplexion.ratelimit.penalty_level",
		metric.WithDescription("Current adaptive rate limiter penalty level."),
	); err != nil {
		return nil, err
	}

	if met.BackoffAttempts, err = m.Float64Histogram("duplexion.upstream.backoff_attempts",
		metric.WithDescription("Reconnect attempt counter observed at each retry."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamReconnects, err = m.Int64Counter("duplexion.upstream.reconnects",
		metric.WithDescription("Total upstream reconnects by reason."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("duplexion.active_sessions",
		metric.WithDescription("Number of live proxy sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("duplexion.http.request.duration",
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

// RecordSegmentCommit is a convenience method recording one SEGMENT_COMMIT
// with its duration.
func (m *Metrics) RecordSegmentCommit(ctx context.Context, sessionID string, durationMs int) {
	m.SegmentCommits.Add(ctx, 1, metric.WithAttributes(attribute.String("session_id", sessionID)))
	m.SegmentDuration.Record(ctx, float64(durationMs), metric.WithAttributes(attribute.String("session_id", sessionID)))
}

// RecordTurnCommit is a convenience method recording one TURN_COMMIT.
func (m *Metrics) RecordTurnCommit(ctx context.Context, sessionID string) {
	m.TurnCommits.Add(ctx, 1, metric.WithAttributes(attribute.String("session_id", sessionID)))
}

// RecordUpstreamReconnect is a convenience method recording a reconnect by
// reason ("retryable" or "planned") with the attempt count observed.
func (m *Metrics) RecordUpstreamReconnect(ctx context.Context, reason string, attempt int) {
	m.UpstreamReconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.BackoffAttempts.Record(ctx, float64(attempt))
}
