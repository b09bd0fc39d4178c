package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SyncMetrics groups the instruments recorded by the cache, request client
// and pollers. A nil *SyncMetrics records nothing.
type SyncMetrics struct {
	cacheLookups    metric.Int64Counter
	requests        metric.Int64Counter
	requestDuration metric.Float64Histogram
	dedupJoins      metric.Int64Counter
	polls           metric.Int64Counter
}

// NewSyncMetrics registers the sync-layer instruments on meter.
func NewSyncMetrics(meter metric.Meter) (*SyncMetrics, error) {
	m := &SyncMetrics{}
	var err error

	if m.cacheLookups, err = meter.Int64Counter("dashsync.cache.lookups",
		metric.WithDescription("Cache lookups by store and result")); err != nil {
		return nil, err
	}
	if m.requests, err = meter.Int64Counter("dashsync.client.requests",
		metric.WithDescription("Network calls by method and outcome")); err != nil {
		return nil, err
	}
	if m.requestDuration, err = meter.Float64Histogram("dashsync.client.request.duration",
		metric.WithDescription("Network call duration"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.dedupJoins, err = meter.Int64Counter("dashsync.client.dedup_joins",
		metric.WithDescription("Callers served by an already in-flight request")); err != nil {
		return nil, err
	}
	if m.polls, err = meter.Int64Counter("dashsync.poller.polls",
		metric.WithDescription("Poller refresh attempts by poller and result")); err != nil {
		return nil, err
	}
	return m, nil
}

// CacheHit records a fresh cache read
func (m *SyncMetrics) CacheHit(ctx context.Context, store string) {
	m.cacheLookup(ctx, store, "hit")
}

// CacheMiss records an absent or expired cache read
func (m *SyncMetrics) CacheMiss(ctx context.Context, store string) {
	m.cacheLookup(ctx, store, "miss")
}

func (m *SyncMetrics) cacheLookup(ctx context.Context, store, result string) {
	if m == nil {
		return
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("store", store),
		attribute.String("result", result),
	))
}

// RequestCompleted records a settled network call
func (m *SyncMetrics) RequestCompleted(ctx context.Context, method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("outcome", outcome),
	)
	m.requests.Add(ctx, 1, attrs)
	m.requestDuration.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
}

// DedupJoined records a caller that shared another caller's network call
func (m *SyncMetrics) DedupJoined(ctx context.Context) {
	if m == nil {
		return
	}
	m.dedupJoins.Add(ctx, 1)
}

// Poll records a poller refresh attempt. result is one of fetched, throttled,
// rate_limited or failed.
func (m *SyncMetrics) Poll(ctx context.Context, poller, result string) {
	if m == nil {
		return
	}
	m.polls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("poller", poller),
		attribute.String("result", result),
	))
}
