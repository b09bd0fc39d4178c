package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func newTestMetrics(t *testing.T) (*SyncMetrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewSyncMetrics(mp.Meter("test"))
	require.NoError(t, err)
	return m, reader
}

func sumFor(t *testing.T, reader *sdkmetric.ManualReader, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	want := attribute.NewSet(attrs...)
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, mm := range sm.Metrics {
			if mm.Name != name {
				continue
			}
			sum, ok := mm.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				if len(attrs) == 0 || dp.Attributes.Equals(&want) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestSyncMetrics_Records(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.CacheHit(ctx, "requests")
	m.CacheHit(ctx, "requests")
	m.CacheMiss(ctx, "requests")
	m.RequestCompleted(ctx, "GET", "success", 12*time.Millisecond)
	m.DedupJoined(ctx)
	m.DedupJoined(ctx)
	m.Poll(ctx, "notifications", "throttled")

	assert.EqualValues(t, 2, sumFor(t, reader, "dashsync.cache.lookups",
		attribute.String("store", "requests"), attribute.String("result", "hit")))
	assert.EqualValues(t, 1, sumFor(t, reader, "dashsync.cache.lookups",
		attribute.String("store", "requests"), attribute.String("result", "miss")))
	assert.EqualValues(t, 1, sumFor(t, reader, "dashsync.client.requests"))
	assert.EqualValues(t, 2, sumFor(t, reader, "dashsync.client.dedup_joins"))
	assert.EqualValues(t, 1, sumFor(t, reader, "dashsync.poller.polls",
		attribute.String("poller", "notifications"), attribute.String("result", "throttled")))
}

func TestSyncMetrics_NilIsSafe(t *testing.T) {
	var m *SyncMetrics
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.CacheHit(ctx, "x")
		m.CacheMiss(ctx, "x")
		m.RequestCompleted(ctx, "GET", "success", time.Millisecond)
		m.DedupJoined(ctx)
		m.Poll(ctx, "activity", "fetched")
	})
}

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false}, zap.NewNop())
	require.NoError(t, err)

	assert.False(t, p.IsEnabled())
	assert.NotNil(t, p.Meter("dashsync"))
	assert.NotNil(t, p.Tracer("dashsync"))
	assert.NoError(t, p.Shutdown(context.Background()))
}
