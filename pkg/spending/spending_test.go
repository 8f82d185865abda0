package spending

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheWindowTotal(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	c := NewMemoryCache(24 * time.Hour)
	c.clock = func() time.Time { return now }

	p := uuid.New()
	require.NoError(t, c.Add(ctx, p, Entry{TSMillis: now.Add(-2 * time.Hour).UnixMilli(), CostMinor: 100}))
	require.NoError(t, c.Add(ctx, p, Entry{TSMillis: now.Add(-30 * time.Minute).UnixMilli(), CostMinor: 200}))
	require.NoError(t, c.Add(ctx, p, Entry{TSMillis: now.Add(-time.Minute).UnixMilli(), CostMinor: 300}))

	total, err := c.WindowTotal(ctx, p, now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, int64(500), total)

	total, err = c.WindowTotal(ctx, p, now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, int64(600), total)

	// Unknown principal reads as zero, not an error.
	total, err = c.WindowTotal(ctx, uuid.New(), now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestMemoryCachePrunesBeyondRetention(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	c := NewMemoryCache(24 * time.Hour)
	c.clock = func() time.Time { return now }

	p := uuid.New()
	require.NoError(t, c.Add(ctx, p, Entry{TSMillis: now.Add(-30 * time.Hour).UnixMilli(), CostMinor: 999}))
	require.NoError(t, c.Add(ctx, p, Entry{TSMillis: now.Add(-time.Hour).UnixMilli(), CostMinor: 50}))

	total, err := c.WindowTotal(ctx, p, now.Add(-48*time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, int64(50), total)
}

func TestMemoryCacheTrendBuckets(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	c := NewMemoryCache(24 * time.Hour)
	c.clock = func() time.Time { return now }

	p := uuid.New()
	require.NoError(t, c.Add(ctx, p, Entry{TSMillis: now.Add(-150 * time.Minute).UnixMilli(), CostMinor: 10}))
	require.NoError(t, c.Add(ctx, p, Entry{TSMillis: now.Add(-90 * time.Minute).UnixMilli(), CostMinor: 20}))
	require.NoError(t, c.Add(ctx, p, Entry{TSMillis: now.Add(-30 * time.Minute).UnixMilli(), CostMinor: 40}))

	buckets, err := c.Trend(ctx, p, now, 3*time.Hour, time.Hour)
	require.NoError(t, err)
	require.Len(t, buckets, 3)
	assert.Equal(t, int64(10), buckets[0].Total)
	assert.Equal(t, int64(20), buckets[1].Total)
	assert.Equal(t, int64(40), buckets[2].Total)
}

func TestReaderTrendCapsWindowAtRetention(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	cache := NewMemoryCache(6 * time.Hour)
	cache.clock = func() time.Time { return now }
	p := uuid.New()
	require.NoError(t, cache.Add(ctx, p, Entry{TSMillis: now.Add(-time.Hour).UnixMilli(), CostMinor: 75}))

	r := NewReader(cache, &fakeSummer{}, 6*time.Hour)
	r.clock = cache.clock

	// Asking for a week still yields only the retained six hours.
	buckets, err := r.Trend(ctx, p, 7*24*time.Hour, time.Hour)
	require.NoError(t, err)
	require.Len(t, buckets, 6)
	assert.Equal(t, int64(75), buckets[5].Total)
}

type fakeSummer struct {
	total int64
	calls []struct{ from, to time.Time }
}

func (f *fakeSummer) SumSpending(_ context.Context, _ uuid.UUID, from, to time.Time) (int64, error) {
	f.calls = append(f.calls, struct{ from, to time.Time }{from, to})
	return f.total, nil
}

func TestReaderSplitsAtRetentionBoundary(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	boundary := now.Add(-24 * time.Hour)

	cache := NewMemoryCache(24 * time.Hour)
	cache.clock = func() time.Time { return now }
	p := uuid.New()
	require.NoError(t, cache.Add(ctx, p, Entry{TSMillis: now.Add(-time.Hour).UnixMilli(), CostMinor: 100}))

	ledger := &fakeSummer{total: 1000}
	r := NewReader(cache, ledger, 24*time.Hour)
	r.clock = cache.clock

	// Straddling window: ledger covers [from, boundary), cache the rest.
	total, err := r.Total(ctx, p, now.Add(-72*time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, int64(1100), total)
	require.Len(t, ledger.calls, 1)
	assert.Equal(t, boundary, ledger.calls[0].to)

	// Entirely recent: ledger untouched.
	ledger.calls = nil
	total, err = r.Total(ctx, p, now.Add(-2*time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, int64(100), total)
	assert.Empty(t, ledger.calls)

	// Entirely historical: cache untouched.
	total, err = r.Total(ctx, p, now.Add(-96*time.Hour), now.Add(-48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), total)

	// Degenerate window.
	total, err = r.Total(ctx, p, now, now)
	require.NoError(t, err)
	assert.Zero(t, total)
}
