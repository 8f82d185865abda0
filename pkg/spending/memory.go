package spending

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryCache is the in-process cache used by tests and single-node runs.
type MemoryCache struct {
	mu        sync.RWMutex
	entries   map[uuid.UUID][]Entry
	retention time.Duration
	clock     func() time.Time
}

// NewMemoryCache creates a cache keeping retention worth of entries.
// A zero retention means DefaultRetention.
func NewMemoryCache(retention time.Duration) *MemoryCache {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryCache{
		entries:   make(map[uuid.UUID][]Entry),
		retention: retention,
		clock:     time.Now,
	}
}

func (c *MemoryCache) Add(_ context.Context, principalID uuid.UUID, e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.clock().Add(-c.retention).UnixMilli()
	kept := c.entries[principalID][:0]
	for _, old := range c.entries[principalID] {
		if old.TSMillis >= cutoff {
			kept = append(kept, old)
		}
	}
	c.entries[principalID] = append(kept, e)
	return nil
}

func (c *MemoryCache) WindowTotal(_ context.Context, principalID uuid.UUID, from, to time.Time) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fromMS, toMS := from.UnixMilli(), to.UnixMilli()
	var total int64
	for _, e := range c.entries[principalID] {
		if e.TSMillis >= fromMS && e.TSMillis < toMS {
			total += e.CostMinor
		}
	}
	return total, nil
}

// Trend returns the spend series for principalID over the trailing window
// ending at now, folded into buckets of the given width.
func (c *MemoryCache) Trend(_ context.Context, principalID uuid.UUID, now time.Time, window, width time.Duration) ([]TrendBucket, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return bucketize(c.entries[principalID], now.Add(-window), now, width), nil
}

func (c *MemoryCache) Close() error { return nil }
