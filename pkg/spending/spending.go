// Package spending tracks recent per-principal spend. The cache holds a
// sliding retention window (24h by default) for fast budget reads; anything
// older is answered from the ledger through the hybrid Reader.
package spending

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DefaultRetention is the sliding window the cache keeps per principal.
const DefaultRetention = 24 * time.Hour

// Entry is one cached spend record.
type Entry struct {
	TSMillis  int64
	CostMinor int64
}

// Cache is the recent-spend store. Add is called on every metering event the
// ledger writer persists; WindowTotal serves budget checks over [from, to);
// Trend folds the trailing window into fixed-width buckets for dashboards.
type Cache interface {
	Add(ctx context.Context, principalID uuid.UUID, e Entry) error
	WindowTotal(ctx context.Context, principalID uuid.UUID, from, to time.Time) (int64, error)
	Trend(ctx context.Context, principalID uuid.UUID, now time.Time, window, width time.Duration) ([]TrendBucket, error)
	Close() error
}

// TrendBucket is one point of a spending trend series.
type TrendBucket struct {
	Start time.Time `json:"start"`
	Total int64     `json:"total_minor_units"`
}

// bucketize folds entries into fixed-width buckets covering [from, to).
func bucketize(entries []Entry, from, to time.Time, width time.Duration) []TrendBucket {
	n := int(to.Sub(from) / width)
	if n <= 0 {
		return nil
	}
	buckets := make([]TrendBucket, n)
	for i := range buckets {
		buckets[i].Start = from.Add(time.Duration(i) * width)
	}
	for _, e := range entries {
		ts := time.UnixMilli(e.TSMillis)
		if ts.Before(from) || !ts.Before(to) {
			continue
		}
		idx := int(ts.Sub(from) / width)
		buckets[idx].Total += e.CostMinor
	}
	return buckets
}
