package spending

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LedgerSummer is the slice of the persistence layer the reader needs:
// authoritative spend totals over arbitrary windows.
type LedgerSummer interface {
	SumSpending(ctx context.Context, principalID uuid.UUID, from, to time.Time) (int64, error)
}

// Reader answers spend queries over any window by splitting at the cache
// retention boundary: the recent side comes from the cache, the older side
// from the ledger. The two ranges never overlap, so nothing double-counts.
type Reader struct {
	cache     Cache
	ledger    LedgerSummer
	retention time.Duration
	clock     func() time.Time
}

// NewReader builds a hybrid reader. Zero retention means DefaultRetention.
func NewReader(cache Cache, ledger LedgerSummer, retention time.Duration) *Reader {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Reader{cache: cache, ledger: ledger, retention: retention, clock: time.Now}
}

// Total returns the principal's spend in minor units over [from, to).
func (r *Reader) Total(ctx context.Context, principalID uuid.UUID, from, to time.Time) (int64, error) {
	if !from.Before(to) {
		return 0, nil
	}
	boundary := r.clock().Add(-r.retention)
	switch {
	case !from.Before(boundary):
		// Entirely within the cached window.
		return r.cache.WindowTotal(ctx, principalID, from, to)
	case !to.After(boundary):
		// Entirely historical.
		return r.ledger.SumSpending(ctx, principalID, from, to)
	default:
		old, err := r.ledger.SumSpending(ctx, principalID, from, boundary)
		if err != nil {
			return 0, err
		}
		recent, err := r.cache.WindowTotal(ctx, principalID, boundary, to)
		if err != nil {
			return 0, err
		}
		return old + recent, nil
	}
}

// Trend returns the trailing spend series in buckets of the given width.
// The cache only holds the retention window, so longer requests are capped
// there rather than silently reporting empty buckets.
func (r *Reader) Trend(ctx context.Context, principalID uuid.UUID, window, width time.Duration) ([]TrendBucket, error) {
	if window > r.retention {
		window = r.retention
	}
	return r.cache.Trend(ctx, principalID, r.clock(), window, width)
}
