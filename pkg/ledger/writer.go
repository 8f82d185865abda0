// Package ledger owns the append path. One Writer exists per partition,
// protected by a store advisory lock; everything that wants a row in the
// ledger goes through it, which is what keeps ids dense and monotonic.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caracal-sh/caracal/pkg/contracts"
	"github.com/caracal-sh/caracal/pkg/merkle"
	"github.com/caracal-sh/caracal/pkg/spending"
	"github.com/caracal-sh/caracal/pkg/store"
)

// ErrDuplicate marks a redelivered event: the (principal, producer_seq) pair
// was already appended. Callers treat it as success.
var ErrDuplicate = errors.New("ledger: duplicate event")

// Writer is the single appender for one partition.
type Writer struct {
	partition int32
	st        store.Store
	cache     spending.Cache
	agg       *merkle.Aggregator
	log       *slog.Logger
	release   func() error
}

// NewWriter acquires the partition's advisory lock and returns the writer.
// It blocks until the lock is granted or ctx expires, so a second process
// cannot start appending while the first still holds the partition.
func NewWriter(ctx context.Context, partition int32, st store.Store, cache spending.Cache, agg *merkle.Aggregator, log *slog.Logger) (*Writer, error) {
	if log == nil {
		log = slog.Default()
	}
	release, err := st.AcquirePartitionLock(ctx, partition)
	if err != nil {
		return nil, fmt.Errorf("partition %d lock: %w", partition, err)
	}
	return &Writer{
		partition: partition,
		st:        st,
		cache:     cache,
		agg:       agg,
		log:       log.With("component", "ledger", "partition", partition),
		release:   release,
	}, nil
}

// Append persists the event, updates the spending cache, and hands the event
// to the Merkle aggregator. The cache update is best-effort: a cache outage
// degrades budget freshness, never ledger durability. A duplicate
// producer_seq returns ErrDuplicate without writing anything.
func (w *Writer) Append(ctx context.Context, ev *contracts.LedgerEvent) error {
	ev.Partition = w.partition
	if ev.TSMillis == 0 {
		ev.TSMillis = time.Now().UnixMilli()
	}
	err := store.Retry(ctx, func() error { return w.st.AppendEvent(ctx, ev) })
	if errors.Is(err, store.ErrConflict) {
		w.log.Debug("duplicate event skipped",
			"principal", ev.PrincipalID, "producer_seq", ev.ProducerSeq)
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	if w.cache != nil && ev.Type == contracts.EventMetering && ev.CostMinorUnits != nil {
		cacheErr := w.cache.Add(ctx, ev.PrincipalID, spending.Entry{
			TSMillis:  ev.TSMillis,
			CostMinor: *ev.CostMinorUnits,
		})
		if cacheErr != nil {
			w.log.Warn("spending cache update failed", "error", cacheErr, "event_id", ev.ID)
		}
	}

	if w.agg != nil {
		if err := w.agg.Enqueue(ctx, ev); err != nil {
			w.log.Warn("merkle enqueue failed", "error", err, "event_id", ev.ID)
		}
	}
	return nil
}

// Close releases the partition lock.
func (w *Writer) Close() error {
	if w.release == nil {
		return nil
	}
	err := w.release()
	w.release = nil
	return err
}
