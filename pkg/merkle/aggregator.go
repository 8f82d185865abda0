package merkle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/caracal-sh/caracal/pkg/contracts"
	"github.com/caracal-sh/caracal/pkg/crypto"
)

// Sealing thresholds: whichever trips first closes the open batch.
const (
	DefaultMaxBatch = 1024
	DefaultMaxAge   = 60 * time.Second
)

// BatchStore is the slice of the persistence layer the aggregator needs.
type BatchStore interface {
	EventsInRange(ctx context.Context, partition int32, firstID, lastID int64) ([]contracts.LedgerEvent, error)
	SealedHighWaterMark(ctx context.Context, partition int32) (int64, error)
	MaxEventID(ctx context.Context, partition int32) (int64, error)
	SealBatch(ctx context.Context, b *contracts.MerkleBatch) error
}

type leaf struct {
	id   int64
	hash []byte
}

// Aggregator accumulates one partition's appended events into Merkle batches.
// It seals when the open batch reaches DefaultMaxBatch events or its oldest
// event turns DefaultMaxAge old. Sealing is idempotent at the store, so a
// crash between signing and persisting resolves on the next attempt.
type Aggregator struct {
	partition int32
	store     BatchStore
	keys      *crypto.KeyRing
	log       *slog.Logger
	clock     func() time.Time

	// mu guards only the pending queue; signing and store I/O happen
	// outside it so Enqueue never waits on a seal in flight. sealMu
	// serializes sealers.
	mu       sync.Mutex
	pending  []leaf
	oldest   time.Time
	lastID   int64
	maxBatch int
	maxAge   time.Duration

	sealMu sync.Mutex
}

// NewAggregator builds an aggregator for one partition.
func NewAggregator(partition int32, st BatchStore, keys *crypto.KeyRing, log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{
		partition: partition,
		store:     st,
		keys:      keys,
		log:       log.With("component", "merkle", "partition", partition),
		maxBatch:  DefaultMaxBatch,
		maxAge:    DefaultMaxAge,
		clock:     time.Now,
	}
}

// SetThresholds overrides the sealing thresholds, used by tests and tuning.
func (a *Aggregator) SetThresholds(maxBatch int, maxAge time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if maxBatch > 0 {
		a.maxBatch = maxBatch
	}
	if maxAge > 0 {
		a.maxAge = maxAge
	}
}

// CatchUp enqueues every appended-but-unsealed event, called once on startup
// before the writer resumes. Restart with a half-full pending batch loses
// nothing: the events are already durable, only the commitment was pending.
func (a *Aggregator) CatchUp(ctx context.Context) error {
	hwm, err := a.store.SealedHighWaterMark(ctx, a.partition)
	if err != nil {
		return fmt.Errorf("sealed high-water mark: %w", err)
	}
	max, err := a.store.MaxEventID(ctx, a.partition)
	if err != nil {
		return fmt.Errorf("max event id: %w", err)
	}
	if max <= hwm {
		return nil
	}
	events, err := a.store.EventsInRange(ctx, a.partition, hwm+1, max)
	if err != nil {
		return fmt.Errorf("load unsealed events: %w", err)
	}
	a.log.Info("catching up unsealed events", "first", hwm+1, "last", max)
	for i := range events {
		if err := a.Enqueue(ctx, &events[i]); err != nil {
			return err
		}
	}
	return nil
}

// Enqueue adds an appended event to the open batch, sealing if the size
// threshold trips. Events must arrive in id order; the single-writer
// discipline upstream guarantees that.
func (a *Aggregator) Enqueue(ctx context.Context, ev *contracts.LedgerEvent) error {
	a.mu.Lock()
	if a.lastID != 0 && ev.ID != a.lastID+1 {
		last := a.lastID
		a.mu.Unlock()
		return fmt.Errorf("merkle: event %d out of order after %d", ev.ID, last)
	}
	if len(a.pending) == 0 {
		a.oldest = a.clock()
	}
	a.pending = append(a.pending, leaf{id: ev.ID, hash: append([]byte(nil), ev.ContentHash...)})
	a.lastID = ev.ID
	full := len(a.pending) >= a.maxBatch
	a.mu.Unlock()
	if full {
		return a.seal(ctx)
	}
	return nil
}

// Run drives the time threshold until ctx is canceled. Seal failures keep the
// batch open and are retried on the next tick.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Final best-effort seal so a clean shutdown leaves nothing open.
			if err := a.Flush(context.Background()); err != nil {
				a.log.Warn("seal on shutdown failed", "error", err)
			}
			return
		case <-ticker.C:
			a.mu.Lock()
			due := len(a.pending) > 0 && a.clock().Sub(a.oldest) >= a.maxAge
			a.mu.Unlock()
			if !due {
				continue
			}
			if err := a.seal(ctx); err != nil {
				a.log.Warn("seal failed, batch stays open", "error", err)
			}
		}
	}
}

// Flush seals the open batch regardless of thresholds.
func (a *Aggregator) Flush(ctx context.Context) error {
	return a.seal(ctx)
}

// seal snapshots the pending queue, then builds, signs, and persists the
// batch without holding mu. Only a successful store write removes the sealed
// prefix; concurrent Enqueues keep appending behind it.
func (a *Aggregator) seal(ctx context.Context) error {
	a.sealMu.Lock()
	defer a.sealMu.Unlock()

	a.mu.Lock()
	if len(a.pending) == 0 {
		a.mu.Unlock()
		return nil
	}
	snap := make([]leaf, len(a.pending))
	copy(snap, a.pending)
	a.mu.Unlock()

	leaves := make([][]byte, len(snap))
	for i, l := range snap {
		leaves[i] = l.hash
	}
	tree, err := Build(leaves)
	if err != nil {
		return err
	}
	b := &contracts.MerkleBatch{
		Partition:    a.partition,
		FirstEventID: snap[0].id,
		LastEventID:  snap[len(snap)-1].id,
		RootHash:     tree.Root(),
		SigningKeyID: crypto.BatchKeyID(a.partition),
		CreatedAt:    a.clock(),
	}
	key, err := a.keys.BatchSigner(a.partition)
	if err != nil {
		return fmt.Errorf("batch signer: %w", err)
	}
	sig, err := crypto.Sign(key, SigningPayload(b.Partition, b.FirstEventID, b.LastEventID, b.RootHash))
	if err != nil {
		return fmt.Errorf("sign batch root: %w", err)
	}
	b.Signature = sig
	if err := a.store.SealBatch(ctx, b); err != nil {
		return fmt.Errorf("seal batch [%d,%d]: %w", b.FirstEventID, b.LastEventID, err)
	}
	a.log.Info("sealed batch", "batch_id", b.BatchID, "first", b.FirstEventID, "last", b.LastEventID)

	a.mu.Lock()
	a.pending = append(a.pending[:0], a.pending[len(snap):]...)
	if len(a.pending) > 0 {
		a.oldest = a.clock()
	}
	a.mu.Unlock()
	return nil
}
