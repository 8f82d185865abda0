// Package replay rebuilds derived state from the ledger. The ledger is the
// source of truth; spending totals and the active-mandate index are views
// over it, so recovery is: verify the Merkle commitments, optionally restore
// a snapshot, then fold the remaining events forward. Replaying the same
// range twice yields identical state.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caracal-sh/caracal/pkg/contracts"
	"github.com/caracal-sh/caracal/pkg/crypto"
	"github.com/caracal-sh/caracal/pkg/merkle"
	"github.com/caracal-sh/caracal/pkg/spending"
	"github.com/caracal-sh/caracal/pkg/store"
)

// ErrIntegrity halts recovery: a sealed batch failed verification, so the
// ledger below the high-water mark cannot be trusted and consumers must not
// resume until an operator intervenes.
var ErrIntegrity = errors.New("replay: ledger integrity check failed")

// State is the deterministic fold over one partition's events. Serialized
// into snapshots as-is.
type State struct {
	// SpendTotals is cost in minor units per principal across the whole
	// replayed range.
	SpendTotals map[string]int64 `json:"spend_totals"`
	// ActiveMandates holds ids seen in issue or delegate events with no
	// later revoke.
	ActiveMandates map[string]bool `json:"active_mandates"`
	// LastEventID is the highest ledger id folded into this state.
	LastEventID int64 `json:"last_event_id"`
}

// NewState returns an empty fold state.
func NewState() *State {
	return &State{
		SpendTotals:    make(map[string]int64),
		ActiveMandates: make(map[string]bool),
	}
}

// Apply folds one event. Events must arrive in id order.
func (s *State) Apply(ev *contracts.LedgerEvent) {
	switch ev.Type {
	case contracts.EventMetering:
		if ev.CostMinorUnits != nil {
			s.SpendTotals[ev.PrincipalID.String()] += *ev.CostMinorUnits
		}
	case contracts.EventIssue, contracts.EventDelegate:
		if ev.MandateID != nil {
			s.ActiveMandates[ev.MandateID.String()] = true
		}
	case contracts.EventRevoke:
		if ev.MandateID != nil {
			delete(s.ActiveMandates, ev.MandateID.String())
		}
	}
	s.LastEventID = ev.ID
}

// Rebuilder drives recovery for one partition.
type Rebuilder struct {
	st    store.Store
	keys  *crypto.KeyRing
	log   *slog.Logger
	clock func() time.Time
}

func NewRebuilder(st store.Store, keys *crypto.KeyRing, log *slog.Logger) *Rebuilder {
	if log == nil {
		log = slog.Default()
	}
	return &Rebuilder{
		st:    st,
		keys:  keys,
		log:   log.With("component", "replay"),
		clock: time.Now,
	}
}

const rebuildChunk = 1024

// Rebuild verifies every sealed batch on the partition, restores the latest
// snapshot if one exists, and folds the remaining events forward. It returns
// the rebuilt state; on ErrIntegrity nothing downstream may resume.
func (r *Rebuilder) Rebuild(ctx context.Context, partition int32) (*State, error) {
	if err := r.VerifyPartition(ctx, partition); err != nil {
		return nil, err
	}

	state := NewState()
	if snap, err := r.st.LatestSnapshot(ctx, partition); err == nil && snap != nil {
		if err := json.Unmarshal(snap.State, state); err != nil {
			return nil, fmt.Errorf("decode snapshot %d: %w", snap.ID, err)
		}
		r.log.Info("snapshot restored",
			"partition", partition, "snapshot", snap.ID, "offset", snap.LedgerOffset)
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	maxID, err := r.st.MaxEventID(ctx, partition)
	if err != nil {
		return nil, fmt.Errorf("max event id: %w", err)
	}
	for first := state.LastEventID + 1; first <= maxID; first += rebuildChunk {
		last := first + rebuildChunk - 1
		if last > maxID {
			last = maxID
		}
		events, err := r.st.EventsInRange(ctx, partition, first, last)
		if err != nil {
			return nil, fmt.Errorf("events [%d,%d]: %w", first, last, err)
		}
		for i := range events {
			state.Apply(&events[i])
		}
	}
	r.log.Info("rebuild complete",
		"partition", partition, "last_event_id", state.LastEventID,
		"principals", len(state.SpendTotals), "active_mandates", len(state.ActiveMandates))
	return state, nil
}

// VerifyPartition checks every sealed batch against its events, root, and
// signature. Any failure is ErrIntegrity; a gap in batch coverage below the
// high-water mark is too.
func (r *Rebuilder) VerifyPartition(ctx context.Context, partition int32) error {
	hwm, err := r.st.SealedHighWaterMark(ctx, partition)
	if err != nil {
		return fmt.Errorf("high-water mark: %w", err)
	}
	if hwm == 0 {
		return nil
	}
	pub, err := r.keys.Verifier(crypto.BatchKeyID(partition))
	if err != nil {
		return fmt.Errorf("batch verifier key: %w", err)
	}
	batches, err := r.st.BatchesInRange(ctx, partition, 1, hwm)
	if err != nil {
		return fmt.Errorf("load batches: %w", err)
	}
	next := int64(1)
	for i := range batches {
		b := &batches[i]
		if b.FirstEventID != next {
			return fmt.Errorf("%w: partition %d expects batch starting at %d, found %d",
				ErrIntegrity, partition, next, b.FirstEventID)
		}
		events, err := r.st.EventsInRange(ctx, partition, b.FirstEventID, b.LastEventID)
		if err != nil {
			return fmt.Errorf("batch %d events: %w", b.BatchID, err)
		}
		if err := merkle.VerifyBatch(events, b, pub); err != nil {
			return fmt.Errorf("%w: partition %d batch %d: %v", ErrIntegrity, partition, b.BatchID, err)
		}
		next = b.LastEventID + 1
	}
	if next != hwm+1 {
		return fmt.Errorf("%w: partition %d sealed through %d but batches cover through %d",
			ErrIntegrity, partition, hwm, next-1)
	}
	r.log.Info("ledger verified", "partition", partition, "batches", len(batches), "through", hwm)
	return nil
}

// Snapshot persists the current fold state so later rebuilds skip the events
// it already covers.
func (r *Rebuilder) Snapshot(ctx context.Context, partition int32, state *State) (*contracts.Snapshot, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	snap := &contracts.Snapshot{
		Partition:    partition,
		LedgerOffset: state.LastEventID,
		State:        payload,
		TakenAt:      r.clock().UTC(),
	}
	if err := r.st.SaveSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}
	r.log.Info("snapshot taken", "partition", partition, "offset", snap.LedgerOffset)
	return snap, nil
}

// SeedCache replays the retention window's metering events into a spending
// cache after a cache wipe. Older spend stays in the store; the hybrid reader
// covers it from there.
func (r *Rebuilder) SeedCache(ctx context.Context, partition int32, cache spending.Cache, retention time.Duration) error {
	if retention <= 0 {
		retention = spending.DefaultRetention
	}
	cutoff := r.clock().Add(-retention).UnixMilli()
	maxID, err := r.st.MaxEventID(ctx, partition)
	if err != nil {
		return fmt.Errorf("max event id: %w", err)
	}
	var seeded int
	for first := int64(1); first <= maxID; first += rebuildChunk {
		last := first + rebuildChunk - 1
		if last > maxID {
			last = maxID
		}
		events, err := r.st.EventsInRange(ctx, partition, first, last)
		if err != nil {
			return fmt.Errorf("events [%d,%d]: %w", first, last, err)
		}
		for i := range events {
			ev := &events[i]
			if ev.Type != contracts.EventMetering || ev.CostMinorUnits == nil || ev.TSMillis < cutoff {
				continue
			}
			if err := cache.Add(ctx, ev.PrincipalID, spending.Entry{
				TSMillis:  ev.TSMillis,
				CostMinor: *ev.CostMinorUnits,
			}); err != nil {
				return fmt.Errorf("seed event %d: %w", ev.ID, err)
			}
			seeded++
		}
	}
	r.log.Info("spending cache seeded", "partition", partition, "entries", seeded)
	return nil
}
