// Package store is the persistence layer. It owns every durable record —
// principals, policies, mandates, ledger events, Merkle batches, snapshots —
// and exposes transactional typed CRUD. All other components hold ids and
// read through these queries.
//
// Multi-table writes (issue mandate + ledger event, seal batch + stamp
// events) execute in a single transaction. Event and batch ids are dense and
// strictly increasing per partition; id assignment happens inside the insert
// transaction so a crash can never leave a gap.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/caracal-sh/caracal/pkg/canonicalize"
	"github.com/caracal-sh/caracal/pkg/contracts"
)

var (
	// ErrNotFound is returned when a record id does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned on unique-constraint violations, including
	// the (principal_id, producer_seq) dedupe key.
	ErrConflict = errors.New("store: conflict")
	// ErrIntegrity is returned on foreign-key violations.
	ErrIntegrity = errors.New("store: integrity violation")
)

// Store is the transactional persistence interface.
type Store interface {
	// Principals. Never deleted; deactivation is a tombstone.
	CreatePrincipal(ctx context.Context, p *contracts.Principal) error
	GetPrincipal(ctx context.Context, id uuid.UUID) (*contracts.Principal, error)
	DeactivatePrincipal(ctx context.Context, id uuid.UUID) error

	// Policies. CreatePolicy assigns the next version number and
	// deactivates the prior active version in the same transaction, so
	// exactly one policy per principal is ever active.
	CreatePolicy(ctx context.Context, p *contracts.AuthorityPolicy) error
	GetActivePolicy(ctx context.Context, principalID uuid.UUID) (*contracts.AuthorityPolicy, error)
	PolicyHistory(ctx context.Context, principalID uuid.UUID) ([]contracts.AuthorityPolicy, error)

	// Mandates. CreateMandate and RevokeMandate persist the mandate change
	// and its ledger event atomically, assigning the event id.
	CreateMandate(ctx context.Context, m *contracts.Mandate, ev *contracts.LedgerEvent) error
	GetMandate(ctx context.Context, id uuid.UUID) (*contracts.Mandate, error)
	// GetMandateChain returns the mandate and its ancestors, leaf first,
	// root last.
	GetMandateChain(ctx context.Context, id uuid.UUID) ([]contracts.Mandate, error)
	ChildMandates(ctx context.Context, parentID uuid.UUID) ([]contracts.Mandate, error)
	RevokeMandate(ctx context.Context, id uuid.UUID, rev contracts.Revocation, ev *contracts.LedgerEvent) error

	// Ledger. AppendEvent assigns ev.ID densely within ev.Partition and
	// inserts in one transaction. The content hash covers the assigned id,
	// so it is computed here too when the caller left it empty. Duplicate
	// (principal, producer_seq) returns ErrConflict.
	AppendEvent(ctx context.Context, ev *contracts.LedgerEvent) error
	GetEvent(ctx context.Context, partition int32, id int64) (*contracts.LedgerEvent, error)
	MaxEventID(ctx context.Context, partition int32) (int64, error)
	EventsInRange(ctx context.Context, partition int32, firstID, lastID int64) ([]contracts.LedgerEvent, error)
	EventsByPrincipal(ctx context.Context, principalID uuid.UUID, from, to time.Time) ([]contracts.LedgerEvent, error)
	// SumSpending totals metering costs in minor units over [from, to).
	SumSpending(ctx context.Context, principalID uuid.UUID, from, to time.Time) (int64, error)

	// Merkle batches. SealBatch assigns b.BatchID, inserts the batch, and
	// stamps batch_id onto the covered events in one transaction. Sealing a
	// range that is already sealed is a no-op returning the stored batch.
	SealBatch(ctx context.Context, b *contracts.MerkleBatch) error
	GetBatch(ctx context.Context, partition int32, batchID int64) (*contracts.MerkleBatch, error)
	BatchesInRange(ctx context.Context, partition int32, firstEventID, lastEventID int64) ([]contracts.MerkleBatch, error)
	// SealedHighWaterMark is the last event id covered by a sealed batch.
	SealedHighWaterMark(ctx context.Context, partition int32) (int64, error)

	// Snapshots.
	SaveSnapshot(ctx context.Context, s *contracts.Snapshot) error
	LatestSnapshot(ctx context.Context, partition int32) (*contracts.Snapshot, error)

	// AcquirePartitionLock takes the advisory lock enforcing single-writer
	// discipline for a partition. It blocks until the lock is granted or
	// ctx expires; the returned release func must be called on shutdown.
	AcquirePartitionLock(ctx context.Context, partition int32) (release func() error, err error)

	Close() error
}

// StampContentHash fills in the event's canonical content hash if the caller
// left it empty. Backends call this after assigning the event id, since the
// hash covers it.
func StampContentHash(ev *contracts.LedgerEvent) error {
	if len(ev.ContentHash) > 0 {
		return nil
	}
	sum, err := canonicalize.Hash(ev.CanonicalMap())
	if err != nil {
		return fmt.Errorf("content hash: %w", err)
	}
	ev.ContentHash = sum
	return nil
}

// retrySchedule is the transient-I/O backoff policy: 3 attempts at 50, 200,
// 800 ms. Retries are the caller's responsibility; Retry is the shared
// helper implementing that policy.
var retrySchedule = []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, 800 * time.Millisecond}

// Retry runs op up to three times with exponential backoff. Typed store
// errors are terminal: a missing row or a conflict does not become less
// missing by retrying.
func Retry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < len(retrySchedule); attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrIntegrity) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retrySchedule[attempt]):
		}
	}
	return err
}
