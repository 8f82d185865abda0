package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caracal-sh/caracal/pkg/contracts"
)

// MemoryStore is the in-memory Store used by tests and single-process dev
// runs. Semantics mirror the SQL backends, including dense per-partition
// event ids and the producer-seq dedupe constraint.
type MemoryStore struct {
	mu         sync.RWMutex
	principals map[uuid.UUID]contracts.Principal
	policies   map[uuid.UUID][]contracts.AuthorityPolicy // per principal, version order
	mandates   map[uuid.UUID]contracts.Mandate
	children   map[uuid.UUID][]uuid.UUID
	events     map[int32][]contracts.LedgerEvent // index = id-1, dense
	dedupe     map[string]struct{}               // principal|producer_seq
	batches    map[int32][]contracts.MerkleBatch
	snapshots  map[int32][]contracts.Snapshot

	lockMu sync.Mutex
	locks  map[int32]chan struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		principals: make(map[uuid.UUID]contracts.Principal),
		policies:   make(map[uuid.UUID][]contracts.AuthorityPolicy),
		mandates:   make(map[uuid.UUID]contracts.Mandate),
		children:   make(map[uuid.UUID][]uuid.UUID),
		events:     make(map[int32][]contracts.LedgerEvent),
		dedupe:     make(map[string]struct{}),
		batches:    make(map[int32][]contracts.MerkleBatch),
		snapshots:  make(map[int32][]contracts.Snapshot),
		locks:      make(map[int32]chan struct{}),
	}
}

func (s *MemoryStore) CreatePrincipal(_ context.Context, p *contracts.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.principals[p.ID]; ok {
		return fmt.Errorf("%w: principal %s", ErrConflict, p.ID)
	}
	if p.ParentID != nil {
		if _, ok := s.principals[*p.ParentID]; !ok {
			return fmt.Errorf("%w: parent principal %s", ErrIntegrity, *p.ParentID)
		}
	}
	s.principals[p.ID] = *p
	return nil
}

func (s *MemoryStore) GetPrincipal(_ context.Context, id uuid.UUID) (*contracts.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.principals[id]
	if !ok {
		return nil, fmt.Errorf("%w: principal %s", ErrNotFound, id)
	}
	out := p
	return &out, nil
}

func (s *MemoryStore) DeactivatePrincipal(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[id]
	if !ok {
		return fmt.Errorf("%w: principal %s", ErrNotFound, id)
	}
	p.Deactivated = true
	s.principals[id] = p
	return nil
}

func (s *MemoryStore) CreatePolicy(_ context.Context, p *contracts.AuthorityPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.principals[p.PrincipalID]; !ok {
		return fmt.Errorf("%w: principal %s", ErrIntegrity, p.PrincipalID)
	}
	history := s.policies[p.PrincipalID]
	for i := range history {
		history[i].Active = false
	}
	p.Version = len(history) + 1
	p.Active = true
	s.policies[p.PrincipalID] = append(history, *p)
	return nil
}

func (s *MemoryStore) GetActivePolicy(_ context.Context, principalID uuid.UUID) (*contracts.AuthorityPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.policies[principalID] {
		if p.Active {
			out := p
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: active policy for %s", ErrNotFound, principalID)
}

func (s *MemoryStore) PolicyHistory(_ context.Context, principalID uuid.UUID) ([]contracts.AuthorityPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.policies[principalID]
	out := make([]contracts.AuthorityPolicy, len(history))
	copy(out, history)
	return out, nil
}

func (s *MemoryStore) CreateMandate(_ context.Context, m *contracts.Mandate, ev *contracts.LedgerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mandates[m.ID]; ok {
		return fmt.Errorf("%w: mandate %s", ErrConflict, m.ID)
	}
	if _, ok := s.principals[m.Issuer]; !ok {
		return fmt.Errorf("%w: issuer %s", ErrIntegrity, m.Issuer)
	}
	if _, ok := s.principals[m.Subject]; !ok {
		return fmt.Errorf("%w: subject %s", ErrIntegrity, m.Subject)
	}
	if m.ParentID != nil {
		if _, ok := s.mandates[*m.ParentID]; !ok {
			return fmt.Errorf("%w: parent mandate %s", ErrIntegrity, *m.ParentID)
		}
	}
	if err := s.appendLocked(ev); err != nil {
		return err
	}
	s.mandates[m.ID] = *m
	if m.ParentID != nil {
		s.children[*m.ParentID] = append(s.children[*m.ParentID], m.ID)
	}
	return nil
}

func (s *MemoryStore) GetMandate(_ context.Context, id uuid.UUID) (*contracts.Mandate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mandates[id]
	if !ok {
		return nil, fmt.Errorf("%w: mandate %s", ErrNotFound, id)
	}
	out := m
	return &out, nil
}

func (s *MemoryStore) GetMandateChain(_ context.Context, id uuid.UUID) ([]contracts.Mandate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var chain []contracts.Mandate
	cur := &id
	for cur != nil {
		m, ok := s.mandates[*cur]
		if !ok {
			if len(chain) == 0 {
				return nil, fmt.Errorf("%w: mandate %s", ErrNotFound, *cur)
			}
			return nil, fmt.Errorf("%w: broken chain at %s", ErrIntegrity, *cur)
		}
		chain = append(chain, m)
		cur = m.ParentID
	}
	return chain, nil
}

func (s *MemoryStore) ChildMandates(_ context.Context, parentID uuid.UUID) ([]contracts.Mandate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.children[parentID]
	out := make([]contracts.Mandate, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.mandates[id])
	}
	return out, nil
}

func (s *MemoryStore) RevokeMandate(_ context.Context, id uuid.UUID, rev contracts.Revocation, ev *contracts.LedgerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mandates[id]
	if !ok {
		return fmt.Errorf("%w: mandate %s", ErrNotFound, id)
	}
	if m.Revocation != nil {
		return fmt.Errorf("%w: mandate %s already revoked", ErrConflict, id)
	}
	if err := s.appendLocked(ev); err != nil {
		return err
	}
	m.Revocation = &rev
	s.mandates[id] = m
	return nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, ev *contracts.LedgerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(ev)
}

func (s *MemoryStore) appendLocked(ev *contracts.LedgerEvent) error {
	if ev.ProducerSeq != nil {
		key := dedupeKey(ev.PrincipalID, *ev.ProducerSeq)
		if _, ok := s.dedupe[key]; ok {
			return fmt.Errorf("%w: duplicate producer_seq %d for %s", ErrConflict, *ev.ProducerSeq, ev.PrincipalID)
		}
		s.dedupe[key] = struct{}{}
	}
	ev.ID = int64(len(s.events[ev.Partition])) + 1
	if err := StampContentHash(ev); err != nil {
		return err
	}
	s.events[ev.Partition] = append(s.events[ev.Partition], *ev)
	return nil
}

func dedupeKey(principal uuid.UUID, seq int64) string {
	return fmt.Sprintf("%s|%d", principal, seq)
}

// OverwriteEventForTest replaces a stored event in place, bypassing the
// write-once discipline. Integrity tests use it to simulate tampering.
func (s *MemoryStore) OverwriteEventForTest(ev contracts.LedgerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.events[ev.Partition]
	if ev.ID >= 1 && ev.ID <= int64(len(evs)) {
		evs[ev.ID-1] = ev
	}
}

func (s *MemoryStore) GetEvent(_ context.Context, partition int32, id int64) (*contracts.LedgerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.events[partition]
	if id < 1 || id > int64(len(evs)) {
		return nil, fmt.Errorf("%w: event %d in partition %d", ErrNotFound, id, partition)
	}
	out := evs[id-1]
	return &out, nil
}

func (s *MemoryStore) MaxEventID(_ context.Context, partition int32) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.events[partition])), nil
}

func (s *MemoryStore) EventsInRange(_ context.Context, partition int32, firstID, lastID int64) ([]contracts.LedgerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.events[partition]
	if firstID < 1 {
		firstID = 1
	}
	if lastID > int64(len(evs)) {
		lastID = int64(len(evs))
	}
	if firstID > lastID {
		return nil, nil
	}
	out := make([]contracts.LedgerEvent, lastID-firstID+1)
	copy(out, evs[firstID-1:lastID])
	return out, nil
}

func (s *MemoryStore) EventsByPrincipal(_ context.Context, principalID uuid.UUID, from, to time.Time) ([]contracts.LedgerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.LedgerEvent
	for _, evs := range s.events {
		for _, ev := range evs {
			if ev.PrincipalID != principalID {
				continue
			}
			ts := time.UnixMilli(ev.TSMillis)
			if ts.Before(from) || !ts.Before(to) {
				continue
			}
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TSMillis < out[j].TSMillis })
	return out, nil
}

func (s *MemoryStore) SumSpending(ctx context.Context, principalID uuid.UUID, from, to time.Time) (int64, error) {
	evs, err := s.EventsByPrincipal(ctx, principalID, from, to)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, ev := range evs {
		if ev.Type == contracts.EventMetering && ev.CostMinorUnits != nil {
			total += *ev.CostMinorUnits
		}
	}
	return total, nil
}

func (s *MemoryStore) SealBatch(_ context.Context, b *contracts.MerkleBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.batches[b.Partition] {
		if existing.FirstEventID == b.FirstEventID && existing.LastEventID == b.LastEventID {
			*b = existing // idempotent re-seal
			return nil
		}
	}
	evs := s.events[b.Partition]
	if b.FirstEventID < 1 || b.LastEventID > int64(len(evs)) || b.FirstEventID > b.LastEventID {
		return fmt.Errorf("%w: batch range [%d,%d] outside ledger", ErrIntegrity, b.FirstEventID, b.LastEventID)
	}
	b.BatchID = int64(len(s.batches[b.Partition])) + 1
	for i := b.FirstEventID; i <= b.LastEventID; i++ {
		id := b.BatchID
		evs[i-1].BatchID = &id
	}
	s.batches[b.Partition] = append(s.batches[b.Partition], *b)
	return nil
}

func (s *MemoryStore) GetBatch(_ context.Context, partition int32, batchID int64) (*contracts.MerkleBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.batches[partition] {
		if b.BatchID == batchID {
			out := b
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: batch %d in partition %d", ErrNotFound, batchID, partition)
}

func (s *MemoryStore) BatchesInRange(_ context.Context, partition int32, firstEventID, lastEventID int64) ([]contracts.MerkleBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.MerkleBatch
	for _, b := range s.batches[partition] {
		if b.LastEventID >= firstEventID && b.FirstEventID <= lastEventID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstEventID < out[j].FirstEventID })
	return out, nil
}

func (s *MemoryStore) SealedHighWaterMark(_ context.Context, partition int32) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var hwm int64
	for _, b := range s.batches[partition] {
		if b.LastEventID > hwm {
			hwm = b.LastEventID
		}
	}
	return hwm, nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snap *contracts.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.ID = int64(len(s.snapshots[snap.Partition])) + 1
	s.snapshots[snap.Partition] = append(s.snapshots[snap.Partition], *snap)
	return nil
}

func (s *MemoryStore) LatestSnapshot(_ context.Context, partition int32) (*contracts.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.snapshots[partition]
	if len(snaps) == 0 {
		return nil, fmt.Errorf("%w: snapshot for partition %d", ErrNotFound, partition)
	}
	out := snaps[len(snaps)-1]
	return &out, nil
}

func (s *MemoryStore) AcquirePartitionLock(ctx context.Context, partition int32) (func() error, error) {
	s.lockMu.Lock()
	ch, ok := s.locks[partition]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[partition] = ch
	}
	s.lockMu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() error {
			<-ch
			return nil
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *MemoryStore) Close() error { return nil }
