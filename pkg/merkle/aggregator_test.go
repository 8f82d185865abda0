package merkle

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caracal-sh/caracal/pkg/contracts"
	"github.com/caracal-sh/caracal/pkg/crypto"
	"github.com/caracal-sh/caracal/pkg/store"
)

func testKeys(t *testing.T) *crypto.KeyRing {
	t.Helper()
	return crypto.NewKeyRing([]byte("0123456789abcdef0123456789abcdef"))
}

func appendEvents(t *testing.T, st store.Store, partition int32, n int) []contracts.LedgerEvent {
	t.Helper()
	ctx := context.Background()
	p := contracts.Principal{ID: uuid.New(), PublicKey: []byte("pk"), CreatedAt: time.Now()}
	require.NoError(t, st.CreatePrincipal(ctx, &p))

	out := make([]contracts.LedgerEvent, 0, n)
	for i := 0; i < n; i++ {
		cost := int64(100 + i)
		ev := contracts.LedgerEvent{
			Partition:      partition,
			TSMillis:       time.Now().UnixMilli(),
			PrincipalID:    p.ID,
			Type:           contracts.EventMetering,
			Resource:       "api:llm:tokens",
			CostMinorUnits: &cost,
			Currency:       "USD",
		}
		require.NoError(t, st.AppendEvent(ctx, &ev))
		out = append(out, ev)
	}
	return out
}

func TestAggregatorSealsOnSizeThreshold(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	keys := testKeys(t)
	agg := NewAggregator(0, st, keys, nil)
	agg.SetThresholds(4, time.Minute)

	events := appendEvents(t, st, 0, 4)
	for i := range events {
		require.NoError(t, agg.Enqueue(ctx, &events[i]))
	}

	b, err := st.GetBatch(ctx, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.FirstEventID)
	assert.Equal(t, int64(4), b.LastEventID)
	assert.Equal(t, crypto.BatchKeyID(0), b.SigningKeyID)

	signer, err := keys.BatchSigner(0)
	require.NoError(t, err)
	require.NoError(t, VerifyBatch(events, b, &signer.PublicKey))

	hwm, err := st.SealedHighWaterMark(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), hwm)
}

func TestAggregatorSealsOnAge(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	agg := NewAggregator(0, st, testKeys(t), nil)
	agg.SetThresholds(100, 30*time.Second)

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	agg.clock = func() time.Time { return now }

	events := appendEvents(t, st, 0, 3)
	for i := range events {
		require.NoError(t, agg.Enqueue(ctx, &events[i]))
	}

	// Not due yet.
	agg.mu.Lock()
	due := agg.clock().Sub(agg.oldest) >= agg.maxAge
	agg.mu.Unlock()
	assert.False(t, due)

	now = now.Add(31 * time.Second)
	agg.mu.Lock()
	due = agg.clock().Sub(agg.oldest) >= agg.maxAge
	agg.mu.Unlock()
	assert.True(t, due)
	require.NoError(t, agg.seal(ctx))

	b, err := st.GetBatch(ctx, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), b.LastEventID)
}

func TestAggregatorFlushAndEmptyFlush(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	agg := NewAggregator(0, st, testKeys(t), nil)

	require.NoError(t, agg.Flush(ctx)) // nothing pending

	events := appendEvents(t, st, 0, 2)
	for i := range events {
		require.NoError(t, agg.Enqueue(ctx, &events[i]))
	}
	require.NoError(t, agg.Flush(ctx))

	hwm, err := st.SealedHighWaterMark(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), hwm)
}

func TestAggregatorCatchUpAfterRestart(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	keys := testKeys(t)

	first := NewAggregator(0, st, keys, nil)
	events := appendEvents(t, st, 0, 5)
	for i := range events[:3] {
		require.NoError(t, first.Enqueue(ctx, &events[i]))
	}
	require.NoError(t, first.Flush(ctx))
	// Events 4 and 5 were appended but never enqueued: the crash window.

	restarted := NewAggregator(0, st, keys, nil)
	require.NoError(t, restarted.CatchUp(ctx))
	require.NoError(t, restarted.Flush(ctx))

	hwm, err := st.SealedHighWaterMark(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), hwm)

	b, err := st.GetBatch(ctx, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(4), b.FirstEventID)
	assert.Equal(t, int64(5), b.LastEventID)
}

func TestAggregatorRejectsOutOfOrder(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	agg := NewAggregator(0, st, testKeys(t), nil)

	events := appendEvents(t, st, 0, 3)
	require.NoError(t, agg.Enqueue(ctx, &events[0]))
	assert.Error(t, agg.Enqueue(ctx, &events[2]))
}

// slowSealStore parks SealBatch until released, exposing what the append
// path does while a seal's store write is in flight.
type slowSealStore struct {
	*store.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (s *slowSealStore) SealBatch(ctx context.Context, b *contracts.MerkleBatch) error {
	s.entered <- struct{}{}
	<-s.release
	return s.MemoryStore.SealBatch(ctx, b)
}

func TestEnqueueDoesNotBlockDuringSeal(t *testing.T) {
	ctx := context.Background()
	slow := &slowSealStore{
		MemoryStore: store.NewMemoryStore(),
		entered:     make(chan struct{}, 2),
		release:     make(chan struct{}),
	}
	agg := NewAggregator(0, slow, testKeys(t), nil)

	events := appendEvents(t, slow, 0, 3)
	require.NoError(t, agg.Enqueue(ctx, &events[0]))
	require.NoError(t, agg.Enqueue(ctx, &events[1]))

	flushed := make(chan error, 1)
	go func() { flushed <- agg.Flush(ctx) }()
	<-slow.entered

	enqueued := make(chan error, 1)
	go func() { enqueued <- agg.Enqueue(ctx, &events[2]) }()
	select {
	case err := <-enqueued:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("append path waited on an in-flight seal")
	}

	close(slow.release)
	require.NoError(t, <-flushed)

	b, err := slow.GetBatch(ctx, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.LastEventID)

	// The event appended mid-seal stayed pending and seals next.
	require.NoError(t, agg.Flush(ctx))
	hwm, err := slow.SealedHighWaterMark(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), hwm)
}

func TestVerifyBatchDetectsTamper(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	keys := testKeys(t)
	agg := NewAggregator(0, st, keys, nil)

	events := appendEvents(t, st, 0, 4)
	for i := range events {
		require.NoError(t, agg.Enqueue(ctx, &events[i]))
	}
	require.NoError(t, agg.Flush(ctx))

	b, err := st.GetBatch(ctx, 0, 1)
	require.NoError(t, err)
	signer, err := keys.BatchSigner(0)
	require.NoError(t, err)

	// Pristine range verifies.
	require.NoError(t, VerifyBatch(events, b, &signer.PublicKey))

	// A rewritten column with the recorded hash left intact is caught by
	// the leaf recomputation.
	rewritten := make([]contracts.LedgerEvent, len(events))
	copy(rewritten, events)
	forgedCost := int64(999999)
	rewritten[1].CostMinorUnits = &forgedCost
	assert.ErrorIs(t, VerifyBatch(rewritten, b, &signer.PublicKey), ErrContentMismatch)

	// So is a flipped hash over an intact payload.
	flipped := make([]contracts.LedgerEvent, len(events))
	copy(flipped, events)
	flipped[1].ContentHash = append([]byte(nil), events[1].ContentHash...)
	flipped[1].ContentHash[0] ^= 0xff
	assert.ErrorIs(t, VerifyBatch(flipped, b, &signer.PublicKey), ErrContentMismatch)

	// A consistent rewrite, payload and hash both redone, moves the leaf
	// and is caught by the root.
	rehashed := make([]contracts.LedgerEvent, len(events))
	copy(rehashed, events)
	recost := int64(424242)
	rehashed[2].CostMinorUnits = &recost
	rehashed[2].ContentHash = nil
	require.NoError(t, store.StampContentHash(&rehashed[2]))
	assert.ErrorIs(t, VerifyBatch(rehashed, b, &signer.PublicKey), ErrRootMismatch)

	// A missing event is caught by the range check.
	assert.ErrorIs(t, VerifyBatch(events[:3], b, &signer.PublicKey), ErrRangeGap)

	// A forged signature is caught last.
	forged := *b
	forged.Signature = append([]byte(nil), b.Signature...)
	forged.Signature[5] ^= 0x01
	assert.ErrorIs(t, VerifyBatch(events, &forged, &signer.PublicKey), ErrBadBatchSig)
}
