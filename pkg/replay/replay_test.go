package replay

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caracal-sh/caracal/pkg/contracts"
	"github.com/caracal-sh/caracal/pkg/crypto"
	"github.com/caracal-sh/caracal/pkg/merkle"
	"github.com/caracal-sh/caracal/pkg/spending"
	"github.com/caracal-sh/caracal/pkg/store"
)

var testMaster = []byte("0123456789abcdef0123456789abcdef")

type fixture struct {
	st   *store.MemoryStore
	keys *crypto.KeyRing
	agg  *merkle.Aggregator
	reb  *Rebuilder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	keys := crypto.NewKeyRing(testMaster)
	log := slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
	return &fixture{
		st:   st,
		keys: keys,
		agg:  merkle.NewAggregator(0, st, keys, log),
		reb:  NewRebuilder(st, keys, log),
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func (f *fixture) appendMetering(t *testing.T, principal uuid.UUID, cost int64, ts time.Time) *contracts.LedgerEvent {
	t.Helper()
	c := cost
	ev := &contracts.LedgerEvent{
		Partition:      0,
		TSMillis:       ts.UnixMilli(),
		PrincipalID:    principal,
		Type:           contracts.EventMetering,
		Resource:       "api:llm:tokens",
		CostMinorUnits: &c,
		Currency:       "USD",
	}
	require.NoError(t, f.st.AppendEvent(context.Background(), ev))
	require.NoError(t, f.agg.Enqueue(context.Background(), ev))
	return ev
}

func (f *fixture) appendLifecycle(t *testing.T, typ contracts.EventType, principal, mandate uuid.UUID) {
	t.Helper()
	ev := &contracts.LedgerEvent{
		Partition:   0,
		TSMillis:    time.Now().UnixMilli(),
		PrincipalID: principal,
		Type:        typ,
		MandateID:   &mandate,
	}
	require.NoError(t, f.st.AppendEvent(context.Background(), ev))
	require.NoError(t, f.agg.Enqueue(context.Background(), ev))
}

func TestRebuildFoldsSpendAndMandates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	m1, m2 := uuid.New(), uuid.New()

	now := time.Now()
	f.appendMetering(t, alice, 100, now)
	f.appendMetering(t, alice, 50, now)
	f.appendMetering(t, bob, 7, now)
	f.appendLifecycle(t, contracts.EventIssue, alice, m1)
	f.appendLifecycle(t, contracts.EventDelegate, bob, m2)
	f.appendLifecycle(t, contracts.EventRevoke, bob, m2)
	require.NoError(t, f.agg.Flush(ctx))

	state, err := f.reb.Rebuild(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(150), state.SpendTotals[alice.String()])
	assert.Equal(t, int64(7), state.SpendTotals[bob.String()])
	assert.True(t, state.ActiveMandates[m1.String()])
	assert.False(t, state.ActiveMandates[m2.String()])
	assert.Equal(t, int64(6), state.LastEventID)
}

func TestRebuildIsDeterministic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := uuid.New()
	for i := 0; i < 10; i++ {
		f.appendMetering(t, p, int64(i+1), time.Now())
	}
	require.NoError(t, f.agg.Flush(ctx))

	first, err := f.reb.Rebuild(ctx, 0)
	require.NoError(t, err)
	second, err := f.reb.Rebuild(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRebuildResumesFromSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := uuid.New()

	f.appendMetering(t, p, 10, time.Now())
	f.appendMetering(t, p, 20, time.Now())
	require.NoError(t, f.agg.Flush(ctx))

	state, err := f.reb.Rebuild(ctx, 0)
	require.NoError(t, err)
	snap, err := f.reb.Snapshot(ctx, 0, state)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.LedgerOffset)

	f.appendMetering(t, p, 5, time.Now())
	require.NoError(t, f.agg.Flush(ctx))

	resumed, err := f.reb.Rebuild(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(35), resumed.SpendTotals[p.String()])
	assert.Equal(t, int64(3), resumed.LastEventID)
}

func TestRebuildHaltsOnTamperedEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := uuid.New()
	ev := f.appendMetering(t, p, 10, time.Now())
	f.appendMetering(t, p, 20, time.Now())
	require.NoError(t, f.agg.Flush(ctx))

	// Flip a bit in a sealed event's content hash.
	f.Tamper(t, ev.ID)

	_, err := f.reb.Rebuild(ctx, 0)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestRebuildHaltsOnRewrittenPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := uuid.New()
	f.appendMetering(t, p, 10, time.Now())
	target := f.appendMetering(t, p, 100, time.Now())
	f.appendMetering(t, p, 20, time.Now())
	require.NoError(t, f.agg.Flush(ctx))

	// Rewrite a sealed event's cost and leave its recorded hash untouched.
	events, err := f.st.EventsInRange(ctx, 0, target.ID, target.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	forged := int64(999999)
	events[0].CostMinorUnits = &forged
	f.st.OverwriteEventForTest(events[0])

	_, err = f.reb.Rebuild(ctx, 0)
	assert.ErrorIs(t, err, ErrIntegrity)
}

// Tamper rewrites a stored event's content hash in place.
func (f *fixture) Tamper(t *testing.T, id int64) {
	t.Helper()
	events, err := f.st.EventsInRange(context.Background(), 0, id, id)
	require.NoError(t, err)
	require.Len(t, events, 1)
	events[0].ContentHash[0] ^= 0xff
	f.st.OverwriteEventForTest(events[0])
}

func TestVerifyPartitionPassesOnEmptyLedger(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.reb.VerifyPartition(context.Background(), 0))
}

func TestSeedCacheReplaysRecentSpendOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := uuid.New()
	now := time.Now()

	f.appendMetering(t, p, 100, now.Add(-48*time.Hour)) // outside retention
	f.appendMetering(t, p, 30, now.Add(-time.Hour))
	f.appendMetering(t, p, 12, now)
	require.NoError(t, f.agg.Flush(ctx))

	cache := spending.NewMemoryCache(spending.DefaultRetention)
	require.NoError(t, f.reb.SeedCache(ctx, 0, cache, spending.DefaultRetention))

	total, err := cache.WindowTotal(ctx, p, now.Add(-2*time.Hour), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(42), total)

	old, err := cache.WindowTotal(ctx, p, now.Add(-72*time.Hour), now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, old)
}
