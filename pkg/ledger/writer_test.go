package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caracal-sh/caracal/pkg/contracts"
	"github.com/caracal-sh/caracal/pkg/spending"
	"github.com/caracal-sh/caracal/pkg/store"
)

func setup(t *testing.T) (store.Store, uuid.UUID) {
	t.Helper()
	st := store.NewMemoryStore()
	p := contracts.Principal{ID: uuid.New(), PublicKey: []byte("pk"), CreatedAt: time.Now()}
	require.NoError(t, st.CreatePrincipal(context.Background(), &p))
	return st, p.ID
}

func metering(principal uuid.UUID, cost int64, seq int64) *contracts.LedgerEvent {
	return &contracts.LedgerEvent{
		PrincipalID:    principal,
		Type:           contracts.EventMetering,
		Resource:       "openai:gpt-4:completions",
		Action:         "call",
		CostMinorUnits: &cost,
		Currency:       "USD",
		ProducerSeq:    &seq,
	}
}

func TestAppendAssignsMonotonicIDsAndHash(t *testing.T) {
	ctx := context.Background()
	st, principal := setup(t)

	w, err := NewWriter(ctx, 0, st, nil, nil, nil)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	for i := int64(1); i <= 3; i++ {
		ev := metering(principal, 100, i)
		require.NoError(t, w.Append(ctx, ev))
		assert.Equal(t, i, ev.ID)
		assert.Len(t, ev.ContentHash, 32)
	}
}

func TestAppendUpdatesSpendingCache(t *testing.T) {
	ctx := context.Background()
	st, principal := setup(t)
	cache := spending.NewMemoryCache(24 * time.Hour)

	w, err := NewWriter(ctx, 0, st, cache, nil, nil)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, w.Append(ctx, metering(principal, 250, 1)))
	require.NoError(t, w.Append(ctx, metering(principal, 750, 2)))

	now := time.Now()
	total, err := cache.WindowTotal(ctx, principal, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), total)
}

type failingCache struct{}

func (failingCache) Add(context.Context, uuid.UUID, spending.Entry) error {
	return errors.New("redis down")
}
func (failingCache) WindowTotal(context.Context, uuid.UUID, time.Time, time.Time) (int64, error) {
	return 0, errors.New("redis down")
}
func (failingCache) Trend(context.Context, uuid.UUID, time.Time, time.Duration, time.Duration) ([]spending.TrendBucket, error) {
	return nil, errors.New("redis down")
}
func (failingCache) Close() error { return nil }

func TestAppendSurvivesCacheFailure(t *testing.T) {
	ctx := context.Background()
	st, principal := setup(t)

	w, err := NewWriter(ctx, 0, st, failingCache{}, nil, nil)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	ev := metering(principal, 100, 1)
	require.NoError(t, w.Append(ctx, ev))

	// Durability is unaffected.
	got, err := st.GetEvent(ctx, 0, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)
}

func TestAppendDuplicateSeqIsTypedError(t *testing.T) {
	ctx := context.Background()
	st, principal := setup(t)

	w, err := NewWriter(ctx, 0, st, nil, nil, nil)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, w.Append(ctx, metering(principal, 100, 7)))
	err = w.Append(ctx, metering(principal, 100, 7))
	assert.ErrorIs(t, err, ErrDuplicate)

	max, err := st.MaxEventID(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), max)
}

func TestWriterHoldsPartitionLock(t *testing.T) {
	ctx := context.Background()
	st, _ := setup(t)

	w, err := NewWriter(ctx, 0, st, nil, nil, nil)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = NewWriter(short, 0, st, nil, nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, w.Close())
	w2, err := NewWriter(ctx, 0, st, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, w2.Close())
}
