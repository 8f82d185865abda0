package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caracal-sh/caracal/pkg/contracts"
)

func poll(t *testing.T, c Consumer, max int) []Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msgs, err := c.Poll(ctx, max)
	require.NoError(t, err)
	return msgs
}

func TestMemoryBusDeliversInOrderPerKey(t *testing.T) {
	b := NewMemoryBus(4)
	defer b.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(ctx, "t", "same-key", []byte(fmt.Sprintf("m%d", i))))
	}

	c, err := b.Subscribe(ctx, "t", "g")
	require.NoError(t, err)
	defer c.Close()

	msgs := poll(t, c, 100)
	require.Len(t, msgs, 10)
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprintf("m%d", i), string(m.Value))
		assert.Equal(t, msgs[0].Partition, m.Partition)
		assert.Equal(t, int64(i), m.Offset)
	}
}

func TestMemoryBusNewGroupStartsAtEarliest(t *testing.T) {
	b := NewMemoryBus(1)
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "t", "k", []byte("before-subscribe")))

	c, err := b.Subscribe(ctx, "t", "late-group")
	require.NoError(t, err)
	defer c.Close()

	msgs := poll(t, c, 10)
	require.Len(t, msgs, 1)
	assert.Equal(t, "before-subscribe", string(msgs[0].Value))
}

func TestMemoryBusUncommittedRedeliveredAfterConsumerClose(t *testing.T) {
	b := NewMemoryBus(1)
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "t", "k", []byte("a")))
	require.NoError(t, b.Publish(ctx, "t", "k", []byte("b")))

	c1, err := b.Subscribe(ctx, "t", "g")
	require.NoError(t, err)
	msgs := poll(t, c1, 10)
	require.Len(t, msgs, 2)
	require.NoError(t, c1.Commit(ctx, msgs[0]))
	// "b" stays in flight; closing the consumer releases it.
	require.NoError(t, c1.Close())

	c2, err := b.Subscribe(ctx, "t", "g")
	require.NoError(t, err)
	defer c2.Close()
	msgs = poll(t, c2, 10)
	require.Len(t, msgs, 1)
	assert.Equal(t, "b", string(msgs[0].Value))
}

func TestMemoryBusCommitIsPerGroup(t *testing.T) {
	b := NewMemoryBus(1)
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "t", "k", []byte("x")))

	c1, err := b.Subscribe(ctx, "t", "g1")
	require.NoError(t, err)
	defer c1.Close()
	c2, err := b.Subscribe(ctx, "t", "g2")
	require.NoError(t, err)
	defer c2.Close()

	m1 := poll(t, c1, 10)
	require.Len(t, m1, 1)
	require.NoError(t, c1.Commit(ctx, m1[0]))

	// g2's cursor is untouched by g1's commit.
	m2 := poll(t, c2, 10)
	require.Len(t, m2, 1)
	assert.Equal(t, "x", string(m2[0].Value))
}

func TestMemoryBusPollHonorsContext(t *testing.T) {
	b := NewMemoryBus(1)
	defer b.Close()
	c, err := b.Subscribe(context.Background(), "empty", "g")
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Poll(ctx, 10)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryBusClosedOperations(t *testing.T) {
	b := NewMemoryBus(1)
	ctx := context.Background()
	c, err := b.Subscribe(ctx, "t", "g")
	require.NoError(t, err)
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Publish(ctx, "t", "k", nil), ErrClosed)
	_, err = b.Subscribe(ctx, "t", "g2")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.Poll(ctx, 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPartitionForStableAndBounded(t *testing.T) {
	p := PartitionFor("principal-42", 8)
	for i := 0; i < 5; i++ {
		assert.Equal(t, p, PartitionFor("principal-42", 8))
	}
	assert.GreaterOrEqual(t, p, int32(0))
	assert.Less(t, p, int32(8))
	assert.Equal(t, int32(0), PartitionFor("anything", 1))
}

func TestEntryOffsetOrdering(t *testing.T) {
	assert.Equal(t, int64(1700000000000*1000+0), entryOffset("1700000000000-0"))
	assert.Equal(t, int64(1700000000000*1000+7), entryOffset("1700000000000-7"))
	assert.Less(t, entryOffset("1700000000000-9"), entryOffset("1700000000001-0"))
	assert.Equal(t, int64(0), entryOffset("garbage"))
}

func TestValidateMessage(t *testing.T) {
	good, err := json.Marshal(contracts.MeteringEvent{
		SchemaVersion: 1,
		PrincipalID:   "0b5c9f1e-6f6c-4f7e-9f44-2f3f8a6f1a2b",
		ResourceType:  "api:llm:tokens",
		Quantity:      1200,
		CostMinor:     36,
		Currency:      "USD",
		TSMillis:      time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	assert.NoError(t, ValidateMessage(contracts.TopicMetering, good))

	t.Run("missing required field", func(t *testing.T) {
		bad := []byte(`{"schema_version":1,"principal_id":"x","quantity":1}`)
		assert.Error(t, ValidateMessage(contracts.TopicMetering, bad))
	})
	t.Run("wrong type", func(t *testing.T) {
		bad := []byte(`{"schema_version":1,"principal_id":"x","resource_type":"r","quantity":"many","cost_minor_units":1,"currency":"USD","ts_ms":1}`)
		assert.Error(t, ValidateMessage(contracts.TopicMetering, bad))
	})
	t.Run("not json", func(t *testing.T) {
		assert.Error(t, ValidateMessage(contracts.TopicMetering, []byte("{{")))
	})
	t.Run("unknown extra fields pass", func(t *testing.T) {
		var doc map[string]any
		require.NoError(t, json.Unmarshal(good, &doc))
		doc["future_field"] = "ignored"
		withExtra, err := json.Marshal(doc)
		require.NoError(t, err)
		assert.NoError(t, ValidateMessage(contracts.TopicMetering, withExtra))
	})
	t.Run("unregistered topic passes", func(t *testing.T) {
		assert.NoError(t, ValidateMessage("adhoc.topic", []byte(`{"anything":true}`)))
	})
}

func TestValidateMessageDecision(t *testing.T) {
	payload, err := json.Marshal(contracts.DecisionEvent{
		SchemaVersion: 1,
		PrincipalID:   "0b5c9f1e-6f6c-4f7e-9f44-2f3f8a6f1a2b",
		Action:        "invoke",
		Resource:      "api:tool:search",
		Allowed:       false,
		Reason:        contracts.ReasonRevoked,
		TSMillis:      1,
	})
	require.NoError(t, err)
	assert.NoError(t, ValidateMessage(contracts.TopicDecisions, payload))

	// Denials with no resolved mandate carry the nil principal.
	nilPrincipal, err := json.Marshal(contracts.DecisionEvent{
		SchemaVersion: 1,
		PrincipalID:   uuid.Nil.String(),
		Action:        "invoke",
		Resource:      "api:tool:search",
		Allowed:       false,
		Reason:        contracts.ReasonUnknownMandate,
		TSMillis:      1,
	})
	require.NoError(t, err)
	assert.NoError(t, ValidateMessage(contracts.TopicDecisions, nilPrincipal))

	// An empty principal id is a producer bug, not a retryable record.
	empty := []byte(`{"schema_version":1,"principal_id":"","action":"a","resource":"r","allowed":false,"reason":"UnknownMandate","ts_ms":1}`)
	assert.Error(t, ValidateMessage(contracts.TopicDecisions, empty))

	assert.Error(t, ValidateMessage(contracts.TopicDecisions, []byte(`{"schema_version":1}`)))
}

func TestValidateMessagePolicyChange(t *testing.T) {
	ok := []byte(`{"schema_version":1,"change":"revoke","ts_ms":1}`)
	assert.NoError(t, ValidateMessage(contracts.TopicPolicyChanges, ok))

	badEnum := []byte(`{"schema_version":1,"change":"explode","ts_ms":1}`)
	assert.Error(t, ValidateMessage(contracts.TopicPolicyChanges, badEnum))
}
