package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caracal-sh/caracal/pkg/bus"
	"github.com/caracal-sh/caracal/pkg/contracts"
	"github.com/caracal-sh/caracal/pkg/ledger"
	"github.com/caracal-sh/caracal/pkg/pricebook"
	"github.com/caracal-sh/caracal/pkg/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func noSleep(context.Context, time.Duration) error { return nil }

func meteringPayload(t *testing.T, principal uuid.UUID, cost int64) []byte {
	t.Helper()
	payload, err := json.Marshal(contracts.MeteringEvent{
		SchemaVersion: contracts.SchemaVersion,
		PrincipalID:   principal.String(),
		ResourceType:  "api:llm:tokens",
		Quantity:      1000,
		CostMinor:     cost,
		Currency:      "USD",
		TSMillis:      time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	return payload
}

func newTestWorker(t *testing.T, b bus.Bus, topic string, h Handler) *Worker {
	t.Helper()
	w, err := NewWorker(context.Background(), b, topic, "test-group", h, testLogger(), nil)
	require.NoError(t, err)
	w.sleep = noSleep
	return w
}

func TestProducerSeqDisambiguatesTopics(t *testing.T) {
	// The same bus offset on two topics must map to distinct dedupe keys.
	a := ProducerSeq(contracts.TopicMetering, 42)
	b := ProducerSeq(contracts.TopicDecisions, 42)
	c := ProducerSeq(contracts.TopicLifecycle, 42)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, b, c)
	assert.NotEqual(t, a, c)

	// Offset ordering survives within one topic.
	assert.Less(t, ProducerSeq(contracts.TopicMetering, 10), ProducerSeq(contracts.TopicMetering, 11))

	// Redis stream offsets (ms*1000+seq) fit without touching the topic byte.
	redisOffset := time.Now().UnixMilli()*1000 + 7
	seq := ProducerSeq(contracts.TopicMetering, redisOffset)
	assert.Equal(t, topicIDMetering, seq>>topicBits)
	assert.Equal(t, redisOffset, seq&(1<<topicBits-1))
}

func TestWorkerCommitsOnSuccess(t *testing.T) {
	b := bus.NewMemoryBus(1)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	principal := uuid.New()
	require.NoError(t, b.Publish(ctx, contracts.TopicMetering, principal.String(), meteringPayload(t, principal, 25)))

	handled := make(chan bus.Message, 1)
	w := newTestWorker(t, b, contracts.TopicMetering, HandlerFunc(func(_ context.Context, msg bus.Message) error {
		handled <- msg
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case msg := <-handled:
		assert.Equal(t, contracts.TopicMetering, msg.Topic)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	// The record was committed: a new consumer in the group sees nothing.
	c, err := b.Subscribe(context.Background(), contracts.TopicMetering, "test-group")
	require.NoError(t, err)
	defer c.Close()
	pollCtx, pollCancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer pollCancel()
	msgs, err := c.Poll(pollCtx, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestWorkerDeadLettersAfterRetries(t *testing.T) {
	b := bus.NewMemoryBus(1)
	defer b.Close()
	ctx := context.Background()

	principal := uuid.New()
	payload := meteringPayload(t, principal, 10)

	attempts := 0
	w := newTestWorker(t, b, contracts.TopicMetering, HandlerFunc(func(context.Context, bus.Message) error {
		attempts++
		return errors.New("downstream unavailable")
	}))

	msg := bus.Message{
		Topic:     contracts.TopicMetering,
		Partition: 0,
		Offset:    9,
		Key:       principal.String(),
		Value:     payload,
	}
	require.NoError(t, w.process(ctx, msg))
	assert.Equal(t, 4, attempts) // first try plus three retries

	dlqConsumer, err := b.Subscribe(ctx, contracts.TopicDLQ, "dlq-check")
	require.NoError(t, err)
	defer dlqConsumer.Close()
	pollCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msgs, err := dlqConsumer.Poll(pollCtx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var dl contracts.DLQEvent
	require.NoError(t, json.Unmarshal(msgs[0].Value, &dl))
	assert.NotEmpty(t, dl.DLQID)
	assert.Equal(t, contracts.TopicMetering, dl.OriginalTopic)
	assert.Equal(t, int32(0), dl.OriginalPartition)
	assert.Equal(t, int64(9), dl.OriginalOffset)
	assert.Equal(t, string(payload), dl.OriginalValue)
	assert.Equal(t, "handler_failure", dl.ErrorType)
	assert.Contains(t, dl.ErrorMessage, "downstream unavailable")
	assert.Equal(t, 3, dl.RetryCount)
	assert.Equal(t, "test-group", dl.ConsumerGroup)
	assert.NoError(t, bus.ValidateMessage(contracts.TopicDLQ, msgs[0].Value))
}

func TestWorkerDeadLettersSchemaRejectsWithoutRetry(t *testing.T) {
	b := bus.NewMemoryBus(1)
	defer b.Close()
	ctx := context.Background()

	attempts := 0
	w := newTestWorker(t, b, contracts.TopicMetering, HandlerFunc(func(context.Context, bus.Message) error {
		attempts++
		return nil
	}))

	require.NoError(t, w.process(ctx, bus.Message{
		Topic: contracts.TopicMetering,
		Value: []byte(`{"schema_version":1}`),
	}))
	assert.Zero(t, attempts)

	dlqConsumer, err := b.Subscribe(ctx, contracts.TopicDLQ, "dlq-check")
	require.NoError(t, err)
	defer dlqConsumer.Close()
	pollCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msgs, err := dlqConsumer.Poll(pollCtx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var dl contracts.DLQEvent
	require.NoError(t, json.Unmarshal(msgs[0].Value, &dl))
	assert.Equal(t, "schema_validation", dl.ErrorType)
	assert.Zero(t, dl.RetryCount)
}

func TestWorkerLeavesRecordWhenDLQPublishFails(t *testing.T) {
	b := bus.NewMemoryBus(1)
	ctx := context.Background()
	w := newTestWorker(t, b, contracts.TopicMetering, HandlerFunc(func(context.Context, bus.Message) error {
		return errors.New("always fails")
	}))
	// A closed bus cannot accept the DLQ record; process must surface the
	// error so the worker skips the commit.
	require.NoError(t, b.Close())
	err := w.process(ctx, bus.Message{Topic: contracts.TopicMetering, Value: meteringPayload(t, uuid.New(), 1)})
	assert.ErrorIs(t, err, bus.ErrClosed)
}

func TestLedgerHandlerWritesMeteringRow(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	principal := uuid.New()
	require.NoError(t, st.CreatePrincipal(ctx, &contracts.Principal{
		ID: principal, DisplayName: "agent", Owner: "ops", CreatedAt: time.Now().UTC(),
	}))

	w, err := ledger.NewWriter(ctx, 0, st, nil, nil, testLogger())
	require.NoError(t, err)
	defer w.Close()
	h, err := NewLedgerHandler(map[int32]*ledger.Writer{0: w}, 1, nil)
	require.NoError(t, err)

	msg := bus.Message{
		Topic:  contracts.TopicMetering,
		Offset: 3,
		Key:    principal.String(),
		Value:  meteringPayload(t, principal, 125),
	}
	require.NoError(t, h.Handle(ctx, msg))

	events, err := st.EventsInRange(ctx, 0, 1, 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, contracts.EventMetering, ev.Type)
	assert.Equal(t, principal, ev.PrincipalID)
	require.NotNil(t, ev.CostMinorUnits)
	assert.Equal(t, int64(125), *ev.CostMinorUnits)
	require.NotNil(t, ev.ProducerSeq)
	assert.Equal(t, ProducerSeq(contracts.TopicMetering, 3), *ev.ProducerSeq)

	// Redelivery of the same offset is a no-op, not an error and not a row.
	require.NoError(t, h.Handle(ctx, msg))
	events, err = st.EventsInRange(ctx, 0, 1, 100)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestLedgerHandlerWritesDecisionRow(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	principal := uuid.New()
	require.NoError(t, st.CreatePrincipal(ctx, &contracts.Principal{
		ID: principal, DisplayName: "agent", Owner: "ops", CreatedAt: time.Now().UTC(),
	}))

	w, err := ledger.NewWriter(ctx, 0, st, nil, nil, testLogger())
	require.NoError(t, err)
	defer w.Close()
	h, err := NewLedgerHandler(map[int32]*ledger.Writer{0: w}, 1, nil)
	require.NoError(t, err)

	mandateID := uuid.New()
	payload, err := json.Marshal(contracts.DecisionEvent{
		SchemaVersion: contracts.SchemaVersion,
		PrincipalID:   principal.String(),
		MandateID:     mandateID.String(),
		Action:        "invoke",
		Resource:      "api:tool:search",
		Allowed:       false,
		Reason:        contracts.ReasonOutOfScope,
		TSMillis:      time.Now().UnixMilli(),
	})
	require.NoError(t, err)

	require.NoError(t, h.Handle(ctx, bus.Message{Topic: contracts.TopicDecisions, Offset: 1, Value: payload}))

	events, err := st.EventsInRange(ctx, 0, 1, 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, contracts.EventDecisionDeny, events[0].Type)
	assert.Equal(t, contracts.OutcomeDenied, events[0].Outcome)
	assert.Equal(t, "invoke", events[0].Action)
	require.NotNil(t, events[0].MandateID)
	assert.Equal(t, mandateID, *events[0].MandateID)
	assert.Contains(t, string(events[0].Metadata), string(contracts.ReasonOutOfScope))
}

func TestLedgerHandlerPricesUnpricedMetering(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	principal := uuid.New()
	require.NoError(t, st.CreatePrincipal(ctx, &contracts.Principal{
		ID: principal, DisplayName: "agent", CreatedAt: time.Now().UTC(),
	}))

	w, err := ledger.NewWriter(ctx, 0, st, nil, nil, testLogger())
	require.NoError(t, err)
	defer w.Close()
	book := pricebook.NewStatic([]pricebook.Rate{
		{Resource: "api:llm:tokens", UnitCostMinor: 3, Currency: "USD"},
	})
	h, err := NewLedgerHandler(map[int32]*ledger.Writer{0: w}, 1, book)
	require.NoError(t, err)

	// Zero cost: the rate card prices quantity x unit cost.
	payload, err := json.Marshal(contracts.MeteringEvent{
		SchemaVersion: contracts.SchemaVersion,
		PrincipalID:   principal.String(),
		ResourceType:  "api:llm:tokens",
		Quantity:      50,
		Currency:      "USD",
		TSMillis:      time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	require.NoError(t, h.Handle(ctx, bus.Message{Topic: contracts.TopicMetering, Offset: 1, Value: payload}))

	events, err := st.EventsInRange(ctx, 0, 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].CostMinorUnits)
	assert.Equal(t, int64(150), *events[0].CostMinorUnits)
	assert.Equal(t, "USD", events[0].Currency)

	// No rate covers the resource: the row lands anyway, flagged.
	unknown, err := json.Marshal(contracts.MeteringEvent{
		SchemaVersion: contracts.SchemaVersion,
		PrincipalID:   principal.String(),
		ResourceType:  "api:unknown:thing",
		Quantity:      5,
		Currency:      "USD",
		TSMillis:      time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	require.NoError(t, h.Handle(ctx, bus.Message{Topic: contracts.TopicMetering, Offset: 2, Value: unknown}))

	events, err = st.EventsInRange(ctx, 0, 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.NotNil(t, events[1].CostMinorUnits)
	assert.Zero(t, *events[1].CostMinorUnits)
	assert.Contains(t, string(events[1].Metadata), `"unpriced":true`)

	// A producer-priced record is left alone.
	require.NoError(t, h.Handle(ctx, bus.Message{Topic: contracts.TopicMetering, Offset: 3, Value: meteringPayload(t, principal, 999)}))
	events, err = st.EventsInRange(ctx, 0, 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(999), *events[2].CostMinorUnits)
}

func TestLedgerHandlerWritesDenialWithoutResolvedMandate(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	w, err := ledger.NewWriter(ctx, 0, st, nil, nil, testLogger())
	require.NoError(t, err)
	defer w.Close()
	h, err := NewLedgerHandler(map[int32]*ledger.Writer{0: w}, 1, nil)
	require.NoError(t, err)

	// An unknown-mandate denial carries the nil principal; it must pass
	// the topic schema and still land as a decision_deny row.
	payload, err := json.Marshal(contracts.DecisionEvent{
		SchemaVersion: contracts.SchemaVersion,
		PrincipalID:   uuid.Nil.String(),
		Action:        "invoke",
		Resource:      "api:tool:search",
		Allowed:       false,
		Reason:        contracts.ReasonUnknownMandate,
		TSMillis:      time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	require.NoError(t, bus.ValidateMessage(contracts.TopicDecisions, payload))
	require.NoError(t, h.Handle(ctx, bus.Message{Topic: contracts.TopicDecisions, Offset: 1, Value: payload}))

	maxID, err := st.MaxEventID(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), maxID)

	events, err := st.EventsInRange(ctx, 0, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, contracts.EventDecisionDeny, events[0].Type)
	assert.Equal(t, uuid.Nil, events[0].PrincipalID)
	assert.Nil(t, events[0].MandateID)
	assert.Contains(t, string(events[0].Metadata), string(contracts.ReasonUnknownMandate))
}

func TestLedgerHandlerRejectsMalformedPayload(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	w, err := ledger.NewWriter(ctx, 0, st, nil, nil, testLogger())
	require.NoError(t, err)
	defer w.Close()
	h, err := NewLedgerHandler(map[int32]*ledger.Writer{0: w}, 1, nil)
	require.NoError(t, err)

	err = h.Handle(ctx, bus.Message{Topic: contracts.TopicMetering, Value: []byte("not json")})
	assert.Error(t, err)

	err = h.Handle(ctx, bus.Message{Topic: "mystery.topic", Value: []byte("{}")})
	assert.Error(t, err)
}

func TestAuditHandlerToleratesEveryTopic(t *testing.T) {
	h := NewAuditHandler(testLogger())
	ctx := context.Background()

	decision, _ := json.Marshal(contracts.DecisionEvent{SchemaVersion: 1, PrincipalID: "p", Action: "a", Resource: "r", Reason: contracts.ReasonAllow, Allowed: true, TSMillis: 1})
	assert.NoError(t, h.Handle(ctx, bus.Message{Topic: contracts.TopicDecisions, Value: decision}))

	lifecycle, _ := json.Marshal(contracts.PolicyChangeEvent{SchemaVersion: 1, Change: "issue", TSMillis: 1})
	assert.NoError(t, h.Handle(ctx, bus.Message{Topic: contracts.TopicLifecycle, Value: lifecycle}))

	dlq, _ := json.Marshal(contracts.DLQEvent{DLQID: "d", OriginalTopic: "t", ErrorType: "x", ConsumerGroup: "g"})
	assert.NoError(t, h.Handle(ctx, bus.Message{Topic: contracts.TopicDLQ, Value: dlq}))

	assert.Error(t, h.Handle(ctx, bus.Message{Topic: contracts.TopicDecisions, Value: []byte("{{")}))
}
