// Package pipeline moves bus records into their downstream effects: ledger
// rows, metrics, audit lines. Delivery is at-least-once; handlers are
// idempotent, and a record that keeps failing lands on the DLQ topic with
// enough context to replay it by hand.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/caracal-sh/caracal/pkg/bus"
	"github.com/caracal-sh/caracal/pkg/contracts"
)

// Producer sequence numbers fold the source topic into the high byte so the
// same bus offset on two topics can never collide on one principal's
// (principal_id, producer_seq) dedupe key.
const (
	topicBits = 56

	topicIDMetering  int64 = 1
	topicIDDecisions int64 = 2
	topicIDLifecycle int64 = 3
)

var topicIDs = map[string]int64{
	contracts.TopicMetering:  topicIDMetering,
	contracts.TopicDecisions: topicIDDecisions,
	contracts.TopicLifecycle: topicIDLifecycle,
}

// ProducerSeq derives the ledger dedupe sequence for a bus record.
func ProducerSeq(topic string, offset int64) int64 {
	return topicIDs[topic]<<topicBits | (offset & (1<<topicBits - 1))
}

// Handler processes one validated record. Returning nil commits the record;
// an error triggers the retry ladder and eventually the DLQ.
type Handler interface {
	Handle(ctx context.Context, msg bus.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg bus.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg bus.Message) error { return f(ctx, msg) }

// retrySchedule is the in-process backoff before a record is dead-lettered.
var retrySchedule = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

const pollBatch = 128

// Worker drives one consumer group over one topic.
type Worker struct {
	topic   string
	group   string
	handler Handler
	dlq     bus.Publisher
	log     *slog.Logger
	metrics *Metrics

	consumer bus.Consumer
	sleep    func(context.Context, time.Duration) error
}

// NewWorker subscribes the group and returns a worker ready to Run.
func NewWorker(ctx context.Context, b bus.Bus, topic, group string, h Handler, log *slog.Logger, metrics *Metrics) (*Worker, error) {
	if log == nil {
		log = slog.Default()
	}
	c, err := b.Subscribe(ctx, topic, group)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s/%s: %w", topic, group, err)
	}
	return &Worker{
		topic:    topic,
		group:    group,
		handler:  h,
		dlq:      b,
		log:      log.With("component", "pipeline", "topic", topic, "group", group),
		metrics:  metrics,
		consumer: c,
		sleep:    sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run polls until ctx is canceled. It never returns on handler failures;
// only transport errors or cancellation stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	defer w.consumer.Close()
	for {
		msgs, err := w.consumer.Poll(ctx, pollBatch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, bus.ErrClosed) {
				return err
			}
			w.log.Warn("poll failed", "error", err)
			if serr := w.sleep(ctx, time.Second); serr != nil {
				return serr
			}
			continue
		}
		for _, msg := range msgs {
			if err := w.process(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// DLQ publish failed; leave the record uncommitted so the
				// transport redelivers it.
				w.log.Error("record stuck, will be redelivered", "offset", msg.Offset, "error", err)
				continue
			}
			if err := w.consumer.Commit(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.log.Warn("commit failed", "offset", msg.Offset, "error", err)
			}
		}
	}
}

// process runs validation, the handler with retries, and on exhaustion the
// dead-letter publish. A nil return means the record may be committed.
func (w *Worker) process(ctx context.Context, msg bus.Message) error {
	if err := bus.ValidateMessage(msg.Topic, msg.Value); err != nil {
		// Retrying cannot fix a malformed payload.
		w.log.Warn("schema rejection", "offset", msg.Offset, "error", err)
		return w.deadLetter(ctx, msg, "schema_validation", err, 0)
	}

	err := w.handler.Handle(ctx, msg)
	retries := 0
	for err != nil && retries < len(retrySchedule) {
		if serr := w.sleep(ctx, retrySchedule[retries]); serr != nil {
			return serr
		}
		retries++
		w.metrics.retried(ctx, w.topic, w.group)
		w.log.Warn("handler retry", "offset", msg.Offset, "attempt", retries, "error", err)
		err = w.handler.Handle(ctx, msg)
	}
	if err != nil {
		return w.deadLetter(ctx, msg, "handler_failure", err, retries)
	}
	w.metrics.processed(ctx, w.topic, w.group)
	return nil
}

func (w *Worker) deadLetter(ctx context.Context, msg bus.Message, errType string, cause error, retries int) error {
	ev := contracts.DLQEvent{
		DLQID:             uuid.NewString(),
		OriginalTopic:     msg.Topic,
		OriginalPartition: msg.Partition,
		OriginalOffset:    msg.Offset,
		OriginalKey:       msg.Key,
		OriginalValue:     string(msg.Value),
		ErrorType:         errType,
		ErrorMessage:      cause.Error(),
		RetryCount:        retries,
		FailureTimestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		ConsumerGroup:     w.group,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal dlq event: %w", err)
	}
	if err := w.dlq.Publish(ctx, contracts.TopicDLQ, msg.Key, payload); err != nil {
		return fmt.Errorf("publish dlq: %w", err)
	}
	w.metrics.deadLettered(ctx, w.topic, w.group)
	w.log.Error("record dead-lettered",
		"dlq_id", ev.DLQID, "offset", msg.Offset, "error_type", errType, "cause", cause)
	return nil
}
