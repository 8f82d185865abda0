// Package bus is the event transport: partitioned topics, consumer groups,
// at-least-once delivery with explicit offset commits. Two implementations
// exist, an in-process bus for tests and single-node runs, and a Redis
// Streams bus for deployments.
package bus

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed bus or consumer.
var ErrClosed = errors.New("bus: closed")

// Message is one delivered record. Offsets increase per (topic, partition)
// and carry no meaning across partitions.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       string
	Value     []byte
	Timestamp time.Time

	// raw is the transport-native id needed to ack, e.g. a Redis stream
	// entry id. Empty on the memory bus.
	raw string
}

// Publisher appends records. The key selects the partition, so records
// sharing a key stay ordered relative to each other.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Consumer reads one topic on behalf of one group. Poll blocks up to its
// internal wait (1s) when no records are pending; Commit is synchronous and
// marks everything up to and including the message as processed for the
// group within the message's partition.
type Consumer interface {
	Poll(ctx context.Context, max int) ([]Message, error)
	Commit(ctx context.Context, msg Message) error
	Close() error
}

// Bus is the full transport surface.
type Bus interface {
	Publisher
	// Subscribe attaches a consumer group to a topic. Groups created for
	// the first time start at the earliest retained record.
	Subscribe(ctx context.Context, topic, group string) (Consumer, error)
	Close() error
}

// pollWait is how long Poll blocks waiting for records.
const pollWait = time.Second
