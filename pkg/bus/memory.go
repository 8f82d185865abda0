package bus

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// MemoryBus is the in-process transport. Semantics mirror the Redis bus:
// partition by key hash, per-group committed offsets, redelivery of
// uncommitted records on the next Poll.
type MemoryBus struct {
	mu         sync.Mutex
	partitions int32
	topics     map[string]*memTopic
	closed     bool
	wake       chan struct{}
}

type memTopic struct {
	logs    [][]Message               // per partition, offset = index
	offsets map[string][]int64        // group -> next uncommitted offset per partition
	pending map[string][]map[int64]bool // group -> in-flight offsets per partition
}

// NewMemoryBus creates a bus with the given partition count.
func NewMemoryBus(partitions int32) *MemoryBus {
	if partitions < 1 {
		partitions = 1
	}
	return &MemoryBus{
		partitions: partitions,
		topics:     make(map[string]*memTopic),
		wake:       make(chan struct{}, 1),
	}
}

func (b *MemoryBus) topic(name string) *memTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &memTopic{
			logs:    make([][]Message, b.partitions),
			offsets: make(map[string][]int64),
			pending: make(map[string][]map[int64]bool),
		}
		b.topics[name] = t
	}
	return t
}

// PartitionFor maps a key to a partition index.
func PartitionFor(key string, partitions int32) int32 {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int32(h.Sum32() % uint32(partitions))
}

func (b *MemoryBus) Publish(_ context.Context, topic, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	t := b.topic(topic)
	p := PartitionFor(key, b.partitions)
	t.logs[p] = append(t.logs[p], Message{
		Topic:     topic,
		Partition: p,
		Offset:    int64(len(t.logs[p])),
		Key:       key,
		Value:     append([]byte(nil), value...),
		Timestamp: time.Now(),
	})
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, topic, group string) (Consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	t := b.topic(topic)
	if _, ok := t.offsets[group]; !ok {
		t.offsets[group] = make([]int64, b.partitions)
		inflight := make([]map[int64]bool, b.partitions)
		for i := range inflight {
			inflight[i] = make(map[int64]bool)
		}
		t.pending[group] = inflight
	}
	return &memConsumer{bus: b, topic: topic, group: group}, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type memConsumer struct {
	bus    *MemoryBus
	topic  string
	group  string
	closed bool
}

func (c *memConsumer) Poll(ctx context.Context, max int) ([]Message, error) {
	deadline := time.NewTimer(pollWait)
	defer deadline.Stop()
	for {
		msgs, err := c.take(max)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-c.bus.wake:
		}
	}
}

// take grabs uncommitted, not-in-flight records in offset order.
func (c *memConsumer) take(max int) ([]Message, error) {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	if c.closed || c.bus.closed {
		return nil, ErrClosed
	}
	t := c.bus.topic(c.topic)
	var out []Message
	for p := int32(0); p < c.bus.partitions && len(out) < max; p++ {
		next := t.offsets[c.group][p]
		inflight := t.pending[c.group][p]
		for off := next; off < int64(len(t.logs[p])) && len(out) < max; off++ {
			if inflight[off] {
				continue
			}
			inflight[off] = true
			out = append(out, t.logs[p][off])
		}
	}
	return out, nil
}

func (c *memConsumer) Commit(_ context.Context, msg Message) error {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	if c.closed || c.bus.closed {
		return ErrClosed
	}
	t := c.bus.topic(c.topic)
	if msg.Offset >= t.offsets[c.group][msg.Partition] {
		t.offsets[c.group][msg.Partition] = msg.Offset + 1
	}
	delete(t.pending[c.group][msg.Partition], msg.Offset)
	return nil
}

// Nack returns an in-flight message to the queue for redelivery.
func (c *memConsumer) Nack(msg Message) {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	t := c.bus.topic(c.topic)
	delete(t.pending[c.group][msg.Partition], msg.Offset)
}

func (c *memConsumer) Close() error {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	if !c.closed {
		c.closed = true
		// Release in-flight records for the next consumer in the group.
		if t, ok := c.bus.topics[c.topic]; ok {
			for p := range t.pending[c.group] {
				t.pending[c.group][p] = make(map[int64]bool)
			}
		}
	}
	return nil
}

var _ Bus = (*MemoryBus)(nil)

// String implements fmt.Stringer for diagnostics.
func (b *MemoryBus) String() string {
	return fmt.Sprintf("memory-bus(partitions=%d)", b.partitions)
}
