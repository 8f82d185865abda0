package bus

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus runs topics over Redis Streams. Each (topic, partition) pair is
// one stream; consumer groups are Redis consumer groups created at the
// stream's beginning so new groups see the full retained history.
type RedisBus struct {
	client     *redis.Client
	partitions int32
	consumer   string // consumer name within groups, unique per process
}

// NewRedisBus wraps an existing client. The consumer name distinguishes
// processes sharing a group; hostname plus pid works well.
func NewRedisBus(client *redis.Client, partitions int32, consumer string) *RedisBus {
	if partitions < 1 {
		partitions = 1
	}
	if consumer == "" {
		consumer = "caracal"
	}
	return &RedisBus{client: client, partitions: partitions, consumer: consumer}
}

func streamKey(topic string, partition int32) string {
	return fmt.Sprintf("caracal:stream:%s:%d", topic, partition)
}

func (b *RedisBus) Publish(ctx context.Context, topic, key string, value []byte) error {
	p := PartitionFor(key, b.partitions)
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(topic, p),
		Values: map[string]any{"key": key, "value": value},
	}).Err()
	if err != nil {
		return fmt.Errorf("bus publish %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, topic, group string) (Consumer, error) {
	streams := make([]string, 0, b.partitions)
	for p := int32(0); p < b.partitions; p++ {
		key := streamKey(topic, p)
		// "0" starts new groups at the earliest retained entry.
		err := b.client.XGroupCreateMkStream(ctx, key, group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("bus subscribe %s/%s: %w", topic, group, err)
		}
		streams = append(streams, key)
	}
	return &redisConsumer{bus: b, topic: topic, group: group, streams: streams}, nil
}

func (b *RedisBus) Close() error { return b.client.Close() }

type redisConsumer struct {
	bus     *RedisBus
	topic   string
	group   string
	streams []string
	closed  bool
}

func (c *redisConsumer) Poll(ctx context.Context, max int) ([]Message, error) {
	if c.closed {
		return nil, ErrClosed
	}
	// XREADGROUP wants one ">" cursor per stream.
	args := make([]string, 0, len(c.streams)*2)
	args = append(args, c.streams...)
	for range c.streams {
		args = append(args, ">")
	}
	res, err := c.bus.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.bus.consumer,
		Streams:  args,
		Count:    int64(max),
		Block:    pollWait,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("bus poll %s: %w", c.topic, err)
	}
	var out []Message
	for _, stream := range res {
		partition := partitionFromStream(stream.Stream)
		for _, entry := range stream.Messages {
			out = append(out, entryMessage(c.topic, partition, entry))
		}
	}
	return out, nil
}

func partitionFromStream(stream string) int32 {
	idx := strings.LastIndexByte(stream, ':')
	if idx < 0 {
		return 0
	}
	p, err := strconv.ParseInt(stream[idx+1:], 10, 32)
	if err != nil {
		return 0
	}
	return int32(p)
}

// entryMessage converts one stream entry. Entry ids are "ms-seq"; the offset
// folds both into one ordered int64 so dedupe keys stay comparable.
func entryMessage(topic string, partition int32, entry redis.XMessage) Message {
	msg := Message{
		Topic:     topic,
		Partition: partition,
		Offset:    entryOffset(entry.ID),
		raw:       entry.ID,
	}
	if k, ok := entry.Values["key"].(string); ok {
		msg.Key = k
	}
	switch v := entry.Values["value"].(type) {
	case string:
		msg.Value = []byte(v)
	case []byte:
		msg.Value = v
	}
	if ms, _, ok := strings.Cut(entry.ID, "-"); ok {
		if t, err := strconv.ParseInt(ms, 10, 64); err == nil {
			msg.Timestamp = time.UnixMilli(t)
		}
	}
	return msg
}

func entryOffset(id string) int64 {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return 0
	}
	m, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return 0
	}
	s, err := strconv.ParseInt(seq, 10, 64)
	if err != nil {
		return 0
	}
	return m*1000 + s
}

func (c *redisConsumer) Commit(ctx context.Context, msg Message) error {
	if c.closed {
		return ErrClosed
	}
	if msg.raw == "" {
		return fmt.Errorf("bus commit %s: message has no stream id", c.topic)
	}
	err := c.bus.client.XAck(ctx, streamKey(c.topic, msg.Partition), c.group, msg.raw).Err()
	if err != nil {
		return fmt.Errorf("bus commit %s: %w", c.topic, err)
	}
	return nil
}

func (c *redisConsumer) Close() error {
	c.closed = true
	return nil
}

var _ Bus = (*RedisBus)(nil)
