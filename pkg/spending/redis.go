package spending

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisCache keeps spend entries in a sorted set per principal, scored by
// event timestamp. Entries age out via ZREMRANGEBYSCORE on write plus a key
// TTL so idle principals disappear entirely.
type RedisCache struct {
	client    *redis.Client
	retention time.Duration
	clock     func() time.Time
	nonce     atomic.Uint64 // disambiguates same-millisecond same-cost members
}

// NewRedisCache wraps an existing client. Zero retention means
// DefaultRetention.
func NewRedisCache(client *redis.Client, retention time.Duration) *RedisCache {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisCache{client: client, retention: retention, clock: time.Now}
}

func spendKey(principalID uuid.UUID) string {
	return "caracal:spend:" + principalID.String()
}

func (c *RedisCache) Add(ctx context.Context, principalID uuid.UUID, e Entry) error {
	key := spendKey(principalID)
	member := fmt.Sprintf("%d:%d:%d", e.TSMillis, c.nonce.Add(1), e.CostMinor)
	cutoff := c.clock().Add(-c.retention).UnixMilli()

	pipe := c.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(e.TSMillis), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", cutoff))
	pipe.Expire(ctx, key, c.retention+time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("spending cache add: %w", err)
	}
	return nil
}

func (c *RedisCache) WindowTotal(ctx context.Context, principalID uuid.UUID, from, to time.Time) (int64, error) {
	members, err := c.client.ZRangeByScore(ctx, spendKey(principalID), &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixMilli(), 10),
		Max: fmt.Sprintf("(%d", to.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("spending cache read: %w", err)
	}
	var total int64
	for _, m := range members {
		idx := strings.LastIndexByte(m, ':')
		if idx < 0 {
			continue
		}
		cost, err := strconv.ParseInt(m[idx+1:], 10, 64)
		if err != nil {
			continue
		}
		total += cost
	}
	return total, nil
}

// Trend reads the trailing window's members and folds them into buckets. The
// member score is the event timestamp, so the set read covers exactly
// [now-window, now).
func (c *RedisCache) Trend(ctx context.Context, principalID uuid.UUID, now time.Time, window, width time.Duration) ([]TrendBucket, error) {
	from := now.Add(-window)
	members, err := c.client.ZRangeByScore(ctx, spendKey(principalID), &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixMilli(), 10),
		Max: fmt.Sprintf("(%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("spending cache trend: %w", err)
	}
	entries := make([]Entry, 0, len(members))
	for _, m := range members {
		parts := strings.SplitN(m, ":", 3)
		if len(parts) != 3 {
			continue
		}
		ts, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			continue
		}
		cost, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{TSMillis: ts, CostMinor: cost})
	}
	return bucketize(entries, from, now, width), nil
}

func (c *RedisCache) Close() error { return c.client.Close() }
