// Package cache provides an optional Redis-backed cache of enriched video
// durations. Concurrent workers share it so a duration enriched during one
// session does not need a ledger round trip in every sibling. It holds
// metadata only; cache state never affects which video gets selected.
package cache

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/feeddrift/feeddrift/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// DurationCache caches video durations in seconds. A nil *DurationCache is a
// valid no-op.
type DurationCache struct {
	client  *redis.Client
	ttl     time.Duration
	metrics *metrics.Metrics
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, redisURL string, ttl time.Duration, m *metrics.Metrics) (*DurationCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	log.Printf("[Cache] Connected to Redis at %s", opts.Addr)
	return &DurationCache{client: client, ttl: ttl, metrics: m}, nil
}

func key(videoID string) string {
	return "feeddrift:duration:" + videoID
}

// Lookup returns the cached duration for a video, if present.
func (c *DurationCache) Lookup(ctx context.Context, videoID string) (int, bool) {
	if c == nil {
		return 0, false
	}

	value, err := c.client.Get(ctx, key(videoID)).Result()
	if err == redis.Nil {
		c.metrics.CacheMiss()
		return 0, false
	}
	if err != nil {
		log.Printf("[Cache] Lookup failed for %s: %v", videoID, err)
		return 0, false
	}

	seconds, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("[Cache] Corrupt entry for %s: %q", videoID, value)
		return 0, false
	}

	c.metrics.CacheHit()
	return seconds, true
}

// Store records a duration. Failures are logged and ignored; the ledger
// remains the source of truth.
func (c *DurationCache) Store(ctx context.Context, videoID string, seconds int) {
	if c == nil || seconds <= 0 {
		return
	}
	if err := c.client.Set(ctx, key(videoID), strconv.Itoa(seconds), c.ttl).Err(); err != nil {
		log.Printf("[Cache] Store failed for %s: %v", videoID, err)
	}
}

// Close releases the Redis connection.
func (c *DurationCache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
