package airquality

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/redis/go-redis/v9"

	"github.com/birdtrack/enrichflow/internal/runtime/jsoncodec"
	"github.com/birdtrack/enrichflow/internal/runtime/logging"
)

// CacheKey is the Redis key holding the snapshot for loc.
func CacheKey(loc Location) string {
	return "aq:" + loc.Country + ":" + loc.State + ":" + loc.City
}

// NewRedisClient connects to the snapshot cache.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
}

// CachedFetcher serves snapshots from Redis for up to ttl and falls back to
// the wrapped fetcher on a miss. Cache errors never fail a lookup. With a
// non-positive ttl every call goes to the provider.
type CachedFetcher struct {
	next   Fetcher
	rdb    redis.Cmdable
	ttl    time.Duration
	logger logging.ServiceLogger
}

// NewCachedFetcher wraps next with a Redis cache.
func NewCachedFetcher(next Fetcher, rdb redis.Cmdable, ttl time.Duration, logger logging.ServiceLogger) *CachedFetcher {
	if logger == nil {
		logger = logging.NewWatermillServiceLogger(watermill.NopLogger{})
	}
	return &CachedFetcher{next: next, rdb: rdb, ttl: ttl, logger: logger}
}

func (c *CachedFetcher) Fetch(ctx context.Context, loc Location) (Snapshot, error) {
	if c.ttl <= 0 || c.rdb == nil {
		return c.next.Fetch(ctx, loc)
	}

	key := CacheKey(loc)
	cached, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil && jsoncodec.Valid(cached):
		return Snapshot(cached), nil
	case err != nil && !errors.Is(err, redis.Nil):
		c.logger.Debug("Snapshot cache read failed, fetching live", logging.LogFields{"key": key, "error": err.Error()})
	}

	snapshot, err := c.next.Fetch(ctx, loc)
	if err != nil {
		return nil, err
	}
	if err := c.rdb.Set(ctx, key, []byte(snapshot), c.ttl).Err(); err != nil {
		c.logger.Debug("Snapshot cache write failed", logging.LogFields{"key": key, "error": err.Error()})
	}
	return snapshot, nil
}
