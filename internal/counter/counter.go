package counter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Counter is a time-windowed event counter. Implementations must keep
// CountRange read-only and make Record atomic per key.
type Counter interface {
	Record(ctx context.Context, key string, ts time.Time) error
	CountRange(ctx context.Context, key string, start, end time.Time) (int64, error)
	PruneOlderThan(ctx context.Context, key string, cutoff time.Time) error
}

// RedisCounter stores events in a sorted set per key, scored by the event
// timestamp in milliseconds. Members carry a unique suffix so simultaneous
// events are never collapsed into one.
type RedisCounter struct {
	rc        *redis.Client
	retention time.Duration
}

func NewRedisCounter(rc *redis.Client, retention time.Duration) *RedisCounter {
	if retention <= 0 {
		retention = 48 * time.Hour
	}
	return &RedisCounter{rc: rc, retention: retention}
}

func (c *RedisCounter) Record(ctx context.Context, key string, ts time.Time) error {
	member := fmt.Sprintf("%d-%s", ts.UnixNano(), uuid.NewString())
	pipe := c.rc.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(ts.UnixMilli()), Member: member})
	pipe.Expire(ctx, key, c.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

func (c *RedisCounter) CountRange(ctx context.Context, key string, start, end time.Time) (int64, error) {
	count, err := c.rc.ZCount(ctx, key,
		fmt.Sprintf("%d", start.UnixMilli()),
		fmt.Sprintf("%d", end.UnixMilli()),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("count range: %w", err)
	}
	return count, nil
}

func (c *RedisCounter) PruneOlderThan(ctx context.Context, key string, cutoff time.Time) error {
	err := c.rc.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", cutoff.UnixMilli()-1)).Err()
	if err != nil {
		return fmt.Errorf("prune events: %w", err)
	}
	return nil
}
