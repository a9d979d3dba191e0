package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "cache:query:"
	indexKey  = "cache:queries:index"

	defaultTTL        = time.Hour
	defaultMaxEntries = 1000
)

// Metadata is stored next to every cached value so reads can verify freshness
// without trusting store-level expiry alone.
type Metadata struct {
	CreatedAt  time.Time `json:"created_at"`
	TTLSeconds int       `json:"ttl_seconds"`
}

func (m Metadata) expired(now time.Time) bool {
	return now.After(m.CreatedAt.Add(time.Duration(m.TTLSeconds) * time.Second))
}

// Cache stores serialized result sets keyed by query fingerprint. Expiry is
// lazy: a read past the TTL deletes the entry and reports a miss. An
// insertion-time index bounds the total entry count.
type Cache struct {
	rc         *redis.Client
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

func New(rc *redis.Client, ttl time.Duration, maxEntries int) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &Cache{rc: rc, ttl: ttl, maxEntries: maxEntries, now: time.Now}
}

// TTL returns the default time-to-live applied by Put when none is given.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Get returns the cached value for fp, or ok=false on a miss. An entry past
// its TTL is deleted on the way out.
func (c *Cache) Get(ctx context.Context, fp string) ([]byte, Metadata, bool, error) {
	key := keyPrefix + fp
	pipe := c.rc.Pipeline()
	valCmd := pipe.Get(ctx, key)
	metaCmd := pipe.Get(ctx, key+":meta")
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, Metadata{}, false, fmt.Errorf("cache get: %w", err)
	}

	val, err := valCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, Metadata{}, false, nil
	}
	if err != nil {
		return nil, Metadata{}, false, fmt.Errorf("cache get: %w", err)
	}

	var meta Metadata
	rawMeta, err := metaCmd.Bytes()
	if errors.Is(err, redis.Nil) || (err == nil && json.Unmarshal(rawMeta, &meta) != nil) {
		// Value without readable metadata is unverifiable; drop it.
		_ = c.Invalidate(ctx, fp)
		return nil, Metadata{}, false, nil
	}
	if err != nil {
		return nil, Metadata{}, false, fmt.Errorf("cache get meta: %w", err)
	}

	if meta.expired(c.now()) {
		if err := c.Invalidate(ctx, fp); err != nil {
			return nil, Metadata{}, false, err
		}
		return nil, Metadata{}, false, nil
	}
	return val, meta, true, nil
}

// Put overwrites any existing entry for fp. A non-positive ttl falls back to
// the cache default.
func (c *Cache) Put(ctx context.Context, fp string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now()
	meta := Metadata{CreatedAt: now, TTLSeconds: int(ttl / time.Second)}
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("cache put: marshal metadata: %w", err)
	}

	key := keyPrefix + fp
	pipe := c.rc.Pipeline()
	pipe.Set(ctx, key, value, ttl)
	pipe.Set(ctx, key+":meta", rawMeta, ttl)
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(now.UnixMilli()), Member: fp})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}

	return c.evictIfOverCapacity(ctx)
}

// Invalidate removes the entry for fp, expired or not.
func (c *Cache) Invalidate(ctx context.Context, fp string) error {
	key := keyPrefix + fp
	pipe := c.rc.Pipeline()
	pipe.Del(ctx, key, key+":meta")
	pipe.ZRem(ctx, indexKey, fp)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}

// Size reports how many fingerprints the insertion index currently tracks.
func (c *Cache) Size(ctx context.Context) (int64, error) {
	n, err := c.rc.ZCard(ctx, indexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("cache size: %w", err)
	}
	return n, nil
}

// evictIfOverCapacity drops the oldest-inserted 20% of entries once the index
// grows past maxEntries. Insertion order approximates recency well enough
// here; the cache is a latency optimization, not a correctness-critical
// store.
func (c *Cache) evictIfOverCapacity(ctx context.Context) error {
	total, err := c.rc.ZCard(ctx, indexKey).Result()
	if err != nil {
		return fmt.Errorf("cache evict: %w", err)
	}
	if total <= int64(c.maxEntries) {
		return nil
	}

	evictCount := total / 5
	if evictCount < 1 {
		evictCount = 1
	}
	oldest, err := c.rc.ZRange(ctx, indexKey, 0, evictCount-1).Result()
	if err != nil {
		return fmt.Errorf("cache evict: %w", err)
	}
	if len(oldest) == 0 {
		return nil
	}

	pipe := c.rc.Pipeline()
	for _, fp := range oldest {
		pipe.Del(ctx, keyPrefix+fp, keyPrefix+fp+":meta")
	}
	pipe.ZRemRangeByRank(ctx, indexKey, 0, evictCount-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache evict: %w", err)
	}
	return nil
}
