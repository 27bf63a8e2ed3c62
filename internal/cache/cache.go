package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"compass/internal/config"
	"compass/pkg/logging"

	"github.com/redis/go-redis/v9"
)

// Namespaces used by compass. Callers pass these to Get/Set/Invalidate so
// pattern invalidations stay scoped.
const (
	NamespaceTool     = "tool"
	NamespaceToolList = "tool_list"
	NamespacePrompt   = "prompt"
	NamespaceResource = "resource"
	NamespaceSearch   = "search"
	NamespaceSkill    = "skill"
)

// versionKey holds the current cache generation, outside the versioned
// prefix so it survives bumps.
const versionKey = "mcp:cache:version"

// scanBatchSize bounds each SCAN/DEL round during pattern invalidation.
const scanBatchSize = 500

// Cache is a versioned wrapper around a Redis client. It is safe for
// concurrent use. All operations are best effort: callers treat a cache
// failure as a miss, never as a fatal error.
type Cache struct {
	rdb        *redis.Client
	version    atomic.Int64
	defaultTTL time.Duration
	searchTTL  time.Duration
}

// New connects to Redis and resolves the active cache version: the greater
// of the configured version and any version previously persisted, so a
// restart never resurrects keys a prior bump retired.
func New(ctx context.Context, redisCfg config.RedisConfig, cacheCfg config.CacheConfig) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     redisCfg.Addr,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	c := &Cache{
		rdb:        rdb,
		defaultTTL: cacheCfg.DefaultTTL(),
		searchTTL:  cacheCfg.SearchTTL(),
	}

	stored, err := rdb.Get(ctx, versionKey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		rdb.Close()
		return nil, fmt.Errorf("read cache version: %w", err)
	}

	version := int64(cacheCfg.Version)
	if stored > version {
		version = stored
	}
	if err := rdb.Set(ctx, versionKey, version, 0).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("persist cache version: %w", err)
	}
	c.version.Store(version)

	logging.Info("Cache", "Connected to redis at %s, cache version v%d", redisCfg.Addr, version)
	return c, nil
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// Ping verifies the Redis connection is alive.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Version returns the active cache generation.
func (c *Cache) Version() int64 {
	return c.version.Load()
}

func (c *Cache) key(namespace, key string) string {
	return fmt.Sprintf("mcp:cache:v%d:%s:%s", c.version.Load(), namespace, key)
}

// Get returns the cached value and whether it was present.
func (c *Cache) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	val, err := c.rdb.Get(ctx, c.key(namespace, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s:%s: %w", namespace, key, err)
	}
	return val, true, nil
}

// Set stores a value under the namespace's TTL. A zero ttl selects the
// namespace default (shorter for search results).
func (c *Cache) Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
		if namespace == NamespaceSearch {
			ttl = c.searchTTL
		}
	}
	if err := c.rdb.Set(ctx, c.key(namespace, key), value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s:%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes a single key.
func (c *Cache) Delete(ctx context.Context, namespace, key string) error {
	if err := c.rdb.Del(ctx, c.key(namespace, key)).Err(); err != nil {
		return fmt.Errorf("cache delete %s:%s: %w", namespace, key, err)
	}
	return nil
}

// InvalidatePattern deletes every key in the namespace matching the glob
// pattern (e.g. "*" or "list:*"). Keys are discovered with SCAN and removed
// in batches of scanBatchSize. Returns the number of keys removed.
func (c *Cache) InvalidatePattern(ctx context.Context, namespace, pattern string) (int, error) {
	match := c.key(namespace, pattern)
	var (
		cursor  uint64
		removed int
	)

	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, match, scanBatchSize).Result()
		if err != nil {
			return removed, fmt.Errorf("cache scan %s: %w", match, err)
		}
		if len(keys) > 0 {
			n, err := c.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("cache delete batch: %w", err)
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	if removed > 0 {
		logging.Debug("Cache", "Invalidated %d keys matching %s", removed, match)
	}
	return removed, nil
}

// BumpVersion advances the cache generation, invalidating every key written
// under the prior version in one logical step. Old keys age out via TTL.
func (c *Cache) BumpVersion(ctx context.Context) (int64, error) {
	v, err := c.rdb.Incr(ctx, versionKey).Result()
	if err != nil {
		return c.version.Load(), fmt.Errorf("bump cache version: %w", err)
	}
	c.version.Store(v)
	logging.Info("Cache", "Cache version bumped to v%d", v)
	return v, nil
}
