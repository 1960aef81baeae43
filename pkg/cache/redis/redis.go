package redis

import (
	"context"
	"time"

	"github.com/lexlapax/engram/pkg/cache"
	"github.com/lexlapax/engram/pkg/errors"
	"github.com/lexlapax/engram/pkg/log"
	"github.com/redis/go-redis/v9"
)

// Config contains the configuration for a Redis cache
type Config struct {
	Addr     string
	Password string
	DB       int

	// Prefix namespaces every key and tag set
	Prefix string
}

// Cache implements cache.Cache on Redis. Tags are Redis sets holding the
// keys tagged with them.
type Cache struct {
	client redis.UniversalClient
	prefix string
}

// New creates a Redis cache and checks the connection. An unreachable
// server is logged and the cache is returned anyway: the client reconnects
// on later calls and until then every call fails with
// errors.ErrCacheUnavailable, which the engine treats as a miss.
func New(ctx context.Context, cfg Config) (*Cache, error) {
	if cfg.Addr == "" {
		return nil, errors.Validation("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		log.WarnContext(ctx, "Redis unreachable, continuing without cache until it recovers",
			"addr", cfg.Addr, "error", err)
	}
	return NewWithClient(client, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient, prefix string) *Cache {
	log.Debug("Initialized Redis cache adapter", "prefix", prefix)
	return &Cache{client: client, prefix: prefix}
}

func (c *Cache) key(k string) string {
	return c.prefix + k
}

func (c *Cache) tagKey(tag string) string {
	return c.prefix + "tag:" + tag
}

func unavailable(err error, op string) error {
	return errors.Wrap(errors.ErrCacheUnavailable, "redis %s: %v", op, err)
}

// Get implements cache.Cache.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err == redis.Nil {
		return nil, cache.ErrMiss
	}
	if err != nil {
		return nil, unavailable(err, "get")
	}
	return data, nil
}

// Set implements cache.Cache. The value and its tag memberships are written
// in one MULTI/EXEC block. A tag set expires no earlier than its longest
// lived member; EXPIRE NX and GT need Redis 7.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) error {
	tagTTL := ceilSeconds(ttl)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.key(key), value, ttl)
		for _, tag := range tags {
			tk := c.tagKey(tag)
			pipe.SAdd(ctx, tk, c.key(key))
			if tagTTL > 0 {
				pipe.ExpireNX(ctx, tk, tagTTL)
				pipe.ExpireGT(ctx, tk, tagTTL)
			}
		}
		return nil
	})
	if err != nil {
		return unavailable(err, "set")
	}
	return nil
}

// ceilSeconds rounds ttl up to whole seconds, the EXPIRE resolution.
func ceilSeconds(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	return ((ttl + time.Second - 1) / time.Second) * time.Second
}

// Invalidate implements cache.Cache.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	if err := c.client.Del(ctx, full...).Err(); err != nil {
		return unavailable(err, "del")
	}
	return nil
}

// InvalidateTags implements cache.Cache. Members of each tag set are
// deleted together with the set itself.
func (c *Cache) InvalidateTags(ctx context.Context, tags ...string) error {
	for _, tag := range tags {
		tk := c.tagKey(tag)
		members, err := c.client.SMembers(ctx, tk).Result()
		if err != nil {
			return unavailable(err, "smembers")
		}
		if err := c.client.Del(ctx, append(members, tk)...).Err(); err != nil {
			return unavailable(err, "del")
		}
	}
	return nil
}

// Close implements cache.Cache.
func (c *Cache) Close() error {
	return c.client.Close()
}
