package ristretto

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/lexlapax/engram/pkg/cache"
	"github.com/lexlapax/engram/pkg/errors"
	"github.com/lexlapax/engram/pkg/log"
)

// Config sizes the in-process cache.
type Config struct {
	// MaxCost is the total byte budget of cached values
	MaxCost int64

	// NumCounters is the number of keys tracked for admission; about ten
	// times the expected number of entries
	NumCounters int64
}

// DefaultConfig returns a cache sized for a few tens of thousands of entries.
func DefaultConfig() Config {
	return Config{
		MaxCost:     64 << 20,
		NumCounters: 1e6,
	}
}

// Cache is an in-process cache.Cache backed by ristretto. Tags are kept in
// a guarded index next to the ristretto store.
type Cache struct {
	store *ristretto.Cache

	mu      sync.Mutex
	tagKeys map[string]map[string]struct{}
	keyTags map[string][]string
}

// New creates an in-process cache.
func New(cfg Config) (*Cache, error) {
	if cfg.MaxCost <= 0 {
		cfg.MaxCost = DefaultConfig().MaxCost
	}
	if cfg.NumCounters <= 0 {
		cfg.NumCounters = DefaultConfig().NumCounters
	}

	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}

	log.Debug("Initialized ristretto cache adapter", "max_cost", cfg.MaxCost)
	return &Cache{
		store:   store,
		tagKeys: make(map[string]map[string]struct{}),
		keyTags: make(map[string][]string),
	}, nil
}

// Get implements cache.Cache.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	v, ok := c.store.Get(key)
	if !ok {
		return nil, cache.ErrMiss
	}
	data, ok := v.([]byte)
	if !ok {
		return nil, errors.Wrap(errors.ErrCacheUnavailable, "unexpected value type %T for %s", v, key)
	}
	return data, nil
}

// Set implements cache.Cache. The write is applied before Set returns so a
// following Get or Invalidate observes it.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.untagLocked(key)
	if !c.store.SetWithTTL(key, value, int64(len(value))+int64(len(key)), ttl) {
		log.DebugContext(ctx, "Ristretto dropped cache write", "key", key)
		return nil
	}
	c.store.Wait()

	for _, tag := range tags {
		keys, ok := c.tagKeys[tag]
		if !ok {
			keys = make(map[string]struct{})
			c.tagKeys[tag] = keys
		}
		keys[key] = struct{}{}
	}
	if len(tags) > 0 {
		c.keyTags[key] = append([]string(nil), tags...)
	}
	return nil
}

// Invalidate implements cache.Cache.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range keys {
		c.store.Del(key)
		c.untagLocked(key)
	}
	c.store.Wait()
	return nil
}

// InvalidateTags implements cache.Cache.
func (c *Cache) InvalidateTags(ctx context.Context, tags ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tag := range tags {
		for key := range c.tagKeys[tag] {
			c.store.Del(key)
			c.untagLocked(key)
		}
		delete(c.tagKeys, tag)
	}
	c.store.Wait()
	return nil
}

func (c *Cache) untagLocked(key string) {
	for _, tag := range c.keyTags[key] {
		if keys, ok := c.tagKeys[tag]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.tagKeys, tag)
			}
		}
	}
	delete(c.keyTags, key)
}

// Close implements cache.Cache.
func (c *Cache) Close() error {
	c.store.Close()
	return nil
}
