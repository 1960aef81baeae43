// Package cache defines the acceleration layer the engine consults before
// the durable store, and the deterministic keys it uses.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/lexlapax/engram/pkg/errors"
)

// ErrMiss is returned by Get when the key holds no live entry.
var ErrMiss = errors.New("cache miss")

// RecallTag is carried by every cached recall result.
const RecallTag = "recall"

// Cache is a shared, concurrency-safe key/value cache with tag based
// invalidation. It is never authoritative: every entry can be rebuilt from
// the durable store. Connectivity failures are reported wrapping
// errors.ErrCacheUnavailable.
type Cache interface {
	// Get returns the value or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key for ttl and associates it with tags.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) error

	// Invalidate removes the given keys.
	Invalidate(ctx context.Context, keys ...string) error

	// InvalidateTags removes every key associated with any of the tags.
	InvalidateTags(ctx context.Context, tags ...string) error

	// Close releases the cache's resources.
	Close() error
}

// RecordKey is the point lookup key for a memory id.
func RecordKey(id string) string {
	return "memory:" + id
}

// RefTag marks cache entries whose content depends on memory id.
func RefTag(id string) string {
	return "ref:" + id
}

// NormalizeQuery trims the query and collapses internal whitespace.
// Case is preserved because embedders are case sensitive.
func NormalizeQuery(query string) string {
	return strings.Join(strings.Fields(query), " ")
}

// RecallKey derives the key of a recall result from the normalized query
// and the parameters that shape the result.
func RecallKey(normalizedQuery string, limit int, threshold float64) string {
	h := sha256.New()
	h.Write([]byte(normalizedQuery))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.Itoa(limit)))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatFloat(threshold, 'g', -1, 64)))
	return "recall:" + hex.EncodeToString(h.Sum(nil))
}

// Nop is a cache that stores nothing; every Get misses.
type Nop struct{}

// Get implements Cache.
func (Nop) Get(context.Context, string) ([]byte, error) { return nil, ErrMiss }

// Set implements Cache.
func (Nop) Set(context.Context, string, []byte, time.Duration, ...string) error { return nil }

// Invalidate implements Cache.
func (Nop) Invalidate(context.Context, ...string) error { return nil }

// InvalidateTags implements Cache.
func (Nop) InvalidateTags(context.Context, ...string) error { return nil }

// Close implements Cache.
func (Nop) Close() error { return nil }
