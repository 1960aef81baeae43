package ristretto

import (
	"context"
	"testing"
	"time"

	"github.com/lexlapax/engram/pkg/cache"
	"github.com/lexlapax/engram/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(Config{MaxCost: 1 << 20, NumCounters: 1000})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCache_SetGetInvalidate(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	_, err := c.Get(ctx, "missing")
	assert.True(t, errors.Is(err, cache.ErrMiss))

	require.NoError(t, c.Set(ctx, cache.RecordKey("m1"), []byte("payload"), time.Minute))
	got, err := c.Get(ctx, cache.RecordKey("m1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	require.NoError(t, c.Invalidate(ctx, cache.RecordKey("m1")))
	_, err = c.Get(ctx, cache.RecordKey("m1"))
	assert.True(t, errors.Is(err, cache.ErrMiss))
}

func TestCache_InvalidateTags(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	require.NoError(t, c.Set(ctx, "recall:a", []byte("a"), time.Minute, cache.RecallTag, cache.RefTag("m1")))
	require.NoError(t, c.Set(ctx, "recall:b", []byte("b"), time.Minute, cache.RecallTag, cache.RefTag("m2")))
	require.NoError(t, c.Set(ctx, "memory:m1", []byte("m1"), time.Minute))

	require.NoError(t, c.InvalidateTags(ctx, cache.RefTag("m1")))

	_, err := c.Get(ctx, "recall:a")
	assert.True(t, errors.Is(err, cache.ErrMiss))
	_, err = c.Get(ctx, "recall:b")
	assert.NoError(t, err)
	_, err = c.Get(ctx, "memory:m1")
	assert.NoError(t, err, "untagged entries survive tag invalidation")

	require.NoError(t, c.InvalidateTags(ctx, cache.RecallTag))
	_, err = c.Get(ctx, "recall:b")
	assert.True(t, errors.Is(err, cache.ErrMiss))
}

func TestCache_ResetRetagsKey(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	require.NoError(t, c.Set(ctx, "recall:a", []byte("v1"), time.Minute, cache.RefTag("m1")))
	require.NoError(t, c.Set(ctx, "recall:a", []byte("v2"), time.Minute, cache.RefTag("m2")))

	require.NoError(t, c.InvalidateTags(ctx, cache.RefTag("m1")))
	got, err := c.Get(ctx, "recall:a")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	require.NoError(t, c.InvalidateTags(ctx, cache.RefTag("m2")))
	_, err = c.Get(ctx, "recall:a")
	assert.True(t, errors.Is(err, cache.ErrMiss))
}

func TestCache_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	require.NoError(t, c.Set(ctx, "short", []byte("v"), 20*time.Millisecond))
	assert.Eventually(t, func() bool {
		_, err := c.Get(ctx, "short")
		return errors.Is(err, cache.ErrMiss)
	}, 3*time.Second, 20*time.Millisecond)
}
