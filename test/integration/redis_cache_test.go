package integration

import (
	"context"
	"testing"
	"time"

	"github.com/lexlapax/engram/pkg/cache"
	"github.com/lexlapax/engram/test/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisCache(t *testing.T) {
	c := testutil.NewRedisCache(t)
	ctx := context.Background()

	recallKey := cache.RecallKey(cache.NormalizeQuery("where is the build server"), 5, 0.5)
	require.NoError(t, c.Set(ctx, recallKey, []byte(`["m1","m2"]`), time.Hour, cache.RecallTag, cache.RefTag("m1"), cache.RefTag("m2")))
	require.NoError(t, c.Set(ctx, cache.RecordKey("m1"), []byte(`{"id":"m1"}`), time.Hour))

	got, err := c.Get(ctx, recallKey)
	require.NoError(t, err)
	assert.Equal(t, `["m1","m2"]`, string(got))

	t.Run("invalidate by reference", func(t *testing.T) {
		require.NoError(t, c.InvalidateTags(ctx, cache.RefTag("m2")))
		_, err := c.Get(ctx, recallKey)
		assert.ErrorIs(t, err, cache.ErrMiss)

		// untagged point entries survive
		_, err = c.Get(ctx, cache.RecordKey("m1"))
		assert.NoError(t, err)
	})

	t.Run("invalidate keys", func(t *testing.T) {
		require.NoError(t, c.Invalidate(ctx, cache.RecordKey("m1")))
		_, err := c.Get(ctx, cache.RecordKey("m1"))
		assert.ErrorIs(t, err, cache.ErrMiss)
	})

	t.Run("ttl", func(t *testing.T) {
		require.NoError(t, c.Set(ctx, "short", []byte("v"), 50*time.Millisecond))
		assert.Eventually(t, func() bool {
			_, err := c.Get(ctx, "short")
			return err == cache.ErrMiss
		}, 2*time.Second, 20*time.Millisecond)
	})
}
