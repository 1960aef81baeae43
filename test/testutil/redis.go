package testutil

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/lexlapax/engram/pkg/cache/redis"
	"github.com/stretchr/testify/require"
)

// NewRedisCache connects to the test Redis server under a prefix unique to
// the test, or skips the test.
func NewRedisCache(t *testing.T) *redis.Cache {
	t.Helper()
	RequireIntegration(t)
	addr := RequireEnv(t, "REDIS_TEST_ADDR", "ENGRAM_REDIS_ADDR")

	c, err := redis.New(context.Background(), redis.Config{
		Addr:   addr,
		Prefix: "engram:test:" + uuid.NewString()[:8] + ":",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}
