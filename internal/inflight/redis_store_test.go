//go:build integration

package inflight

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/echo/internal/idgen"
)

func redisTest(t *testing.T) *RedisStore {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping integration test")
	}
	base, err := NewRedisStore(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = base.Close() })
	// A unique prefix per test keeps runs from seeing each other's keys.
	return NewRedisStoreWithClient(base.client, "echo:test:"+idgen.Hex(4))
}

func TestRedisStore_Counter(t *testing.T) {
	ctx := context.Background()
	s := redisTest(t)

	prev, err := s.Increment(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), prev)
	prev, err = s.Increment(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), prev)

	for i := 0; i < 4; i++ {
		n, err := s.Decrement(ctx, "u1", "a1")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(0))
	}
	assert.Equal(t, int64(0), count(t, s, "u1", "a1"))
}

func TestRedisStore_Sweep(t *testing.T) {
	ctx := context.Background()
	s := redisTest(t)
	now := time.Now()

	s.now = func() time.Time { return now.Add(-10 * time.Minute) }
	_, _ = s.Increment(ctx, "stale", "a1")
	s.now = func() time.Time { return now }
	_, _ = s.Increment(ctx, "fresh", "a1")

	n, err := s.Sweep(ctx, now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(0), count(t, s, "stale", "a1"))
	assert.Equal(t, int64(1), count(t, s, "fresh", "a1"))
}
