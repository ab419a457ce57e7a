//go:build integration

package inflight

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/echo/internal/testutil"
)

func TestPostgresStore_Counter(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	s := NewPostgresStore(db)

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

	n, err := s.Decrement(ctx, "nobody", "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestPostgresStore_ConcurrentIncrements(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	svc := NewService(NewPostgresStore(db), Options{Ceiling: 1000}, discardLogger())

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := svc.Acquire(ctx, "u1", "a1")
			if err != nil {
				t.Error(err)
				return
			}
			slot.Release(ctx)
			slot.Release(ctx)
		}()
	}
	wg.Wait()

	c, err := svc.Get(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.NumberInFlight)
}

func TestPostgresStore_Sweep(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	s := NewPostgresStore(db)

	_, _ = s.Increment(ctx, "stale", "a1")
	_, err := db.ExecContext(ctx, `UPDATE in_flight_requests SET updated_at = NOW() - INTERVAL '10 minutes' WHERE user_id = 'stale'`)
	require.NoError(t, err)
	_, _ = s.Increment(ctx, "fresh", "a1")

	n, err := s.Sweep(ctx, time.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(0), count(t, s, "stale", "a1"))
	assert.Equal(t, int64(1), count(t, s, "fresh", "a1"))
}
