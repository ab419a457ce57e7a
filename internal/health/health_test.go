package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct{ err error }

func (f fakePinger) PingContext(context.Context) error { return f.err }

func TestRegistryEmpty(t *testing.T) {
	healthy, statuses := NewRegistry(time.Second).CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistryPingers(t *testing.T) {
	r := NewRegistry(time.Second)
	r.RegisterPinger("postgres", fakePinger{})
	r.RegisterPinger("redis", fakePinger{err: errors.New("connection refused")})

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, Status{Name: "postgres", Healthy: true}, statuses[0])
	assert.Equal(t, "redis", statuses[1].Name)
	assert.Equal(t, "connection refused", statuses[1].Detail)
}

func TestRegistryTimeoutBoundsCheck(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	r.Register("facilitator", func(ctx context.Context) Status {
		<-ctx.Done()
		return Status{Healthy: false, Detail: ctx.Err().Error()}
	})

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Equal(t, "facilitator", statuses[0].Name)
	assert.Less(t, time.Since(start), time.Second)
}
