package inflight

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*Counter
	now      func() time.Time
}

// NewMemoryStore creates an in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]*Counter), now: time.Now}
}

func counterKey(userID, appID string) string { return userID + "\x00" + appID }

func (m *MemoryStore) Increment(ctx context.Context, userID, appID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := counterKey(userID, appID)
	c, ok := m.counters[key]
	if !ok {
		c = &Counter{UserID: userID, AppID: appID}
		m.counters[key] = c
	}
	prev := c.NumberInFlight
	c.NumberInFlight++
	c.UpdatedAt = m.now()
	return prev, nil
}

func (m *MemoryStore) Decrement(ctx context.Context, userID, appID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[counterKey(userID, appID)]
	if !ok {
		return 0, nil
	}
	if c.NumberInFlight > 0 {
		c.NumberInFlight--
	}
	c.UpdatedAt = m.now()
	return c.NumberInFlight, nil
}

func (m *MemoryStore) Get(ctx context.Context, userID, appID string) (*Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[counterKey(userID, appID)]
	if !ok {
		return &Counter{UserID: userID, AppID: appID}, nil
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, c := range m.counters {
		if c.NumberInFlight > 0 && c.UpdatedAt.Before(cutoff) {
			c.NumberInFlight = 0
			c.UpdatedAt = m.now()
			n++
		}
	}
	return n, nil
}
