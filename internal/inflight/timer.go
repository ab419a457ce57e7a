package inflight

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Default sweep cadence and staleness cutoff.
const (
	DefaultSweepInterval = 5 * time.Minute
	DefaultTimeout       = 5 * time.Minute
)

// Timer periodically resets counters left behind by requests that never
// fired a terminal event.
type Timer struct {
	store    Store
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a sweep timer. Zero durations use the defaults.
func NewTimer(store Store, interval, timeout time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Timer{
		store:    store,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in in-flight sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	n, err := t.store.Sweep(ctx, time.Now().Add(-t.timeout))
	if err != nil {
		t.logger.Warn("failed to sweep in-flight counters", "error", err)
		return
	}
	if n > 0 {
		sweptCounters.Add(float64(n))
		t.logger.Info("reset orphaned in-flight counters", "count", n, "olderThan", t.timeout)
	}
}
