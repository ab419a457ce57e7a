// Package inflight bounds concurrent cost exposure per (user, app).
//
// Every accepted request holds a Slot until a terminal event (finish,
// client disconnect, transport error) releases it. Counters are only
// changed through atomic store operations; a periodic sweep resets counters
// whose holders crashed without releasing.
package inflight

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/echo/internal/apierr"
)

// DefaultCeiling is the per-(user, app) in-flight limit.
const DefaultCeiling = 10

// Counter is the persisted state for one (user, app) pair.
type Counter struct {
	UserID         string    `json:"userId"`
	AppID          string    `json:"appId"`
	NumberInFlight int64     `json:"numberInFlight"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Store persists in-flight counters.
type Store interface {
	// Increment adds one and returns the count before the increment, in a
	// single atomic operation.
	Increment(ctx context.Context, userID, appID string) (int64, error)
	// Decrement subtracts one, never going below zero, and returns the new
	// count. A missing counter is a no-op returning zero.
	Decrement(ctx context.Context, userID, appID string) (int64, error)
	// Get returns the counter, or a zero Counter if none exists.
	Get(ctx context.Context, userID, appID string) (*Counter, error)
	// Sweep resets to zero every non-zero counter last updated before
	// cutoff and returns how many were reset.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
}

// Options configures a Service.
type Options struct {
	Ceiling int
	// Enforce rejects requests at the ceiling with a 429 instead of only
	// logging.
	Enforce bool
}

// Service hands out in-flight slots.
type Service struct {
	store  Store
	opts   Options
	logger *slog.Logger
}

// NewService creates an in-flight service.
func NewService(store Store, opts Options, logger *slog.Logger) *Service {
	if opts.Ceiling <= 0 {
		opts.Ceiling = DefaultCeiling
	}
	return &Service{store: store, opts: opts, logger: logger}
}

// Acquire takes a slot for (userID, appID). At or above the ceiling the
// request is admitted with a warning, unless enforcement is on, in which
// case the increment is undone and a rate-limit error returned.
func (s *Service) Acquire(ctx context.Context, userID, appID string) (*Slot, error) {
	prev, err := s.store.Increment(ctx, userID, appID)
	if err != nil {
		return nil, apierr.NewDatabase("increment in-flight counter", err)
	}
	slot := &Slot{service: s, userID: userID, appID: appID}
	activeSlots.Inc()

	if prev >= int64(s.opts.Ceiling) {
		ceilingHits.WithLabelValues(enforcedLabel(s.opts.Enforce)).Inc()
		s.logger.Warn("in-flight ceiling reached",
			"userId", userID, "appId", appID, "inFlight", prev, "ceiling", s.opts.Ceiling, "enforced", s.opts.Enforce)
		if s.opts.Enforce {
			slot.Release(ctx)
			return nil, apierr.NewRateLimit("Too many concurrent requests for this app. Retry when earlier requests finish.")
		}
	}
	return slot, nil
}

// Get returns the current counter for (userID, appID).
func (s *Service) Get(ctx context.Context, userID, appID string) (*Counter, error) {
	return s.store.Get(ctx, userID, appID)
}

func enforcedLabel(enforced bool) string {
	if enforced {
		return "rejected"
	}
	return "admitted"
}

// Slot is one held unit of in-flight capacity. Release is idempotent, so
// every terminal path may call it.
type Slot struct {
	service *Service
	userID  string
	appID   string
	once    sync.Once
}

// Release returns the slot. The decrement runs detached from ctx so a
// cancelled request still releases; calls after the first do nothing.
func (sl *Slot) Release(ctx context.Context) {
	sl.once.Do(func() {
		activeSlots.Dec()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := sl.service.store.Decrement(ctx, sl.userID, sl.appID); err != nil {
			sl.service.logger.Error("failed to release in-flight slot",
				"userId", sl.userID, "appId", sl.appID, "error", err)
		}
	})
}
