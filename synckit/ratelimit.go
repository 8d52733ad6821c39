package synckit

import (
	"context"
	"sync"
	"time"
)

// RateLimit is a fixed-window quota: at most Limit calls per Window.
// A zero Limit or Window means unlimited.
type RateLimit struct {
	Limit  int           `json:"limit" yaml:"limit"`
	Window time.Duration `json:"window" yaml:"window"`
}

func (r RateLimit) unlimited() bool { return r.Limit <= 0 || r.Window <= 0 }

type rateWindow struct {
	requests int
	resetAt  time.Time
}

// RateLimiter gates outbound calls per marketplace with a fixed-window counter.
// Marketplace quotas are hard per-window ceilings, so there is no smoothing.
type RateLimiter struct {
	mu       sync.Mutex
	now      func() time.Time
	fallback RateLimit
	limits   map[string]RateLimit
	windows  map[string]*rateWindow
}

// NewRateLimiter creates a limiter where marketplaces without their own limit use fallback.
func NewRateLimiter(fallback RateLimit, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		now:      now,
		fallback: fallback,
		limits:   make(map[string]RateLimit),
		windows:  make(map[string]*rateWindow),
	}
}

// SetLimit configures one marketplace and restarts its window.
func (l *RateLimiter) SetLimit(marketplaceID string, limit RateLimit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[marketplaceID] = limit
	delete(l.windows, marketplaceID)
}

// Allow counts one call against the marketplace's window. When the window is
// exhausted it returns false and how long until the window resets.
func (l *RateLimiter) Allow(marketplaceID string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit, ok := l.limits[marketplaceID]
	if !ok {
		limit = l.fallback
	}
	if limit.unlimited() {
		return true, 0
	}

	now := l.now()
	w, ok := l.windows[marketplaceID]
	if !ok {
		w = &rateWindow{}
		l.windows[marketplaceID] = w
	}
	if !now.Before(w.resetAt) {
		w.requests = 0
		w.resetAt = now.Add(limit.Window)
	}
	if w.requests >= limit.Limit {
		return false, w.resetAt.Sub(now)
	}
	w.requests++
	return true, 0
}

// Wait blocks until a call is allowed or ctx is done. It returns the total time spent waiting.
func (l *RateLimiter) Wait(ctx context.Context, marketplaceID string) (time.Duration, error) {
	var waited time.Duration
	for {
		ok, wait := l.Allow(marketplaceID)
		if ok {
			return waited, nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return waited, ctx.Err()
		case <-timer.C:
			waited += wait
		}
	}
}
