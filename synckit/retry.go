package synckit

import (
	"sync"
	"time"
)

// Retry defaults.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 5 * time.Minute
)

// exponentialBackoff computes baseDelay * 2^attempt, capped at maxDelay.
type exponentialBackoff struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

func (eb exponentialBackoff) nextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(eb.baseDelay)
	for i := 0; i < attempt; i++ {
		delay *= 2
		if eb.maxDelay > 0 && delay >= float64(eb.maxDelay) {
			return eb.maxDelay
		}
	}
	result := time.Duration(delay)
	if eb.maxDelay > 0 && result > eb.maxDelay {
		result = eb.maxDelay
	}
	return result
}

// retryScheduler holds operations waiting out their backoff. Each has one timer;
// cancelling stops the timer so the operation is never re-queued.
type retryScheduler struct {
	mu      sync.Mutex
	backoff exponentialBackoff
	timers  map[string]*time.Timer
	closed  bool
	fire    func(op *SyncOperation)
}

func newRetryScheduler(backoff exponentialBackoff, fire func(op *SyncOperation)) *retryScheduler {
	return &retryScheduler{
		backoff: backoff,
		timers:  make(map[string]*time.Timer),
		fire:    fire,
	}
}

// Delay returns the wait before the next attempt: the backoff for attempts, or
// the marketplace's Retry-After hint when that is longer.
func (r *retryScheduler) Delay(attempts int, hint time.Duration) time.Duration {
	return max(r.backoff.nextDelay(attempts), hint)
}

// Schedule re-queues op after delay. The scheduler owns op from here on; it
// reports false once closed.
func (r *retryScheduler) Schedule(op *SyncOperation, delay time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	id := op.ID
	r.timers[id] = time.AfterFunc(delay, func() {
		r.mu.Lock()
		_, pending := r.timers[id]
		delete(r.timers, id)
		closed := r.closed
		r.mu.Unlock()
		if pending && !closed {
			r.fire(op)
		}
	})
	return true
}

// Cancel stops a scheduled retry. It reports false if none was pending.
func (r *retryScheduler) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.timers[id]
	if !ok {
		return false
	}
	t.Stop()
	delete(r.timers, id)
	return true
}

// Pending returns the number of scheduled retries.
func (r *retryScheduler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Close stops every timer. Stopped operations stay "retrying" in the operation
// store and are picked up by Recover.
func (r *retryScheduler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}
