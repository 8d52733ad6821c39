package synckit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/marketsync/logging"
)

// steppingClock advances by step on every reading, so successive writes never
// fall inside the conflict window unless a test pins timestamps.
type steppingClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func newSteppingClock(step time.Duration) *steppingClock {
	return &steppingClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), step: step}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

func (c *steppingClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recordingAdapter records every request. fn, when set, decides the outcome of
// the nth call (1-based).
type recordingAdapter struct {
	mu    sync.Mutex
	calls []AdapterRequest
	times []time.Time
	fn    func(n int, req AdapterRequest) error
}

func (a *recordingAdapter) Execute(ctx context.Context, req AdapterRequest) (AdapterResult, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req)
	a.times = append(a.times, time.Now())
	n := len(a.calls)
	fn := a.fn
	a.mu.Unlock()
	if fn != nil {
		if err := fn(n, req); err != nil {
			return AdapterResult{}, err
		}
	}
	return AdapterResult{ExternalID: req.EntityID}, nil
}

func (a *recordingAdapter) Calls() []AdapterRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]AdapterRequest(nil), a.calls...)
}

func (a *recordingAdapter) Times() []time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]time.Time(nil), a.times...)
}

// staticAuth authorizes a fixed set of marketplaces.
type staticAuth struct {
	subject string
	allowed map[string]bool
}

func newAuth(subject string, marketplaces ...string) staticAuth {
	a := staticAuth{subject: subject, allowed: map[string]bool{}}
	for _, m := range marketplaces {
		a.allowed[m] = true
	}
	return a
}

func (a staticAuth) Subject() string           { return a.subject }
func (a staticAuth) Authorized(id string) bool { return a.allowed[id] }

// newTestEngine builds an engine with a silent logger and closes it on cleanup.
func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	base := []Option{WithLogger(logging.Nop().Logger)}
	e, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func startEngine(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.Start(context.Background()))
}

// nextEvent waits for the next event of one of the given types.
func nextEvent(t *testing.T, sub *Subscription, timeout time.Duration, types ...EventType) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "subscription closed")
			if len(types) == 0 {
				return ev
			}
			for _, typ := range types {
				if ev.Type == typ {
					return ev
				}
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v", types)
			return Event{}
		}
	}
}

func productChange(id, marketplace string, version int64, data Data) Change {
	return Change{
		EntityID:          id,
		EntityType:        EntityProduct,
		Action:            ActionUpdate,
		SourceMarketplace: marketplace,
		Data:              data,
		Version:           version,
	}
}
