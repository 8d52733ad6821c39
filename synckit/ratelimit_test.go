package synckit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct{ t time.Time }

func (c *manualClock) Now() time.Time { return c.t }

func TestRateLimiter_FixedWindow(t *testing.T) {
	clock := &manualClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewRateLimiter(RateLimit{}, clock.Now)
	l.SetLimit("amazon", RateLimit{Limit: 2, Window: time.Minute})

	ok, _ := l.Allow("amazon")
	assert.True(t, ok)
	clock.t = clock.t.Add(10 * time.Second)
	ok, _ = l.Allow("amazon")
	assert.True(t, ok)

	ok, wait := l.Allow("amazon")
	assert.False(t, ok)
	assert.Equal(t, 50*time.Second, wait)

	clock.t = clock.t.Add(50 * time.Second)
	ok, _ = l.Allow("amazon")
	assert.True(t, ok, "a new window starts at the reset time")
}

func TestRateLimiter_MarketplacesAreIndependent(t *testing.T) {
	clock := &manualClock{t: time.Now()}
	l := NewRateLimiter(RateLimit{Limit: 1, Window: time.Hour}, clock.Now)
	l.SetLimit("unlimited", RateLimit{})

	ok, _ := l.Allow("ebay")
	assert.True(t, ok)
	ok, _ = l.Allow("ebay")
	assert.False(t, ok)

	ok, _ = l.Allow("etsy")
	assert.True(t, ok, "fallback windows are tracked per marketplace")

	for i := 0; i < 100; i++ {
		ok, _ = l.Allow("unlimited")
		require.True(t, ok)
	}
}

func TestRateLimiter_WaitBlocksUntilReset(t *testing.T) {
	const window = 300 * time.Millisecond
	l := NewRateLimiter(RateLimit{}, nil)
	l.SetLimit("B", RateLimit{Limit: 2, Window: window})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 2; i++ {
		waited, err := l.Wait(ctx, "B")
		require.NoError(t, err)
		assert.Zero(t, waited)
	}
	waited, err := l.Wait(ctx, "B")
	require.NoError(t, err)
	assert.Positive(t, waited)
	assert.GreaterOrEqual(t, time.Since(start), window)
}

func TestRateLimiter_WaitHonoursContext(t *testing.T) {
	l := NewRateLimiter(RateLimit{}, nil)
	l.SetLimit("B", RateLimit{Limit: 1, Window: time.Hour})
	ok, _ := l.Allow("B")
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.Wait(ctx, "B")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
