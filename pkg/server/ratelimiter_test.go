package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(t *testing.T, limit int) (*RateLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	rl := NewRateLimiter(limit, time.Minute)
	rl.now = clock.now
	t.Cleanup(rl.Stop)
	return rl, clock
}

func TestRateLimiter_Allow(t *testing.T) {
	t.Run("should allow up to the limit within the window", func(t *testing.T) {
		rl, _ := newTestLimiter(t, 3)

		for i := 0; i < 3; i++ {
			assert.True(t, rl.Allow("1.2.3.4"))
		}
		assert.False(t, rl.Allow("1.2.3.4"))
	})

	t.Run("should track clients separately", func(t *testing.T) {
		rl, _ := newTestLimiter(t, 1)

		assert.True(t, rl.Allow("a"))
		assert.True(t, rl.Allow("b"))
		assert.False(t, rl.Allow("a"))
	})

	t.Run("should slide the window", func(t *testing.T) {
		rl, clock := newTestLimiter(t, 2)

		assert.True(t, rl.Allow("a"))
		clock.advance(30 * time.Second)
		assert.True(t, rl.Allow("a"))
		assert.False(t, rl.Allow("a"))

		clock.advance(30 * time.Second)
		assert.True(t, rl.Allow("a"), "the first hit left the window")
		assert.False(t, rl.Allow("a"))
	})

	t.Run("should not limit when disabled", func(t *testing.T) {
		rl, _ := newTestLimiter(t, -1)

		for i := 0; i < 100; i++ {
			assert.True(t, rl.Allow("a"))
		}
	})
}

func TestRateLimiter_RetryAfter(t *testing.T) {
	rl, clock := newTestLimiter(t, 1)

	assert.Equal(t, 0, rl.RetryAfter("a"))

	rl.Allow("a")
	assert.Equal(t, 60, rl.RetryAfter("a"))

	clock.advance(20*time.Second + 500*time.Millisecond)
	assert.Equal(t, 40, rl.RetryAfter("a"), "rounded up")

	clock.advance(time.Minute)
	assert.Equal(t, 0, rl.RetryAfter("a"))
}

func TestRateLimiter_Sweep(t *testing.T) {
	rl, clock := newTestLimiter(t, 5)

	rl.Allow("old")
	clock.advance(45 * time.Second)
	rl.Allow("new")
	clock.advance(30 * time.Second)

	rl.sweep()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.hits, "old")
	assert.Len(t, rl.hits["new"], 1)
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	rl.Stop()
	assert.NotPanics(t, rl.Stop)
}
