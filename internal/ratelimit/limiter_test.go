package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets tests drive the limiter's notion of time.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(max int, window time.Duration) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(max, window)
	l.now = clock.now
	return l, clock
}

func TestLimiterAllowsUpToMax(t *testing.T) {
	l, _ := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		res := l.Allow("k")
		assert.True(t, res.Allowed)
		assert.Equal(t, 2-i, res.Remaining)
	}

	res := l.Allow("k")
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, time.Minute, res.RetryAfter)
}

func TestLimiterWindowSlides(t *testing.T) {
	l, clock := newTestLimiter(2, time.Minute)

	assert.True(t, l.Allow("k").Allowed)
	clock.advance(30 * time.Second)
	assert.True(t, l.Allow("k").Allowed)

	// Both hits still inside the window.
	res := l.Allow("k")
	assert.False(t, res.Allowed)
	assert.Equal(t, 30*time.Second, res.RetryAfter)

	// First hit ages out, freeing one slot.
	clock.advance(31 * time.Second)
	assert.True(t, l.Allow("k").Allowed)
	assert.False(t, l.Allow("k").Allowed)
}

func TestLimiterDeniedRequestNotCounted(t *testing.T) {
	l, clock := newTestLimiter(1, time.Minute)

	assert.True(t, l.Allow("k").Allowed)
	for i := 0; i < 5; i++ {
		clock.advance(time.Second)
		assert.False(t, l.Allow("k").Allowed)
	}

	// Denied attempts recorded nothing, so one hit remains tracked.
	assert.Equal(t, 1, l.Peek("k"))

	clock.advance(time.Minute)
	assert.True(t, l.Allow("k").Allowed)
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)

	assert.True(t, l.Allow("a").Allowed)
	assert.True(t, l.Allow("b").Allowed)
	assert.False(t, l.Allow("a").Allowed)
}

func TestLimiterReset(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)

	assert.True(t, l.Allow("k").Allowed)
	assert.False(t, l.Allow("k").Allowed)

	l.Reset("k")
	assert.True(t, l.Allow("k").Allowed)
}

func TestLimiterSweep(t *testing.T) {
	l, clock := newTestLimiter(5, time.Minute)

	l.Allow("old")
	clock.advance(2 * time.Minute)
	l.Allow("fresh")

	assert.Equal(t, 2, l.Size())
	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Size())

	// Swept key starts over with a clean slate.
	res := l.Allow("old")
	assert.True(t, res.Allowed)
	assert.Equal(t, 4, res.Remaining)
}
