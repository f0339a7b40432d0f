// Package ratelimit implements an in-process sliding window rate limiter
// keyed by arbitrary strings.
package ratelimit

import (
	"sync"
	"time"
)

// Result is the outcome of one admission check.
type Result struct {
	Allowed bool
	Limit   int

	// Remaining is the number of further requests the key may make inside
	// the current window. Zero when denied.
	Remaining int

	// RetryAfter is how long until the oldest recorded hit leaves the
	// window. Only set when denied.
	RetryAfter time.Duration
}

// Limiter admits at most max hits per key within a sliding window. All
// state lives in memory; a single mutex guards the whole table, which is
// adequate for login-path traffic volumes.
type Limiter struct {
	max    int
	window time.Duration

	mu   sync.Mutex
	hits map[string][]time.Time

	now func() time.Time
}

func New(max int, window time.Duration) *Limiter {
	return &Limiter{
		max:    max,
		window: window,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records a hit for key if the key is under its limit and reports the
// decision. Timestamps older than the window are dropped before counting,
// so the window slides with each call.
func (l *Limiter) Allow(key string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.hits[key][:0]
	for _, ts := range l.hits[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.max {
		l.hits[key] = kept
		return Result{
			Allowed:    false,
			Limit:      l.max,
			RetryAfter: kept[0].Add(l.window).Sub(now),
		}
	}

	l.hits[key] = append(kept, now)
	return Result{
		Allowed:   true,
		Limit:     l.max,
		Remaining: l.max - len(kept) - 1,
	}
}

// Peek reports the current hit count for key without recording anything.
func (l *Limiter) Peek(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	n := 0
	for _, ts := range l.hits[key] {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

// Reset forgets all hits for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.hits, key)
}

// Sweep drops keys whose every hit has aged out of the window. Meant to be
// called periodically from a background task so idle keys do not accumulate.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	removed := 0
	for key, hits := range l.hits {
		live := false
		for _, ts := range hits {
			if ts.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.hits, key)
			removed++
		}
	}
	return removed
}

// Size returns the number of tracked keys, stale or not.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}
