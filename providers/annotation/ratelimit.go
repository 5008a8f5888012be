package annotation

import (
	"context"
	"sync"
	"time"
)

// Clock is the subset of clockwork.Clock the limiter and retry loop need.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// RateLimiter enforces a minimum spacing between outbound annotation calls.
// One limiter is shared by every client of a process, so concurrent callers
// are spaced as well: each caller reserves the next free slot under the lock
// and then waits for it outside the lock.
type RateLimiter struct {
	mu       sync.Mutex
	clock    Clock
	interval time.Duration
	last     time.Time
}

// NewRateLimiter creates a limiter allowing one call per interval.
// An interval of zero or less disables spacing.
func NewRateLimiter(clock Clock, interval time.Duration) *RateLimiter {
	if interval < 0 {
		interval = 0
	}
	return &RateLimiter{clock: clock, interval: interval}
}

// Wait blocks until the caller may send its request, or ctx is done. A
// caller that gives up returns its slot unless a later caller has already
// reserved behind it.
func (l *RateLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	now := l.clock.Now()
	prev := l.last
	slot := now
	if !l.last.IsZero() {
		if next := l.last.Add(l.interval); next.After(now) {
			slot = next
		}
	}
	l.last = slot
	l.mu.Unlock()

	delay := slot.Sub(now)
	if delay <= 0 {
		return nil
	}
	select {
	case <-l.clock.After(delay):
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		if l.last.Equal(slot) {
			l.last = prev
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

// Interval returns the configured spacing.
func (l *RateLimiter) Interval() time.Duration {
	return l.interval
}
