package defrag

import "time"

// RateLimiter caps fragments per source address in fixed windows of
// packet time. A nil *RateLimiter allows everything.
type RateLimiter struct {
	counts      map[[4]byte]int
	windowStart time.Time
	window      time.Duration
	max         int
	rejected    int
}

// NewRateLimiter returns nil when max <= 0.
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	if max <= 0 {
		return nil
	}
	if window <= 0 {
		window = 10 * time.Second
	}
	return &RateLimiter{
		counts: make(map[[4]byte]int),
		window: window,
		max:    max,
	}
}

// Allow counts one fragment from src at now.
func (l *RateLimiter) Allow(src [4]byte, now time.Time) bool {
	if l == nil {
		return true
	}
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.window {
		clear(l.counts)
		l.windowStart = now
	}
	l.counts[src]++
	if l.counts[src] > l.max {
		l.rejected++
		return false
	}
	return true
}

// Rejected returns the number of fragments refused so far.
func (l *RateLimiter) Rejected() int {
	if l == nil {
		return 0
	}
	return l.rejected
}

// Sources returns the number of sources counted in the current window.
func (l *RateLimiter) Sources() int {
	if l == nil {
		return 0
	}
	return len(l.counts)
}
