// Package ratelimit provides a token bucket limiter for user-driven
// operations that hit the network, such as forced refreshes.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrLimited is returned when an operation exceeds the rate limit.
var ErrLimited = errors.New("ratelimit: rate limit exceeded")

// Limiter implements a token bucket. The bucket starts full so a
// burst of operations is allowed immediately after creation.
type Limiter struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	burst      int
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// New creates a limiter sustaining rate operations per second with
// the given burst capacity.
func New(rate float64, burst int) *Limiter {
	l := &Limiter{
		rate:  rate,
		burst: burst,
		now:   time.Now,
	}
	l.tokens = float64(burst)
	l.lastRefill = l.now()
	return l
}

// Allow reports whether one operation may proceed now.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
	l.lastRefill = now

	if l.tokens >= 1.0 {
		l.tokens--
		return true
	}
	return false
}

// Reset restores the bucket to full capacity.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens = float64(l.burst)
	l.lastRefill = l.now()
}
