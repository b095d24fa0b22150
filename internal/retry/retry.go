// Package retry runs operations under an exponential-backoff policy with
// jitter and a retryable-error filter.
//
// The wait between attempts is a context-aware timer, never a bare
// sleep, so a caller's event loop stays responsive and cancellation is
// honored mid-backoff. Listener callbacks are best effort: a panicking
// listener never aborts the retry loop.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/go-logr/logr"

	"echopin/internal/remote"
)

// Default policy values.
const (
	DefaultMaxAttempts       = 3
	DefaultInitialDelay      = 1000 * time.Millisecond
	DefaultMaxDelay          = 30000 * time.Millisecond
	DefaultBackoffMultiplier = 2.0
	DefaultJitterFraction    = 0.1
)

// Policy controls how an operation is retried. Immutable per invocation.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// InitialDelay is the pre-jitter wait after the first failure.
	InitialDelay time.Duration

	// MaxDelay caps the pre-jitter backoff.
	MaxDelay time.Duration

	// BackoffMultiplier scales the delay between consecutive attempts.
	BackoffMultiplier float64

	// JitterFraction adds up to delay*JitterFraction of uniform random
	// jitter to every wait. Must be in [0, 1].
	JitterFraction float64

	// Retryable decides whether a failure is worth another attempt.
	// A nil predicate retries every error.
	Retryable func(error) bool
}

// DefaultPolicy returns the process-wide default: three attempts,
// 1s initial delay doubling up to 30s, 10% jitter, and the
// connection/DNS/timeout classification from the remote package.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       DefaultMaxAttempts,
		InitialDelay:      DefaultInitialDelay,
		MaxDelay:          DefaultMaxDelay,
		BackoffMultiplier: DefaultBackoffMultiplier,
		JitterFraction:    DefaultJitterFraction,
		Retryable:         remote.IsTransient,
	}
}

// Delay returns the pre-jitter backoff after the given attempt number
// (attempts start at 1).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// retryable applies the predicate, treating nil as retry-everything.
func (p Policy) retryable(err error) bool {
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// Listener observes retry-loop progress. All callbacks are optional and
// best effort; implementations must not rely on being called exactly
// once per state change if they panic.
type Listener interface {
	// AttemptFailed fires after every failed attempt.
	AttemptFailed(attempt int, err error)

	// AttemptScheduled fires before the backoff wait for the next attempt.
	AttemptScheduled(nextAttempt int, delay time.Duration)

	// Succeeded fires when an attempt succeeds.
	Succeeded(attempt int, elapsed time.Duration)

	// Exhausted fires when the loop gives up.
	Exhausted(attempts int, lastErr error, elapsed time.Duration)
}

// Outcome is the result of a retried operation.
type Outcome[T any] struct {
	Value    T
	Err      error
	Attempts int
	Elapsed  time.Duration
}

// Success reports whether the operation eventually succeeded.
func (o Outcome[T]) Success() bool { return o.Err == nil }

// Executor owns process-wide retry statistics and the timer used to
// suspend between attempts. One executor is shared by all callers in
// the composition root; construct it explicitly, there is no global.
type Executor struct {
	log   logr.Logger
	stats Stats

	// wait suspends for d or until ctx is done. Replaceable in tests.
	wait func(ctx context.Context, d time.Duration) error

	// jitter returns a uniform sample in [0, 1). Replaceable in tests.
	jitter func() float64
}

// NewExecutor creates an Executor logging through log.
func NewExecutor(log logr.Logger) *Executor {
	return &Executor{
		log:    log,
		wait:   waitCtx,
		jitter: rand.Float64,
	}
}

// Stats returns a read-only snapshot of the executor's counters.
func (e *Executor) Stats() Snapshot {
	return e.stats.snapshot()
}

// ResetStats zeroes all counters.
func (e *Executor) ResetStats() {
	e.stats.reset()
}

// Do runs op under the given policy and returns the outcome. Attempt
// numbers start at 1. A non-retryable failure stops the loop
// immediately; context cancellation during a backoff wait surfaces as a
// failure carrying the context error.
func Do[T any](ctx context.Context, e *Executor, policy Policy, op func(context.Context) (T, error), l Listener) Outcome[T] {
	start := time.Now()
	e.stats.invocations.Add(1)

	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		if attempt > 1 {
			e.stats.retries.Add(1)
		}

		value, err := op(ctx)
		if err == nil {
			elapsed := time.Since(start)
			e.stats.recordSuccess(elapsed)
			notify(e.log, func() { l.Succeeded(attempt, elapsed) }, l != nil)
			return Outcome[T]{Value: value, Attempts: attempt, Elapsed: elapsed}
		}

		lastErr = err
		notify(e.log, func() { l.AttemptFailed(attempt, err) }, l != nil)

		if !policy.retryable(err) {
			e.log.V(1).Info("retry: non-retryable error, giving up",
				"attempt", attempt, "error", err)
			break
		}
		if attempt == maxAttempts {
			break
		}

		delay := jittered(policy, attempt, e.jitter())
		notify(e.log, func() { l.AttemptScheduled(attempt+1, delay) }, l != nil)

		if err := e.wait(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	elapsed := time.Since(start)
	e.stats.recordFailure(elapsed)
	notify(e.log, func() { l.Exhausted(attempts, lastErr, elapsed) }, l != nil)

	var zero T
	return Outcome[T]{Value: zero, Err: lastErr, Attempts: attempts, Elapsed: elapsed}
}

// jittered computes the post-jitter delay after the given attempt.
func jittered(p Policy, attempt int, sample float64) time.Duration {
	base := p.Delay(attempt)
	if p.JitterFraction <= 0 {
		return base
	}
	return base + time.Duration(sample*p.JitterFraction*float64(base))
}

// notify invokes a listener callback, swallowing panics so a broken
// listener cannot abort the retry loop.
func notify(log logr.Logger, fn func(), haveListener bool) {
	if !haveListener {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Info("retry: listener panicked", "panic", r)
		}
	}()
	fn()
}

// waitCtx suspends for d or until ctx is done.
func waitCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
