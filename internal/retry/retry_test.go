package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echopin/internal/remote"
)

// newTestExecutor returns an executor whose backoff waits complete
// instantly, recording each requested delay.
func newTestExecutor(delays *[]time.Duration) *Executor {
	e := NewExecutor(logr.Discard())
	e.wait = func(ctx context.Context, d time.Duration) error {
		if delays != nil {
			*delays = append(*delays, d)
		}
		return ctx.Err()
	}
	e.jitter = func() float64 { return 0 }
	return e
}

// recordingListener captures every callback for assertions.
type recordingListener struct {
	failed    []int
	scheduled []int
	succeeded int
	exhausted int
	lastErr   error
}

func (r *recordingListener) AttemptFailed(attempt int, err error) {
	r.failed = append(r.failed, attempt)
}

func (r *recordingListener) AttemptScheduled(next int, delay time.Duration) {
	r.scheduled = append(r.scheduled, next)
}

func (r *recordingListener) Succeeded(attempt int, elapsed time.Duration) {
	r.succeeded = attempt
}

func (r *recordingListener) Exhausted(attempts int, lastErr error, elapsed time.Duration) {
	r.exhausted = attempts
	r.lastErr = lastErr
}

func TestDelayMonotonicBackoff(t *testing.T) {
	p := Policy{
		InitialDelay:      1000 * time.Millisecond,
		MaxDelay:          30000 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}

	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
	}
	for i, w := range want {
		assert.Equal(t, w, p.Delay(i+1), "attempt %d", i+1)
	}

	// Cap applies at attempt 6 (would be 32s).
	assert.Equal(t, 30000*time.Millisecond, p.Delay(6))
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	e := newTestExecutor(nil)

	out := Do(context.Background(), e, DefaultPolicy(), func(ctx context.Context) (int, error) {
		return 42, nil
	}, nil)

	require.True(t, out.Success())
	assert.Equal(t, 42, out.Value)
	assert.Equal(t, 1, out.Attempts)
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	var delays []time.Duration
	e := newTestExecutor(&delays)
	l := &recordingListener{}

	calls := 0
	out := Do(context.Background(), e, DefaultPolicy(), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", remote.Transient(errors.New("flaky"))
		}
		return "ok", nil
	}, l)

	require.True(t, out.Success())
	assert.Equal(t, "ok", out.Value)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3, calls)

	assert.Equal(t, []int{1, 2}, l.failed)
	assert.Equal(t, []int{2, 3}, l.scheduled)
	assert.Equal(t, 3, l.succeeded)
	assert.Equal(t, 0, l.exhausted)

	// Pre-jitter backoff with zero jitter sample: 1s then 2s.
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, delays)
}

func TestDoNonRetryableShortCircuits(t *testing.T) {
	e := newTestExecutor(nil)
	l := &recordingListener{}
	permanent := remote.Permanent(errors.New("record not found"))

	calls := 0
	p := DefaultPolicy()
	p.MaxAttempts = 5
	out := Do(context.Background(), e, p, func(ctx context.Context) (int, error) {
		calls++
		return 0, permanent
	}, l)

	require.False(t, out.Success())
	assert.Equal(t, 1, calls, "operation must run exactly once")
	assert.Equal(t, 1, out.Attempts)
	assert.ErrorIs(t, out.Err, permanent)
	assert.Equal(t, 1, l.exhausted)
}

func TestDoExhaustsAttempts(t *testing.T) {
	e := newTestExecutor(nil)
	l := &recordingListener{}

	calls := 0
	out := Do(context.Background(), e, DefaultPolicy(), func(ctx context.Context) (int, error) {
		calls++
		return 0, remote.Transient(errors.New("still down"))
	}, l)

	require.False(t, out.Success())
	assert.Equal(t, DefaultMaxAttempts, calls)
	assert.Equal(t, DefaultMaxAttempts, out.Attempts)
	assert.Equal(t, DefaultMaxAttempts, l.exhausted)
	assert.Error(t, l.lastErr)
}

func TestDoCancelledDuringBackoff(t *testing.T) {
	e := NewExecutor(logr.Discard())
	e.jitter = func() float64 { return 0 }

	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	p := DefaultPolicy()
	p.InitialDelay = time.Hour // would hang without cancellation
	out := Do(ctx, e, p, func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, remote.Transient(errors.New("down"))
	}, nil)

	require.False(t, out.Success())
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, out.Err, context.Canceled)
}

func TestJitterBounds(t *testing.T) {
	p := DefaultPolicy()

	// Maximum sample adds exactly JitterFraction of the base delay.
	high := jittered(p, 1, 0.999999)
	assert.GreaterOrEqual(t, high, p.InitialDelay)
	assert.LessOrEqual(t, high, p.InitialDelay+time.Duration(float64(p.InitialDelay)*p.JitterFraction))

	// Zero sample leaves the base delay untouched.
	assert.Equal(t, p.InitialDelay, jittered(p, 1, 0))
}

type panickyListener struct{ recordingListener }

func (p *panickyListener) AttemptFailed(attempt int, err error) { panic("listener bug") }

func TestListenerPanicDoesNotAbortLoop(t *testing.T) {
	e := newTestExecutor(nil)

	calls := 0
	out := Do(context.Background(), e, DefaultPolicy(), func(ctx context.Context) (int, error) {
		calls++
		if calls < 2 {
			return 0, remote.Transient(errors.New("flaky"))
		}
		return 7, nil
	}, &panickyListener{})

	require.True(t, out.Success())
	assert.Equal(t, 7, out.Value)
	assert.Equal(t, 2, out.Attempts)
}

func TestStatsAccumulateAndReset(t *testing.T) {
	e := newTestExecutor(nil)

	Do(context.Background(), e, DefaultPolicy(), func(ctx context.Context) (int, error) {
		return 1, nil
	}, nil)

	calls := 0
	Do(context.Background(), e, DefaultPolicy(), func(ctx context.Context) (int, error) {
		calls++
		if calls < 2 {
			return 0, remote.Transient(errors.New("flaky"))
		}
		return 2, nil
	}, nil)

	Do(context.Background(), e, DefaultPolicy(), func(ctx context.Context) (int, error) {
		return 0, remote.Permanent(errors.New("nope"))
	}, nil)

	snap := e.Stats()
	assert.Equal(t, int64(3), snap.Invocations)
	assert.Equal(t, int64(2), snap.Successes)
	assert.Equal(t, int64(1), snap.Failures)
	assert.Equal(t, int64(1), snap.Retries)

	e.ResetStats()
	assert.Equal(t, Snapshot{}, e.Stats())
}
