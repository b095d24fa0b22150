package retry

import (
	"sync/atomic"
	"time"
)

// Stats accumulates process-wide retry counters. All fields are atomics
// so the hot path never takes a lock.
type Stats struct {
	invocations atomic.Int64
	successes   atomic.Int64
	failures    atomic.Int64
	retries     atomic.Int64

	successLatencyNs atomic.Int64
	failureLatencyNs atomic.Int64
}

// Snapshot is a read-only copy of the counters at one instant.
type Snapshot struct {
	Invocations int64
	Successes   int64
	Failures    int64
	Retries     int64

	// CumulativeSuccessLatency is the summed wall time of invocations
	// that eventually succeeded.
	CumulativeSuccessLatency time.Duration

	// CumulativeFailureLatency is the summed wall time of invocations
	// that exhausted or short-circuited.
	CumulativeFailureLatency time.Duration
}

func (s *Stats) recordSuccess(elapsed time.Duration) {
	s.successes.Add(1)
	s.successLatencyNs.Add(int64(elapsed))
}

func (s *Stats) recordFailure(elapsed time.Duration) {
	s.failures.Add(1)
	s.failureLatencyNs.Add(int64(elapsed))
}

func (s *Stats) snapshot() Snapshot {
	return Snapshot{
		Invocations:              s.invocations.Load(),
		Successes:                s.successes.Load(),
		Failures:                 s.failures.Load(),
		Retries:                  s.retries.Load(),
		CumulativeSuccessLatency: time.Duration(s.successLatencyNs.Load()),
		CumulativeFailureLatency: time.Duration(s.failureLatencyNs.Load()),
	}
}

func (s *Stats) reset() {
	s.invocations.Store(0)
	s.successes.Store(0)
	s.failures.Store(0)
	s.retries.Store(0)
	s.successLatencyNs.Store(0)
	s.failureLatencyNs.Store(0)
}
