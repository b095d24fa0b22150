// Package metrics exposes Prometheus counters for the coordination
// core: query pipeline activity, cache classification, retry traffic,
// and audio lease decisions.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const subsystem = "echopin"

var (
	cacheLookupCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "cache_lookups_total",
			Help:      "Count of spatial cache lookups by outcome (hit, partial, miss).",
		},
		[]string{"outcome"},
	)
	fetchCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "fetches_total",
			Help:      "Count of nearby-records fetches by result (success, failure).",
		},
		[]string{"result"},
	)
	retryCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "retries_total",
			Help:      "Count of retry attempts performed beyond the first try.",
		},
	)
	publishCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "publishes_total",
			Help:      "Count of result-set publications to subscribers.",
		},
	)
	leaseCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "lease_decisions_total",
			Help:      "Count of audio lease decisions (granted, reentry, denied, preempted).",
		},
		[]string{"decision"},
	)
	fetchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      "fetch_duration_seconds",
			Help:      "Wall time of nearby-records fetches, retries included.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

var registerMetrics sync.Once

// Register installs all collectors into reg. Safe to call repeatedly.
func Register(reg prometheus.Registerer) {
	registerMetrics.Do(func() {
		reg.MustRegister(cacheLookupCounter)
		reg.MustRegister(fetchCounter)
		reg.MustRegister(retryCounter)
		reg.MustRegister(publishCounter)
		reg.MustRegister(leaseCounter)
		reg.MustRegister(fetchLatency)
	})
}

// RecordCacheLookup records one cache classification.
func RecordCacheLookup(outcome string) {
	cacheLookupCounter.WithLabelValues(outcome).Inc()
}

// RecordFetch records one completed fetch.
func RecordFetch(success bool, seconds float64) {
	result := "success"
	if !success {
		result = "failure"
	}
	fetchCounter.WithLabelValues(result).Inc()
	fetchLatency.Observe(seconds)
}

// RecordRetries records n retry attempts performed beyond the first.
func RecordRetries(n int64) {
	if n > 0 {
		retryCounter.Add(float64(n))
	}
}

// RecordPublish records one publication to subscribers.
func RecordPublish() {
	publishCounter.Inc()
}

// RecordLeaseDecision records one arbiter decision.
func RecordLeaseDecision(decision string) {
	leaseCounter.WithLabelValues(decision).Inc()
}
