// Package metrics accumulates admission decision counts and latency
// samples across all evaluated requests.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/ratekeeper/internal/ratelimit"
)

// maxLatencySamples caps the trailing latency sample buffer. The average
// is recomputed from the retained samples, so it is an approximation over
// the most recent requests rather than an exact mean across history.
const maxLatencySamples = 1000

// Prometheus instruments for admission decisions
var (
	admissionDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ratekeeper",
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Total number of admission decisions by result",
		},
		[]string{"result"},
	)

	admissionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ratekeeper",
			Subsystem: "admission",
			Name:      "check_duration_seconds",
			Help:      "Duration of admission checks in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	admissionStorageErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ratekeeper",
			Subsystem: "admission",
			Name:      "storage_errors_total",
			Help:      "Total number of admission checks that hit a storage failure",
		},
	)
)

// Snapshot is an immutable copy of the aggregated metrics.
type Snapshot struct {
	// TotalRequests is the number of admission checks recorded.
	TotalRequests uint64

	// AllowedRequests is the number of admitted requests.
	AllowedRequests uint64

	// BlockedRequests is the number of requests rejected by a window
	// budget.
	BlockedRequests uint64

	// ThrottledRequests is the number of requests rejected by a bucket
	// capacity.
	ThrottledRequests uint64

	// StorageErrors is the number of checks that hit a storage failure.
	StorageErrors uint64

	// AverageResponseTime is the mean latency over the retained trailing
	// samples.
	AverageResponseTime time.Duration

	// ErrorRate is (blocked + throttled) / total, 0 when total is 0.
	ErrorRate float64
}

// Aggregator accumulates counts and latency samples. It is safe for
// concurrent use; updates are serialized behind a mutex that is never held
// across storage calls, so unrelated admission decisions do not block.
type Aggregator struct {
	mu        sync.Mutex
	total     uint64
	allowed   uint64
	blocked   uint64
	throttled uint64
	errors    uint64
	latencies []time.Duration
	next      int
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		latencies: make([]time.Duration, 0, maxLatencySamples),
	}
}

// Record adds one admission decision and its latency.
func (a *Aggregator) Record(kind ratelimit.Kind, latency time.Duration) {
	admissionDecisionsTotal.WithLabelValues(string(kind)).Inc()
	admissionDuration.Observe(latency.Seconds())

	a.mu.Lock()
	defer a.mu.Unlock()

	a.total++
	switch kind {
	case ratelimit.KindAllowed:
		a.allowed++
	case ratelimit.KindBlocked:
		a.blocked++
	case ratelimit.KindThrottled:
		a.throttled++
	}

	if len(a.latencies) < maxLatencySamples {
		a.latencies = append(a.latencies, latency)
		return
	}

	// Buffer full: overwrite the oldest sample.
	a.latencies[a.next] = latency
	a.next = (a.next + 1) % maxLatencySamples
}

// RecordStorageError counts an admission check that hit a storage failure.
func (a *Aggregator) RecordStorageError() {
	admissionStorageErrorsTotal.Inc()

	a.mu.Lock()
	a.errors++
	a.mu.Unlock()
}

// Snapshot returns an immutable copy of the aggregated metrics.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snapshot := Snapshot{
		TotalRequests:     a.total,
		AllowedRequests:   a.allowed,
		BlockedRequests:   a.blocked,
		ThrottledRequests: a.throttled,
		StorageErrors:     a.errors,
	}

	if len(a.latencies) > 0 {
		var sum time.Duration
		for _, l := range a.latencies {
			sum += l
		}
		snapshot.AverageResponseTime = sum / time.Duration(len(a.latencies))
	}

	if a.total > 0 {
		snapshot.ErrorRate = float64(a.blocked+a.throttled) / float64(a.total)
	}

	return snapshot
}

// Reset clears all accumulated counts and samples.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.total = 0
	a.allowed = 0
	a.blocked = 0
	a.throttled = 0
	a.errors = 0
	a.latencies = a.latencies[:0]
	a.next = 0
}
