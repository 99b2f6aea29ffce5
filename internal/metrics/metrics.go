// Package metrics provides the low-overhead counters the Dispatcher and
// Timeout Sink need: a per-(service,method) latency counter and a
// timeouts counter (spec.md §4.1, §4.3, concrete scenario 1 and 2).
//
// Grounded on the teacher's LatencyMetrics (eventloop/metrics.go), but
// trimmed from full P-Square streaming percentiles to count/sum/max -
// the spec only requires that "Latency counter incremented once for
// source=(echo, service)" be observable, not a percentile estimator.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source identifies what a latency observation is for.
type Source struct {
	Service string
	Method  string
}

type latencyAccum struct {
	count int64
	sumNs int64
	maxNs int64
}

// Registry tracks per-Source latency and the global timeouts and
// pool-exhausted counters. Safe for concurrent use.
type Registry struct {
	mu            sync.Mutex
	latency       map[Source]*latencyAccum
	timeouts      atomic.Int64
	poolExhausted atomic.Int64
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{latency: make(map[Source]*latencyAccum)}
}

// ObserveLatency records one (service, method) call's duration.
func (r *Registry) ObserveLatency(src Source, d time.Duration) {
	r.mu.Lock()
	a, ok := r.latency[src]
	if !ok {
		a = &latencyAccum{}
		r.latency[src] = a
	}
	r.mu.Unlock()

	atomic.AddInt64(&a.count, 1)
	atomic.AddInt64(&a.sumNs, int64(d))
	for {
		cur := atomic.LoadInt64(&a.maxNs)
		if int64(d) <= cur || atomic.CompareAndSwapInt64(&a.maxNs, cur, int64(d)) {
			break
		}
	}
}

// LatencySnapshot is a point-in-time read of one Source's accumulated stats.
type LatencySnapshot struct {
	Count int64
	Mean  time.Duration
	Max   time.Duration
}

// Latency returns the current snapshot for src, or the zero value if no
// observation has been recorded.
func (r *Registry) Latency(src Source) LatencySnapshot {
	r.mu.Lock()
	a, ok := r.latency[src]
	r.mu.Unlock()
	if !ok {
		return LatencySnapshot{}
	}
	count := atomic.LoadInt64(&a.count)
	sum := atomic.LoadInt64(&a.sumNs)
	max := atomic.LoadInt64(&a.maxNs)
	snap := LatencySnapshot{Count: count, Max: time.Duration(max)}
	if count > 0 {
		snap.Mean = time.Duration(sum / count)
	}
	return snap
}

// IncrTimeouts increments the global timeouts counter.
func (r *Registry) IncrTimeouts() { r.timeouts.Add(1) }

// Timeouts returns the current timeouts counter value.
func (r *Registry) Timeouts() int64 { return r.timeouts.Load() }

// IncrPoolExhausted increments the global pool-exhaustion counter,
// recorded whenever a tag pool's high-water mark is reached with no
// free tag available (spec.md §8 scenario 5).
func (r *Registry) IncrPoolExhausted() { r.poolExhausted.Add(1) }

// PoolExhausted returns the current pool-exhaustion counter value.
func (r *Registry) PoolExhausted() int64 { return r.poolExhausted.Load() }
