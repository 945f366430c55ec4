// Package metrics tracks pipeline stage latencies with percentiles.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// LatencyTracker keeps a sliding window of samples per stage.
type LatencyTracker struct {
	mu         sync.Mutex
	samples    []int64 // microseconds
	maxSamples int
	sorted     bool
}

func NewLatencyTracker(windowSize int) *LatencyTracker {
	if windowSize <= 0 {
		windowSize = 1000
	}
	return &LatencyTracker{
		samples:    make([]int64, 0, windowSize),
		maxSamples: windowSize,
	}
}

func (lt *LatencyTracker) Record(d time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	if len(lt.samples) >= lt.maxSamples {
		// Drop the oldest 10% in one shift instead of one per record.
		removeCount := lt.maxSamples / 10
		if removeCount < 1 {
			removeCount = 1
		}
		lt.samples = lt.samples[removeCount:]
	}
	lt.samples = append(lt.samples, d.Microseconds())
	lt.sorted = false
}

// Stats returns count, min/max/avg and p50/p95/p99 over the window.
func (lt *LatencyTracker) Stats() LatencyStats {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	n := len(lt.samples)
	if n == 0 {
		return LatencyStats{}
	}
	if !lt.sorted {
		sort.Slice(lt.samples, func(i, j int) bool { return lt.samples[i] < lt.samples[j] })
		lt.sorted = true
	}

	var sum int64
	for _, v := range lt.samples {
		sum += v
	}
	pct := func(p float64) time.Duration {
		return time.Duration(lt.samples[int(float64(n-1)*p)]) * time.Microsecond
	}
	return LatencyStats{
		Count: int64(n),
		Min:   time.Duration(lt.samples[0]) * time.Microsecond,
		Max:   time.Duration(lt.samples[n-1]) * time.Microsecond,
		Avg:   time.Duration(sum/int64(n)) * time.Microsecond,
		P50:   pct(0.50),
		P95:   pct(0.95),
		P99:   pct(0.99),
	}
}

type LatencyStats struct {
	Count int64         `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
}

func (s LatencyStats) ToMap() map[string]any {
	return map[string]any{
		"count":  s.Count,
		"min_ms": float64(s.Min.Microseconds()) / 1000,
		"max_ms": float64(s.Max.Microseconds()) / 1000,
		"avg_ms": float64(s.Avg.Microseconds()) / 1000,
		"p50_ms": float64(s.P50.Microseconds()) / 1000,
		"p95_ms": float64(s.P95.Microseconds()) / 1000,
		"p99_ms": float64(s.P99.Microseconds()) / 1000,
	}
}

// Registry manages trackers for multiple pipeline stages.
type Registry struct {
	mu       sync.RWMutex
	trackers map[string]*LatencyTracker
	window   int
}

func NewRegistry(windowSize int) *Registry {
	return &Registry{trackers: make(map[string]*LatencyTracker), window: windowSize}
}

func (r *Registry) Record(stage string, d time.Duration) {
	r.mu.RLock()
	tracker, ok := r.trackers[stage]
	r.mu.RUnlock()

	if !ok {
		r.mu.Lock()
		if tracker, ok = r.trackers[stage]; !ok {
			tracker = NewLatencyTracker(r.window)
			r.trackers[stage] = tracker
		}
		r.mu.Unlock()
	}
	tracker.Record(d)
}

func (r *Registry) AllStats() map[string]LatencyStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]LatencyStats, len(r.trackers))
	for name, tracker := range r.trackers {
		result[name] = tracker.Stats()
	}
	return result
}

var (
	globalRegistry     *Registry
	globalRegistryOnce sync.Once
)

func GlobalRegistry() *Registry {
	globalRegistryOnce.Do(func() {
		globalRegistry = NewRegistry(1000)
	})
	return globalRegistry
}

func RecordLatency(stage string, d time.Duration) {
	GlobalRegistry().Record(stage, d)
}
