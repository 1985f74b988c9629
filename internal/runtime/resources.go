package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const (
	metricCPUUser    = "/cpu/classes/user:cpu-seconds"
	metricHeapBytes  = "/memory/classes/heap/objects:bytes"
	metricGoroutines = "/sched/goroutines:goroutines"
)

// resourceTracker samples process CPU, heap and goroutines for the status
// API. Reading runtime/metrics does not stop the world, so it is safe to
// call after every handled record.
type resourceTracker struct {
	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	numCPU         float64
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		samples: newResourceSamples(),
		numCPU:  float64(runtime.GOMAXPROCS(0)),
	}
}

func newResourceSamples() []metrics.Sample {
	return []metrics.Sample{
		{Name: metricCPUUser},
		{Name: metricHeapBytes},
		{Name: metricGoroutines},
	}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) == 0 {
		r.samples = newResourceSamples()
	}
	metrics.Read(r.samples)
	now := time.Now()

	usage := ResourceUsage{Goroutines: runtime.NumGoroutine()}
	for _, s := range r.samples {
		switch s.Name {
		case metricCPUUser:
			if s.Value.Kind() != metrics.KindFloat64 {
				continue
			}
			cpuSeconds := s.Value.Float64()
			if !r.lastSample.IsZero() {
				wall := now.Sub(r.lastSample).Seconds()
				if wall > 0 && r.numCPU > 0 {
					usage.CPUPercent = (cpuSeconds - r.lastCPUSeconds) / wall / r.numCPU * 100
				}
			}
			r.lastCPUSeconds = cpuSeconds
		case metricHeapBytes:
			if s.Value.Kind() == metrics.KindUint64 {
				usage.MemoryBytes = s.Value.Uint64()
			}
		case metricGoroutines:
			if s.Value.Kind() == metrics.KindUint64 {
				usage.Goroutines = int(s.Value.Uint64())
			}
		}
	}
	if usage.CPUPercent < 0 {
		usage.CPUPercent = 0
	}
	r.lastSample = now
	return usage
}
