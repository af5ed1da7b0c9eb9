// Package resource abstracts process resource measurement so background
// admission control can be tested with deterministic pressure.
package resource

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

// Probe reports process resource usage. Implementations must be safe for
// concurrent use.
type Probe interface {
	// CPUUtilization returns an approximate process CPU utilization
	// percentage in [0, 100].
	CPUUtilization() float64

	// HeapInUseBytes returns the bytes of heap currently in use.
	HeapInUseBytes() uint64

	// SuggestGC hints that now is a good time to collect garbage.
	SuggestGC()
}

// RuntimeProbe measures the current process via the Go runtime. CPU
// utilization is derived from the delta of total CPU seconds between
// calls, normalized by wall time and core count.
type RuntimeProbe struct {
	mu          sync.Mutex
	lastSample  time.Time
	lastCPUSecs float64
	lastResult  float64
}

// NewRuntimeProbe creates a probe over the Go runtime.
func NewRuntimeProbe() *RuntimeProbe {
	p := &RuntimeProbe{}
	// Prime the baseline so the first real reading has a delta.
	p.lastSample = time.Now()
	p.lastCPUSecs = totalCPUSeconds()
	return p
}

func totalCPUSeconds() float64 {
	samples := []metrics.Sample{{Name: "/cpu/classes/total:cpu-seconds"}}
	metrics.Read(samples)
	if samples[0].Value.Kind() == metrics.KindFloat64 {
		return samples[0].Value.Float64()
	}
	return 0
}

// CPUUtilization returns the utilization over the window since the
// previous call. Calls closer together than 100ms return the cached value
// to avoid noisy micro-windows.
func (p *RuntimeProbe) CPUUtilization() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	wall := now.Sub(p.lastSample)
	if wall < 100*time.Millisecond {
		return p.lastResult
	}

	cpuSecs := totalCPUSeconds()
	deltaCPU := cpuSecs - p.lastCPUSecs

	utilization := deltaCPU / wall.Seconds() / float64(runtime.NumCPU()) * 100
	if utilization < 0 {
		utilization = 0
	}
	if utilization > 100 {
		utilization = 100
	}

	p.lastSample = now
	p.lastCPUSecs = cpuSecs
	p.lastResult = utilization
	return utilization
}

// HeapInUseBytes returns the current heap-in-use reading.
func (p *RuntimeProbe) HeapInUseBytes() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}

// SuggestGC triggers a collection.
func (p *RuntimeProbe) SuggestGC() {
	runtime.GC()
}

// StaticProbe returns fixed readings. Used by tests to inject deterministic
// resource pressure.
type StaticProbe struct {
	mu      sync.Mutex
	cpu     float64
	heap    uint64
	gcCalls int
}

// NewStaticProbe creates a probe with fixed readings.
func NewStaticProbe(cpu float64, heap uint64) *StaticProbe {
	return &StaticProbe{cpu: cpu, heap: heap}
}

func (p *StaticProbe) CPUUtilization() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cpu
}

func (p *StaticProbe) HeapInUseBytes() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.heap
}

func (p *StaticProbe) SuggestGC() {
	p.mu.Lock()
	p.gcCalls++
	p.mu.Unlock()
}

// SetCPU updates the fixed CPU reading.
func (p *StaticProbe) SetCPU(cpu float64) {
	p.mu.Lock()
	p.cpu = cpu
	p.mu.Unlock()
}

// SetHeap updates the fixed heap reading.
func (p *StaticProbe) SetHeap(heap uint64) {
	p.mu.Lock()
	p.heap = heap
	p.mu.Unlock()
}

// GCCalls reports how many times SuggestGC was invoked.
func (p *StaticProbe) GCCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gcCalls
}
