package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

// ProcessUsage is served on /api/process.
type ProcessUsage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	HeapBytes     uint64  `json:"heap_bytes"`
	Goroutines    uint64  `json:"goroutines"`
	GCCycles      uint64  `json:"gc_cycles"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

const (
	sampleCPU        = "/sched/cpu:seconds"
	sampleHeap       = "/memory/classes/heap/objects:bytes"
	sampleGoroutines = "/sched/goroutines:goroutines"
	sampleGCCycles   = "/gc/cycles/total:gc-cycles"
)

// processSampler reads runtime/metrics without stopping the world. CPU is
// reported as the share of all cores used since the previous snapshot.
type processSampler struct {
	mu             sync.Mutex
	samples        []metrics.Sample
	startedAt      time.Time
	lastCPUSeconds float64
	lastSample     time.Time
	numCPU         float64
}

func newProcessSampler() *processSampler {
	return &processSampler{
		samples: []metrics.Sample{
			{Name: sampleCPU},
			{Name: sampleHeap},
			{Name: sampleGoroutines},
			{Name: sampleGCCycles},
		},
		startedAt: time.Now(),
		numCPU:    float64(runtime.NumCPU()),
	}
}

func (p *processSampler) Snapshot() ProcessUsage {
	if p == nil {
		return ProcessUsage{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	metrics.Read(p.samples)
	now := time.Now()

	var usage ProcessUsage
	for _, s := range p.samples {
		switch s.Name {
		case sampleCPU:
			if s.Value.Kind() != metrics.KindFloat64 {
				continue
			}
			cpu := s.Value.Float64()
			if !p.lastSample.IsZero() && p.numCPU > 0 {
				if wall := now.Sub(p.lastSample).Seconds(); wall > 0 {
					usage.CPUPercent = (cpu - p.lastCPUSeconds) / wall / p.numCPU * 100
				}
			}
			p.lastCPUSeconds = cpu
		case sampleHeap:
			usage.HeapBytes = uint64Value(s.Value)
		case sampleGoroutines:
			usage.Goroutines = uint64Value(s.Value)
		case sampleGCCycles:
			usage.GCCycles = uint64Value(s.Value)
		}
	}
	p.lastSample = now
	usage.UptimeSeconds = now.Sub(p.startedAt).Seconds()
	return usage
}

func uint64Value(v metrics.Value) uint64 {
	if v.Kind() == metrics.KindUint64 {
		return v.Uint64()
	}
	return 0
}
