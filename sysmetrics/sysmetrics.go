// Package sysmetrics samples host CPU and memory utilization. The engine
// reads it to decide batch wave sizes and to feed the auto-scaler.
package sysmetrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is one utilization reading, in percent.
type Snapshot struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	SampledAt     time.Time `json:"sampled_at"`
}

// Sampler reads host utilization.
type Sampler interface {
	Sample(ctx context.Context) (Snapshot, error)
}

// Host samples the local machine through gopsutil.
type Host struct {
	// Interval is the CPU measurement window. Zero compares against the
	// previous call, which makes the first reading meaningless.
	// Default: 200ms
	Interval time.Duration
}

// NewHost returns a Host sampler with the default interval.
func NewHost() *Host {
	return &Host{Interval: 200 * time.Millisecond}
}

// Sample implements Sampler.
func (h *Host) Sample(ctx context.Context) (Snapshot, error) {
	interval := h.Interval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}

	cpus, err := cpu.PercentWithContext(ctx, interval, false)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to sample cpu: %w", err)
	}
	if len(cpus) == 0 {
		return Snapshot{}, fmt.Errorf("failed to sample cpu: no readings")
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to sample memory: %w", err)
	}

	return Snapshot{
		CPUPercent:    cpus[0],
		MemoryPercent: vm.UsedPercent,
		SampledAt:     time.Now(),
	}, nil
}

// Static returns fixed readings that can be changed at runtime.
type Static struct {
	mu   sync.Mutex
	snap Snapshot
	err  error
}

// NewStatic returns a sampler that always reports cpu and memory.
func NewStatic(cpuPercent, memPercent float64) *Static {
	return &Static{snap: Snapshot{CPUPercent: cpuPercent, MemoryPercent: memPercent}}
}

// Set replaces the reported values.
func (s *Static) Set(cpuPercent, memPercent float64) {
	s.mu.Lock()
	s.snap.CPUPercent = cpuPercent
	s.snap.MemoryPercent = memPercent
	s.mu.Unlock()
}

// Fail makes subsequent samples return err; nil clears it.
func (s *Static) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Sample implements Sampler.
func (s *Static) Sample(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Snapshot{}, s.err
	}
	snap := s.snap
	snap.SampledAt = time.Now()
	return snap, nil
}
