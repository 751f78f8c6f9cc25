package agent

import (
	"fmt"
	"sync"

	"github.com/absmach/anchor/worker"
	"github.com/prometheus/procfs"
)

// Sampler reports the host's current resource usage.
type Sampler interface {
	Sample() (worker.Metrics, error)
}

type procSampler struct {
	fs procfs.FS

	mu        sync.Mutex
	prevBusy  float64
	prevTotal float64
}

// NewProcSampler reads cpu and memory usage from /proc.
func NewProcSampler() (Sampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs: %w", err)
	}

	return &procSampler{fs: fs}, nil
}

func (s *procSampler) Sample() (worker.Metrics, error) {
	var m worker.Metrics

	stat, err := s.fs.Stat()
	if err != nil {
		return m, fmt.Errorf("failed to read cpu stats: %w", err)
	}
	c := stat.CPUTotal
	idle := c.Idle + c.Iowait
	busy := c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
	total := busy + idle

	s.mu.Lock()
	m.CPUUsage = cpuUsage(busy-s.prevBusy, total-s.prevTotal)
	s.prevBusy, s.prevTotal = busy, total
	s.mu.Unlock()

	mem, err := s.fs.Meminfo()
	if err != nil {
		return m, fmt.Errorf("failed to read memory stats: %w", err)
	}
	if mem.MemTotal != nil && mem.MemAvailable != nil && *mem.MemTotal > 0 {
		used := *mem.MemTotal - *mem.MemAvailable
		m.RAMUsage = percent(float64(used) / float64(*mem.MemTotal))
	}

	return m, nil
}

// HostSpecs fills the unset fields of specs from the host.
func HostSpecs(specs worker.Specs, cores int) worker.Specs {
	if specs.CPUCores == 0 {
		specs.CPUCores = cores
	}
	if specs.MemoryGB > 0 {
		return specs
	}

	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return specs
	}
	mem, err := fs.Meminfo()
	if err != nil || mem.MemTotal == nil {
		return specs
	}
	specs.MemoryGB = float64(*mem.MemTotal) / (1024 * 1024)

	return specs
}

func cpuUsage(busyDelta, totalDelta float64) float64 {
	if totalDelta <= 0 {
		return 0
	}

	return percent(busyDelta / totalDelta)
}

func percent(ratio float64) float64 {
	switch {
	case ratio < 0:
		return 0
	case ratio > 1:
		return 100
	default:
		return ratio * 100
	}
}
