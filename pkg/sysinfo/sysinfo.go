package sysinfo

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// DefaultSampleWindow is how long CPU usage is measured for
const DefaultSampleWindow = 100 * time.Millisecond

// Host is a point-in-time view of the machine
type Host struct {
	MemoryUsedBytes  uint64  `json:"memory_used_bytes"`
	MemoryTotalBytes uint64  `json:"memory_total_bytes"`
	MemoryPercent    float64 `json:"memory_percent"`
	CPUPercent       float64 `json:"cpu_percent"`
	CPUCount         int     `json:"cpu_count"`
	Goroutines       int     `json:"goroutines"`
}

// Snapshot samples memory and CPU usage over window
func Snapshot(ctx context.Context, window time.Duration) (*Host, error) {
	if window <= 0 {
		window = DefaultSampleWindow
	}

	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory: %w", err)
	}

	h := &Host{
		MemoryUsedBytes:  vmem.Used,
		MemoryTotalBytes: vmem.Total,
		MemoryPercent:    vmem.UsedPercent,
		CPUCount:         runtime.NumCPU(),
		Goroutines:       runtime.NumGoroutine(),
	}

	percent, err := cpu.PercentWithContext(ctx, window, false)
	if err != nil {
		return nil, fmt.Errorf("failed to read cpu: %w", err)
	}
	if len(percent) > 0 {
		h.CPUPercent = percent[0]
	}

	return h, nil
}
