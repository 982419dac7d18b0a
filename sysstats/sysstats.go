// Package sysstats collects host housekeeping telemetry (CPU, memory,
// load) for the periodic housekeeping tick of spec.md §5, repurposed
// from the teacher's PTP-client host diagnostics collector.
package sysstats

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/load"
	"github.com/shirou/gopsutil/mem"
)

// Snapshot is a point-in-time read of host resource usage.
type Snapshot struct {
	CPUPercent  float64
	MemUsedPct  float64
	Load1       float64
	Load5       float64
	Load15      float64
}

// Collector gathers a Snapshot on demand.
type Collector struct{}

// NewCollector returns a ready-to-use host stats collector.
func NewCollector() *Collector { return &Collector{} }

// Collect samples CPU/memory/load. A failure on any one metric still
// returns the others, with the failing metric zeroed, since housekeeping
// telemetry is best-effort and must never block the core.
func (c *Collector) Collect(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	var firstErr error

	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		firstErr = fmt.Errorf("sysstats: cpu: %w", err)
	} else if len(pct) > 0 {
		snap.CPUPercent = pct[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("sysstats: mem: %w", err)
		}
	} else {
		snap.MemUsedPct = vm.UsedPercent
	}

	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("sysstats: load: %w", err)
		}
	} else {
		snap.Load1, snap.Load5, snap.Load15 = avg.Load1, avg.Load5, avg.Load15
	}

	return snap, firstErr
}
