// Package agent samples host metrics and reports them to the server's
// ingest endpoint.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"

	"github.com/serversentinel/sentinel/internal/models"
)

const (
	mib = 1 << 20
	gib = 1 << 30
)

// Snapshot is one raw host reading.
type Snapshot struct {
	CPUPercent  float64
	MemPercent  float64
	MemTotal    uint64
	MemUsed     uint64
	DiskPercent float64
	DiskTotal   uint64
	DiskUsed    uint64
	NetRxBytes  uint64
	NetTxBytes  uint64
	Processes   uint64
	LoadAverage []float64 // nil where unsupported
}

// Collect gathers CPU (1-second sample), memory, disk usage at diskPath,
// network totals, process count and load average. Only CPU, memory and
// disk are required; the rest are best effort.
func Collect(ctx context.Context, diskPath string) (*Snapshot, error) {
	cpuPcts, err := cpu.PercentWithContext(ctx, time.Second, false)
	if err != nil {
		return nil, fmt.Errorf("cpu: %w", err)
	}
	cpuPct := 0.0
	if len(cpuPcts) > 0 {
		cpuPct = cpuPcts[0]
	}

	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}

	diskStat, err := disk.UsageWithContext(ctx, diskPath)
	if err != nil {
		return nil, fmt.Errorf("disk: %w", err)
	}

	s := &Snapshot{
		CPUPercent:  cpuPct,
		MemPercent:  vmem.UsedPercent,
		MemTotal:    vmem.Total,
		MemUsed:     vmem.Used,
		DiskPercent: diskStat.UsedPercent,
		DiskTotal:   diskStat.Total,
		DiskUsed:    diskStat.Used,
	}

	if counters, err := net.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		s.NetRxBytes = counters[0].BytesRecv
		s.NetTxBytes = counters[0].BytesSent
	}
	if info, err := host.InfoWithContext(ctx); err == nil {
		s.Processes = info.Procs
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		s.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	}
	return s, nil
}

// Payload converts the snapshot into the ingest wire format.
func (s *Snapshot) Payload() models.MetricsPayload {
	f := func(v float64) *float64 { return &v }
	p := models.MetricsPayload{
		CPU:            f(clampPercent(s.CPUPercent)),
		Memory:         f(clampPercent(s.MemPercent)),
		Disk:           f(clampPercent(s.DiskPercent)),
		MemoryUsedMB:   f(float64(s.MemUsed) / mib),
		MemoryTotalMB:  f(float64(s.MemTotal) / mib),
		DiskUsedGB:     f(float64(s.DiskUsed) / gib),
		DiskTotalGB:    f(float64(s.DiskTotal) / gib),
		NetworkRxBytes: f(float64(s.NetRxBytes)),
		NetworkTxBytes: f(float64(s.NetTxBytes)),
		LoadAverage:    s.LoadAverage,
	}
	if s.Processes > 0 {
		p.ProcessCount = f(float64(s.Processes))
	}
	return p
}

// gopsutil occasionally reports a hair over 100 on busy hosts.
func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
