package perfmon

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// GopsutilSample reads host-wide counters via gopsutil. CPU usage is
// measured since the previous call, so the baseline snapshot taken by
// Start primes it.
func GopsutilSample(ctx context.Context) (HostSnapshot, error) {
	var snap HostSnapshot

	cpuPcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return snap, fmt.Errorf("cpu percent: %w", err)
	}
	if len(cpuPcts) > 0 {
		snap.CPUPercent = cpuPcts[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return snap, fmt.Errorf("virtual memory: %w", err)
	}
	snap.MemoryPercent = vm.UsedPercent

	diskIO, err := disk.IOCountersWithContext(ctx)
	if err != nil {
		return snap, fmt.Errorf("disk io counters: %w", err)
	}
	for _, d := range diskIO {
		snap.DiskReadBytes += d.ReadBytes
		snap.DiskWriteBytes += d.WriteBytes
	}

	netIO, err := psnet.IOCountersWithContext(ctx, false)
	if err != nil {
		return snap, fmt.Errorf("net io counters: %w", err)
	}
	if len(netIO) > 0 {
		snap.NetSentBytes = netIO[0].BytesSent
		snap.NetRecvBytes = netIO[0].BytesRecv
	}

	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return snap, fmt.Errorf("connections: %w", err)
	}
	snap.Connections = len(conns)

	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return snap, fmt.Errorf("process list: %w", err)
	}
	snap.Processes = len(pids)

	return snap, nil
}
