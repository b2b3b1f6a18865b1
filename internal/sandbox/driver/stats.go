package driver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docker/docker/api/types/container"
)

// Stats is one resource usage sample for a running sandbox.
type Stats struct {
	CPUPercent  float64 `json:"cpuPercent"`
	MemoryBytes uint64  `json:"memoryBytes"`
	MemoryLimit uint64  `json:"memoryLimit"`
	PIDs        uint64  `json:"pids"`
}

// ContainerStats takes a single usage sample. The non-streaming call makes
// the engine collect two CPU samples, so the percentage is a real rate.
func (d *Driver) ContainerStats(ctx context.Context, engineID string) (*Stats, error) {
	resp, err := d.cli.ContainerStats(ctx, engineID, false)
	if err != nil {
		return nil, mapEngineErr(err, fmt.Sprintf("failed to read stats for container %s", shortID(engineID)))
	}
	defer func() { _ = resp.Body.Close() }()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode stats for container %s: %w", shortID(engineID), err)
	}

	return &Stats{
		CPUPercent:  cpuPercent(&raw),
		MemoryBytes: memoryUsage(&raw),
		MemoryLimit: raw.MemoryStats.Limit,
		PIDs:        raw.PidsStats.Current,
	}, nil
}

func cpuPercent(s *container.StatsResponse) float64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || systemDelta <= 0 {
		return 0
	}
	onlineCPUs := float64(s.CPUStats.OnlineCPUs)
	if onlineCPUs == 0 {
		onlineCPUs = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if onlineCPUs == 0 {
		onlineCPUs = 1
	}
	return cpuDelta / systemDelta * onlineCPUs * 100.0
}

// memoryUsage subtracts the reclaimable page cache the way docker stats
// does (cgroup v2 inactive_file, v1 total_inactive_file).
func memoryUsage(s *container.StatsResponse) uint64 {
	usage := s.MemoryStats.Usage
	if cache, ok := s.MemoryStats.Stats["inactive_file"]; ok && cache < usage {
		return usage - cache
	}
	if cache, ok := s.MemoryStats.Stats["total_inactive_file"]; ok && cache < usage {
		return usage - cache
	}
	return usage
}
