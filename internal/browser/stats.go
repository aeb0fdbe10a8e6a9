package browser

import (
	"math"

	"github.com/docker/docker/api/types/container"

	"github.com/shehryarbajwa/cloud-browser/pkg/models"
)

// applyStats fills the resource fields of out from a non-streaming stats sample.
func applyStats(out *models.ContainerStats, s container.StatsResponse) {
	out.CPUPercent = cpuPercent(s)
	out.MemUsedBytes = s.MemoryStats.Usage
	out.MemLimitBytes = s.MemoryStats.Limit
	if s.MemoryStats.Limit > 0 {
		out.MemPercent = round2(float64(s.MemoryStats.Usage) / float64(s.MemoryStats.Limit) * 100)
	}
	for _, n := range s.Networks {
		out.NetRxBytes += n.RxBytes
		out.NetTxBytes += n.TxBytes
	}
}

// cpuPercent follows the docker CLI: the container's share of the host CPU
// time delta, scaled by the number of online CPUs.
func cpuPercent(s container.StatsResponse) float64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || systemDelta <= 0 {
		return 0
	}
	online := float64(s.CPUStats.OnlineCPUs)
	if online == 0 {
		online = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if online == 0 {
		online = 1
	}
	return round2(cpuDelta / systemDelta * online * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
