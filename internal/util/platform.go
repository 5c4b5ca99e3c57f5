package util

import (
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemInfo describes the host the shard runs on.
type SystemInfo struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	CPUModel     string `json:"cpu_model"`
	CPUCores     int    `json:"cpu_cores"`
	TotalMemory  uint64 `json:"total_memory_mb"`
	GoVersion    string `json:"go_version"`
}

// GetSystemInfo gathers static host information. Fields that cannot be
// read are left empty.
func GetSystemInfo() SystemInfo {
	info := SystemInfo{
		Architecture: runtime.GOARCH,
		CPUCores:     runtime.NumCPU(),
		GoVersion:    runtime.Version(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}
	if hostInfo, err := host.Info(); err == nil {
		info.OS = fmt.Sprintf("%s %s", hostInfo.Platform, hostInfo.PlatformVersion)
	}
	if cpuInfo, err := cpu.Info(); err == nil && len(cpuInfo) > 0 {
		info.CPUModel = cpuInfo[0].ModelName
	}
	if memInfo, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = memInfo.Total / (1024 * 1024)
	}
	return info
}

// HostStats is a point-in-time load sample of the host and this process.
type HostStats struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryUsedMB   uint64  `json:"memory_used_mb"`
	MemoryPercent  float64 `json:"memory_percent"`
	ProcessRSSMB   uint64  `json:"process_rss_mb"`
	ProcessThreads int32   `json:"process_threads"`
	Goroutines     int     `json:"goroutines"`
	UptimeSeconds  uint64  `json:"host_uptime_sec"`
}

// GetHostStats samples host and process load. Counters the platform does
// not expose stay zero.
func GetHostStats() HostStats {
	stats := HostStats{Goroutines: runtime.NumGoroutine()}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		stats.CPUPercent = pct[0]
	}
	if memInfo, err := mem.VirtualMemory(); err == nil {
		stats.MemoryUsedMB = memInfo.Used / (1024 * 1024)
		stats.MemoryPercent = memInfo.UsedPercent
	}
	if up, err := host.Uptime(); err == nil {
		stats.UptimeSeconds = up
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if m, err := p.MemoryInfo(); err == nil {
			stats.ProcessRSSMB = m.RSS / (1024 * 1024)
		}
		if n, err := p.NumThreads(); err == nil {
			stats.ProcessThreads = n
		}
	}
	return stats
}
