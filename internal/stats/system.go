package stats

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/mem"
)

// CPUInfo holds information about the characteristics of the CPU
type CPUInfo struct {
	Model     string  `json:"model"`
	Cores     int     `json:"cores"`
	Frequency float64 `json:"frequency"`
	Cache     int32   `json:"cache"`
}

// CPUStats holds information about the characteristics of the CPU and it's usage
type CPUStats struct {
	Usage int     `json:"usage"`
	Info  CPUInfo `json:"info"`
}

// MemoryInfo holds information about memory usage, in MB
type MemoryInfo struct {
	Total     int `json:"total"`
	Usage     int `json:"usage"`
	Cached    int `json:"cached"`
	Available int `json:"available"`
}

// StorageStats holds information about disk usage of the data directory, in MB
type StorageStats struct {
	Total     int    `json:"total"`
	Path      string `json:"path"`
	Usage     int    `json:"usage"`
	Available int    `json:"available"`
}

// SystemInfo holds information about the host the daemon runs on
type SystemInfo struct {
	OS        string       `json:"os"`
	Arch      string       `json:"arch"`
	Version   string       `json:"version"`
	GoVersion string       `json:"goVersion"`
	Hostname  string       `json:"hostname"`
	Uptime    float64      `json:"uptime"`
	Memory    MemoryInfo   `json:"memory"`
	CPU       CPUStats     `json:"cpu"`
	Storage   StorageStats `json:"storage"`
}

var processStart = time.Now()

// System returns a snapshot of the host hardware and its usage
func (s *Store) System(ctx context.Context) (SystemInfo, error) {
	info := SystemInfo{
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Version:   s.cfg.Version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(processStart).Seconds(),
	}
	info.Hostname, _ = os.Hostname()

	memDetailedStat, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return info, err
	}
	info.Memory = MemoryInfo{
		Total:     int(memDetailedStat.Total / 1000000),
		Usage:     int(memDetailedStat.UsedPercent),
		Cached:    int(memDetailedStat.Cached / 1000000),
		Available: int(memDetailedStat.Available / 1000000),
	}

	cpuDetailedInfo, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return info, err
	}
	if len(cpuDetailedInfo) > 0 {
		info.CPU.Info = CPUInfo{
			Model:     cpuDetailedInfo[0].ModelName,
			Cores:     len(cpuDetailedInfo),
			Frequency: cpuDetailedInfo[0].Mhz,
			Cache:     cpuDetailedInfo[0].CacheSize,
		}
	}
	cpuUsage, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		return info, err
	}
	if len(cpuUsage) > 0 {
		info.CPU.Usage = int(cpuUsage[0])
	}

	if s.cfg.DataDir != "" {
		diskStat, err := disk.UsageWithContext(ctx, s.cfg.DataDir)
		if err != nil {
			log.Debugf("Failed to read disk usage of '%s': %s", s.cfg.DataDir, err.Error())
		} else {
			info.Storage = StorageStats{
				Total:     int(diskStat.Total / 1000000),
				Path:      s.cfg.DataDir,
				Usage:     int(diskStat.UsedPercent),
				Available: int(diskStat.Free / 1000000),
			}
		}
	}
	return info, nil
}
