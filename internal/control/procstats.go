package control

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

var startTime = time.Now()

// collectProcStats gathers process and host usage. Individual collectors
// failing (platform support varies) leave their fields zero rather than
// failing the whole command.
func collectProcStats(liveSessions int) *ProcStats {
	stats := &ProcStats{
		PID:           int32(os.Getpid()),
		NumGoroutine:  runtime.NumGoroutine(),
		UptimeSeconds: time.Since(startTime).Seconds(),
		LiveSessions:  liveSessions,
	}

	if proc, err := process.NewProcess(stats.PID); err == nil {
		if pct, err := proc.CPUPercent(); err == nil {
			stats.CPUPercent = pct
		}
		if info, err := proc.MemoryInfo(); err == nil && info != nil {
			stats.MemoryRSS = info.RSS
		}
		if pct, err := proc.MemoryPercent(); err == nil {
			stats.MemoryPercent = pct
		}
		if fds, err := proc.NumFDs(); err == nil {
			stats.NumFDs = fds
		}
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		stats.HostCPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		stats.HostMemUsedPercent = vm.UsedPercent
	}
	if avg, err := load.Avg(); err == nil && avg != nil {
		stats.Load1 = avg.Load1
		stats.Load5 = avg.Load5
		stats.Load15 = avg.Load15
	}

	return stats
}
