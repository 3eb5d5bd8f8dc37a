// Package conditions checks system resources before a training job is allowed to start
// and reports resource stats for health checks
package conditions

import (
	"context"
	"fmt"
	"runtime"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/umputun/trainq/app/runner"
	"github.com/umputun/trainq/app/store"
)

// Config defines thresholds, nil pointer disables the check
type Config struct {
	CPUBelow      *int     // cpu usage percent must be below
	MemoryBelow   *int     // memory usage percent must be below
	LoadAvgBelow  *float64 // 1m load average must be below
	DiskFreeAbove *int     // free disk percent must be above
	DiskFreePath  string   // path for disk check, default "/"

	MaxPostpone   time.Duration // wait for conditions up to, 0 fails the job right away
	CheckInterval time.Duration // default 30s
}

// Enabled returns true if any threshold set
func (c Config) Enabled() bool {
	return c.CPUBelow != nil || c.MemoryBelow != nil || c.LoadAvgBelow != nil || c.DiskFreeAbove != nil
}

// Checker verifies conditions, returns false with reason if not met
type Checker interface {
	Check(cfg Config) (ok bool, reason string)
}

// System checks conditions against the host resources
type System struct{}

// Check verifies all configured conditions
func (System) Check(cfg Config) (bool, string) {
	if cfg.CPUBelow != nil {
		if ok, reason := checkCPU(*cfg.CPUBelow); !ok {
			return false, reason
		}
	}
	if cfg.MemoryBelow != nil {
		if ok, reason := checkMemory(*cfg.MemoryBelow); !ok {
			return false, reason
		}
	}
	if cfg.LoadAvgBelow != nil {
		if ok, reason := checkLoadAvg(*cfg.LoadAvgBelow); !ok {
			return false, reason
		}
	}
	if cfg.DiskFreeAbove != nil {
		path := cfg.DiskFreePath
		if path == "" {
			path = "/"
		}
		if ok, reason := checkDiskFree(*cfg.DiskFreeAbove, path); !ok {
			return false, reason
		}
	}
	return true, ""
}

// Guard is a work wrapper delaying the job until conditions are met
type Guard struct {
	Next    runner.Work
	Config  Config
	Checker Checker
}

// Run waits for conditions and runs the next work. Fails the job if conditions not met and no postpone allowed,
// runs it anyway after max postpone.
func (g *Guard) Run(ctx context.Context, job store.Record, rep runner.Reporter) (map[string]any, error) {
	if !g.Config.Enabled() || g.Checker == nil {
		return g.Next.Run(ctx, job, rep)
	}
	if err := g.wait(ctx, job.JobID, rep); err != nil {
		return nil, err
	}
	return g.Next.Run(ctx, job, rep)
}

func (g *Guard) wait(ctx context.Context, jobID string, rep runner.Reporter) error {
	met, reason := g.Checker.Check(g.Config)
	if met {
		return nil
	}
	if g.Config.MaxPostpone <= 0 {
		return fmt.Errorf("system conditions not met: %s", reason)
	}

	rep.Log("warn", fmt.Sprintf("Waiting for system conditions: %s", reason))
	log.Printf("[INFO] job %s postponed, reason: %s, max %v", jobID, reason, g.Config.MaxPostpone)

	interval := g.Config.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(g.Config.MaxPostpone)
	defer deadline.Stop()

	for {
		select {
		case <-ticker.C:
			if met, reason = g.Checker.Check(g.Config); met {
				rep.Log("info", "System conditions met")
				return nil
			}
			log.Printf("[DEBUG] job %s, conditions not met yet: %s", jobID, reason)
		case <-deadline.C:
			rep.Log("warn", "Max postpone reached, starting anyway")
			log.Printf("[WARN] job %s, max postpone reached, starting anyway", jobID)
			return nil
		case <-ctx.Done():
			return fmt.Errorf("job canceled while waiting for conditions: %w", ctx.Err())
		}
	}
}

// Stats is a snapshot of host resources
type Stats struct {
	CPUs            int     `json:"cpus"`
	Load1           float64 `json:"load1"`
	Load5           float64 `json:"load5"`
	Load15          float64 `json:"load15"`
	MemUsedPercent  float64 `json:"memUsedPercent"`
	MemTotalMB      uint64  `json:"memTotalMb"`
	DiskPath        string  `json:"diskPath"`
	DiskFreePercent float64 `json:"diskFreePercent"`
	DiskFreeMB      uint64  `json:"diskFreeMb"`
}

// GetStats collects host stats, unavailable metrics are left zero
func GetStats(diskPath string) Stats {
	res := Stats{CPUs: runtime.NumCPU(), DiskPath: diskPath}
	if loads, err := load.Avg(); err == nil {
		res.Load1, res.Load5, res.Load15 = loads.Load1, loads.Load5, loads.Load15
	}
	if v, err := mem.VirtualMemory(); err == nil {
		res.MemUsedPercent = round2(v.UsedPercent)
		res.MemTotalMB = v.Total / 1024 / 1024
	}
	if diskPath != "" {
		if usage, err := disk.Usage(diskPath); err == nil {
			res.DiskFreePercent = round2(100 - usage.UsedPercent)
			res.DiskFreeMB = usage.Free / 1024 / 1024
		}
	}
	return res
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

func checkCPU(threshold int) (bool, string) {
	cpuPercent, err := cpu.Percent(time.Second, false)
	if err != nil {
		return false, fmt.Sprintf("failed to get CPU: %v", err)
	}
	if len(cpuPercent) == 0 {
		return false, "no CPU data available"
	}
	current := int(cpuPercent[0])
	if current >= threshold {
		return false, fmt.Sprintf("CPU at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

func checkMemory(threshold int) (bool, string) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return false, fmt.Sprintf("failed to get memory: %v", err)
	}
	current := int(v.UsedPercent)
	if current >= threshold {
		return false, fmt.Sprintf("memory at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

func checkLoadAvg(threshold float64) (bool, string) {
	loads, err := load.Avg()
	if err != nil {
		return false, fmt.Sprintf("failed to get load average: %v", err)
	}
	if loads.Load1 >= threshold {
		return false, fmt.Sprintf("load at %.2f, threshold %.2f", loads.Load1, threshold)
	}
	return true, ""
}

func checkDiskFree(minFreePercent int, path string) (bool, string) {
	usage, err := disk.Usage(path)
	if err != nil {
		return false, fmt.Sprintf("failed to get disk usage for %s: %v", path, err)
	}
	freePercent := 100 - int(usage.UsedPercent)
	if freePercent < minFreePercent {
		return false, fmt.Sprintf("disk free at %d%%, need %d%% on %s", freePercent, minFreePercent, path)
	}
	return true, ""
}
