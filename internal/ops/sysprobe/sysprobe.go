// Package sysprobe samples host and process memory for the health check.
package sysprobe

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

type Config struct {
	// MaxUsedPercent fails the probe above this host memory usage.
	MaxUsedPercent float64
	// MinAvailableMB fails the probe below this much available memory. Zero
	// disables the check.
	MinAvailableMB uint64
}

// Sample is one memory reading.
type Sample struct {
	TotalMB     uint64  `json:"total_mb"`
	AvailableMB uint64  `json:"available_mb"`
	UsedPercent float64 `json:"used_percent"`
	ProcessRSS  uint64  `json:"process_rss_mb"`
	Goroutines  int     `json:"goroutines"`
}

type reader func(ctx context.Context) (*mem.VirtualMemoryStat, error)

type Probe struct {
	cfg  Config
	read reader
	proc *process.Process
}

func New(cfg Config) *Probe {
	if cfg.MaxUsedPercent <= 0 {
		cfg.MaxUsedPercent = 90
	}
	p := &Probe{cfg: cfg, read: mem.VirtualMemoryWithContext}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		p.proc = proc
	}
	return p
}

func (p *Probe) Sample(ctx context.Context) (Sample, error) {
	vm, err := p.read(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("memory stats: %w", err)
	}
	s := Sample{
		TotalMB:     vm.Total >> 20,
		AvailableMB: vm.Available >> 20,
		UsedPercent: vm.UsedPercent,
		Goroutines:  runtime.NumGoroutine(),
	}
	if p.proc != nil {
		if mi, err := p.proc.MemoryInfoWithContext(ctx); err == nil {
			s.ProcessRSS = mi.RSS >> 20
		}
	}
	return s, nil
}

// HealthCheck reports memory pressure. Errors mention memory so the
// emergency classifier files them as memory failures.
func (p *Probe) HealthCheck(ctx context.Context) error {
	s, err := p.Sample(ctx)
	if err != nil {
		return err
	}
	if s.UsedPercent > p.cfg.MaxUsedPercent {
		return fmt.Errorf("memory pressure: %.1f%% used (limit %.1f%%)", s.UsedPercent, p.cfg.MaxUsedPercent)
	}
	if p.cfg.MinAvailableMB > 0 && s.AvailableMB < p.cfg.MinAvailableMB {
		return fmt.Errorf("memory pressure: %d MB available (minimum %d MB)", s.AvailableMB, p.cfg.MinAvailableMB)
	}
	return nil
}
