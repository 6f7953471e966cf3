package limits

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceGuard samples host CPU and memory in the background and answers
// admission checks from the accept loop. Static thresholds, no
// auto-adjustment: a rejected connection gets an immediate close rather than
// degraded service for everyone already playing.
type ResourceGuard struct {
	cpuThreshold float64 // percent, 0 disables the check
	memThreshold float64 // percent of total, 0 disables the check

	currentCPU atomic.Value // float64
	currentMem atomic.Value // float64

	logger zerolog.Logger
	stop   chan struct{}
}

// ResourceGuardConfig holds guard settings. Sample interval defaults to 5s.
type ResourceGuardConfig struct {
	CPUThreshold   float64
	MemThreshold   float64
	SampleInterval time.Duration
	Logger         zerolog.Logger
}

func NewResourceGuard(config ResourceGuardConfig) *ResourceGuard {
	if config.SampleInterval == 0 {
		config.SampleInterval = 5 * time.Second
	}
	g := &ResourceGuard{
		cpuThreshold: config.CPUThreshold,
		memThreshold: config.MemThreshold,
		logger:       config.Logger.With().Str("component", "resource_guard").Logger(),
		stop:         make(chan struct{}),
	}
	g.currentCPU.Store(0.0)
	g.currentMem.Store(0.0)
	go g.sampleLoop(config.SampleInterval)
	return g
}

func (g *ResourceGuard) sampleLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.sample()
		case <-g.stop:
			return
		}
	}
}

func (g *ResourceGuard) sample() {
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		g.currentCPU.Store(percents[0])
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		g.currentMem.Store(vmem.UsedPercent)
	}
}

// Admit reports whether a new connection may be accepted under the current
// resource pressure.
func (g *ResourceGuard) Admit() bool {
	cpuNow := g.currentCPU.Load().(float64)
	memNow := g.currentMem.Load().(float64)

	if g.cpuThreshold > 0 && cpuNow > g.cpuThreshold {
		g.logger.Warn().
			Float64("cpu_percent", cpuNow).
			Float64("threshold", g.cpuThreshold).
			Msg("rejecting connection: cpu pressure")
		return false
	}
	if g.memThreshold > 0 && memNow > g.memThreshold {
		g.logger.Warn().
			Float64("mem_percent", memNow).
			Float64("threshold", g.memThreshold).
			Msg("rejecting connection: memory pressure")
		return false
	}
	return true
}

// Stop terminates the sampling goroutine.
func (g *ResourceGuard) Stop() {
	close(g.stop)
}
