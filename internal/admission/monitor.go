// Package admission decides whether the host can accept more work.
package admission

import (
	"log/slog"
	"math"
)

// Default thresholds, in percent.
const (
	DefaultCPUThreshold = 80
	DefaultRAMThreshold = 85
)

// Sampler reads host load figures.
type Sampler interface {
	// LoadAverage returns the 1-minute load average.
	LoadAverage() (float64, error)
	// Memory returns used and total memory in bytes.
	Memory() (used, total uint64, err error)
	// LogicalCPUs returns the number of logical cores.
	LogicalCPUs() int
}

// Load is one admission sample.
type Load struct {
	Overloaded bool    `json:"overloaded"`
	CPU        float64 `json:"cpu"`
	RAM        float64 `json:"ram"`
}

// Monitor is a stateless load gate. Every call re-samples the host; there is no hysteresis.
type Monitor struct {
	sampler      Sampler
	cpuThreshold float64
	ramThreshold float64
	logger       *slog.Logger
}

// NewMonitor creates a monitor. Non-positive thresholds fall back to the defaults.
func NewMonitor(sampler Sampler, cpuThreshold, ramThreshold float64, logger *slog.Logger) *Monitor {
	if cpuThreshold <= 0 {
		cpuThreshold = DefaultCPUThreshold
	}
	if ramThreshold <= 0 {
		ramThreshold = DefaultRAMThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		sampler:      sampler,
		cpuThreshold: cpuThreshold,
		ramThreshold: ramThreshold,
		logger:       logger,
	}
}

// IsOverloaded samples the host. A failed sample reads as zero load for that figure.
func (m *Monitor) IsOverloaded() Load {
	var cpu, ram float64

	if avg, err := m.sampler.LoadAverage(); err != nil {
		m.logger.Warn("failed to sample load average", "error", err)
	} else if n := m.sampler.LogicalCPUs(); n > 0 {
		cpu = avg / float64(n) * 100
	}

	if used, total, err := m.sampler.Memory(); err != nil {
		m.logger.Warn("failed to sample memory", "error", err)
	} else if total > 0 {
		ram = float64(used) / float64(total) * 100
	}

	return Load{
		Overloaded: cpu > m.cpuThreshold || ram > m.ramThreshold,
		CPU:        round2(cpu),
		RAM:        round2(ram),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
