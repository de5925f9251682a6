package sandbox

import (
	"fmt"
	"strings"
	"time"
)

// Default and maximum resource limits
const (
	DefaultMaxMemoryMB        = 32
	DefaultMaxCPUTimeMs       = 5000
	DefaultMaxExecutionTimeMs = 10000
	DefaultMaxOutputSize      = 64 * 1024

	MaxMemoryCeilingMB        = 64
	MaxCPUTimeCeilingMs       = 30000
	MaxExecutionTimeCeilingMs = 30000
	MaxOutputCeiling          = 1024 * 1024
)

// Limits bounds one execution.
type Limits struct {
	MaxMemoryMB        int `json:"maxMemoryMB" mapstructure:"max_memory_mb"`
	MaxCPUTimeMs       int `json:"maxCpuTimeMs" mapstructure:"max_cpu_time_ms"`
	MaxExecutionTimeMs int `json:"maxExecutionTimeMs" mapstructure:"max_execution_time_ms"`
	MaxOutputSize      int `json:"maxOutputSize" mapstructure:"max_output_size"`
}

// DefaultLimits returns the limits applied to fields a request leaves unset.
func DefaultLimits() Limits {
	return Limits{
		MaxMemoryMB:        DefaultMaxMemoryMB,
		MaxCPUTimeMs:       DefaultMaxCPUTimeMs,
		MaxExecutionTimeMs: DefaultMaxExecutionTimeMs,
		MaxOutputSize:      DefaultMaxOutputSize,
	}
}

// HardCeilings returns the largest limits any request may ask for.
func HardCeilings() Limits {
	return Limits{
		MaxMemoryMB:        MaxMemoryCeilingMB,
		MaxCPUTimeMs:       MaxCPUTimeCeilingMs,
		MaxExecutionTimeMs: MaxExecutionTimeCeilingMs,
		MaxOutputSize:      MaxOutputCeiling,
	}
}

// WithDefaults fills zero fields from defaults.
func (l Limits) WithDefaults(defaults Limits) Limits {
	if l.MaxMemoryMB == 0 {
		l.MaxMemoryMB = defaults.MaxMemoryMB
	}
	if l.MaxCPUTimeMs == 0 {
		l.MaxCPUTimeMs = defaults.MaxCPUTimeMs
	}
	if l.MaxExecutionTimeMs == 0 {
		l.MaxExecutionTimeMs = defaults.MaxExecutionTimeMs
	}
	if l.MaxOutputSize == 0 {
		l.MaxOutputSize = defaults.MaxOutputSize
	}
	return l
}

// Validate checks every field against ceilings. All offending fields are
// reported in one error.
func (l Limits) Validate(ceilings Limits) error {
	var problems []string
	check := func(name string, value, ceiling int) {
		switch {
		case value <= 0:
			problems = append(problems, fmt.Sprintf("%s must be positive, got %d", name, value))
		case value > ceiling:
			problems = append(problems, fmt.Sprintf("%s %d exceeds the maximum of %d", name, value, ceiling))
		}
	}
	check("maxMemoryMB", l.MaxMemoryMB, ceilings.MaxMemoryMB)
	check("maxCpuTimeMs", l.MaxCPUTimeMs, ceilings.MaxCPUTimeMs)
	check("maxExecutionTimeMs", l.MaxExecutionTimeMs, ceilings.MaxExecutionTimeMs)
	check("maxOutputSize", l.MaxOutputSize, ceilings.MaxOutputSize)

	if len(problems) > 0 {
		return fmt.Errorf("invalid resource limits: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ExecutionTimeout returns MaxExecutionTimeMs as a duration.
func (l Limits) ExecutionTimeout() time.Duration {
	return time.Duration(l.MaxExecutionTimeMs) * time.Millisecond
}

// CPUTime returns MaxCPUTimeMs as a duration.
func (l Limits) CPUTime() time.Duration {
	return time.Duration(l.MaxCPUTimeMs) * time.Millisecond
}

// cpuSeconds rounds the CPU limit up to whole seconds for ulimit.
func (l Limits) cpuSeconds() int {
	return (l.MaxCPUTimeMs + 999) / 1000
}
