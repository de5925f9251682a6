package monitor

import (
	"fmt"
	"time"
)

// AlertType identifies the resource an alert is about.
type AlertType string

// Alert types
const (
	AlertMemory  AlertType = "memory"
	AlertCPU     AlertType = "cpu"
	AlertTime    AlertType = "time"
	AlertNetwork AlertType = "network"
	AlertDOM     AlertType = "dom"
)

// Severity grades an alert.
type Severity string

// Alert severities, lowest first
const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// Limits are the thresholds a session compares its samples against. Zero
// fields disable the corresponding alert.
type Limits struct {
	MaxMemoryMB      float64
	MaxCPUTime       time.Duration
	MaxExecutionTime time.Duration
}

// Alert is an advisory threshold breach.
type Alert struct {
	Type      AlertType `json:"type"`
	Severity  Severity  `json:"severity"`
	Value     float64   `json:"value"`
	Limit     float64   `json:"limit"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (a Alert) String() string {
	return fmt.Sprintf("%s %s: %s", a.Severity, a.Type, a.Message)
}

// Usage is one snapshot of a session's resource consumption.
type Usage struct {
	MemoryMB     float64       `json:"memoryMB"`
	PeakMemoryMB float64       `json:"peakMemoryMB"`
	CPUTime      time.Duration `json:"cpuTime"`
	CPULoad      float64       `json:"cpuLoad"`
	Elapsed      time.Duration `json:"elapsed"`
	NetworkCalls int           `json:"networkCalls"`
	DOMMutations int           `json:"domMutations"`
	Samples      int           `json:"samples"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Report is the final state of a stopped session.
type Report struct {
	Usage              Usage   `json:"usage"`
	Alerts             []Alert `json:"alerts"`
	MetricsUnavailable bool    `json:"metricsUnavailable"`
}
