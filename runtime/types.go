package runtime

import (
	"errors"

	"github.com/isdmx/codeguard/lang"
	"github.com/isdmx/codeguard/monitor"
	"github.com/isdmx/codeguard/sandbox"
	"github.com/isdmx/codeguard/validator"
)

// ErrorKind classifies why a request did not succeed.
type ErrorKind string

// Error kinds
const (
	KindParseFailure          ErrorKind = "parse_failure"
	KindSecurityViolation     ErrorKind = "security_violation"
	KindResourceLimitExceeded ErrorKind = "resource_limit_exceeded"
	KindExecutionTimeout      ErrorKind = "execution_timeout"
	KindExecutionRuntimeError ErrorKind = "execution_runtime_error"
	KindMonitoringFailure     ErrorKind = "monitoring_failure"
	KindUnsupportedLanguage   ErrorKind = "unsupported_language"
	KindConfigurationError    ErrorKind = "configuration_error"
)

// Sentinel errors
var (
	ErrLimitExceeded       = errors.New("requested resource limits are not allowed")
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrSecurityViolation   = errors.New("code failed security validation")
)

// Request asks for code to be validated and run.
type Request struct {
	Language lang.Language  `json:"language"`
	Code     string         `json:"code"`
	Inputs   []string       `json:"inputs,omitempty"`
	Limits   sandbox.Limits `json:"limits"`
	// SkipSecurityValidation runs the code without the security gate. Only
	// trusted callers may set it; every bypass is logged and audited.
	SkipSecurityValidation bool `json:"skipSecurityValidation"`
	StrictSecurityMode     bool `json:"strictSecurityMode"`
}

// Metrics describes one execution.
type Metrics struct {
	ExecutionTimeMs int64   `json:"executionTimeMs"`
	MemoryUsedMB    float64 `json:"memoryUsedMB"`
	CPUTimeMs       int64   `json:"cpuTimeMs"`
	OutputSize      int     `json:"outputSize"`
}

// Result is the outcome of ExecuteCode.
type Result struct {
	Success   bool      `json:"success"`
	Output    string    `json:"output"`
	Stderr    string    `json:"stderr,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind ErrorKind `json:"errorKind,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Backend   string    `json:"backend,omitempty"`
	TimedOut  bool      `json:"timedOut"`
	Simulated bool      `json:"simulated"`
	Truncated bool      `json:"truncated"`
	Metrics   Metrics   `json:"metrics"`
	// MetricsUnavailable is set when resource sampling failed. The
	// execution itself is unaffected.
	MetricsUnavailable bool              `json:"metricsUnavailable,omitempty"`
	Alerts             []monitor.Alert   `json:"alerts,omitempty"`
	SecurityValidation *validator.Result `json:"securityValidation,omitempty"`
	Err                error             `json:"-"`
}

func (r *Result) fail(kind ErrorKind, err error) {
	r.Success = false
	r.ErrorKind = kind
	r.Err = err
	if r.Error == "" {
		r.Error = err.Error()
	}
}

// outcome is the metrics label for a finished request.
func (r *Result) outcome() string {
	switch r.ErrorKind {
	case "", KindMonitoringFailure:
		if r.Success {
			return "success"
		}
		return "error"
	case KindSecurityViolation, KindParseFailure:
		return "blocked"
	case KindResourceLimitExceeded, KindUnsupportedLanguage:
		return "rejected"
	case KindExecutionTimeout:
		return "timeout"
	default:
		return "error"
	}
}
