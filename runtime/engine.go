package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/isdmx/codeguard/audit"
	"github.com/isdmx/codeguard/lang"
	"github.com/isdmx/codeguard/metrics"
	"github.com/isdmx/codeguard/monitor"
	"github.com/isdmx/codeguard/sandbox"
	"github.com/isdmx/codeguard/validator"
)

const tracerName = "github.com/isdmx/codeguard/runtime"

// Engine owns a validator, a monitor and an executor and runs requests
// through them. It is safe for concurrent use.
type Engine struct {
	logger    *zap.Logger
	validator *validator.Validator
	monitor   *monitor.Monitor
	executor  *sandbox.Executor
	metrics   *metrics.Collector
	audit     audit.Recorder
	tracer    trace.Tracer
	ceilings  sandbox.Limits
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records prometheus metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) {
		e.metrics = c
	}
}

// WithAudit appends a record for every request to r.
func WithAudit(r audit.Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.audit = r
		}
	}
}

// WithTracer replaces the global otel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = t
	}
}

// WithCeilings lowers the hard limit ceilings. Values above the built-in
// ceilings are clamped.
func WithCeilings(l sandbox.Limits) Option {
	return func(e *Engine) {
		e.ceilings = clampCeilings(l)
	}
}

func clampCeilings(l sandbox.Limits) sandbox.Limits {
	hard := sandbox.HardCeilings()
	l = l.WithDefaults(hard)
	l.MaxMemoryMB = min(l.MaxMemoryMB, hard.MaxMemoryMB)
	l.MaxCPUTimeMs = min(l.MaxCPUTimeMs, hard.MaxCPUTimeMs)
	l.MaxExecutionTimeMs = min(l.MaxExecutionTimeMs, hard.MaxExecutionTimeMs)
	l.MaxOutputSize = min(l.MaxOutputSize, hard.MaxOutputSize)
	return l
}

// New creates an Engine.
func New(logger *zap.Logger, v *validator.Validator, m *monitor.Monitor, x *sandbox.Executor, opts ...Option) *Engine {
	e := &Engine{
		logger:    logger,
		validator: v,
		monitor:   m,
		executor:  x,
		audit:     audit.Nop{},
		tracer:    otel.Tracer(tracerName),
		ceilings:  sandbox.HardCeilings(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register plugs a backend in for a language.
func (e *Engine) Register(l lang.Language, backend sandbox.Backend) {
	e.executor.Register(l, backend)
}

// Supports reports whether l can be executed.
func (e *Engine) Supports(l lang.Language) bool {
	return l.Valid() && e.executor.Supports(l)
}

// Sessions lists the executions currently in a sandbox.
func (e *Engine) Sessions() []sandbox.SessionInfo {
	return e.executor.Sessions()
}

// Close destroys live sandbox sessions.
func (e *Engine) Close() error {
	return e.executor.Close()
}

// ValidateCodeSecurity runs the full validation pipeline.
func (e *Engine) ValidateCodeSecurity(ctx context.Context, code string, l lang.Language, strict bool) (*validator.Result, error) {
	ctx, span := e.tracer.Start(ctx, "codeguard.validate",
		trace.WithAttributes(
			attribute.String("codeguard.language", string(l)),
			attribute.Bool("codeguard.strict", strict),
		))
	defer span.End()

	if !l.Valid() {
		err := fmt.Errorf("%w: %q", ErrUnsupportedLanguage, l)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result := e.validator.Validate(code, l, validator.Options{Strict: strict})
	span.SetAttributes(
		attribute.Int("codeguard.risk_score", result.RiskScore),
		attribute.Bool("codeguard.valid", result.IsValid),
	)
	e.metrics.ObserveValidation(string(l), result.IsValid, result.RiskScore, categoryNames(result))

	verdict := audit.VerdictPassed
	kind := ErrorKind("")
	if !result.IsValid {
		verdict = audit.VerdictBlocked
		kind = blockedKind(result)
	}
	e.record(ctx, audit.Record{
		Action:     audit.ActionValidate,
		Language:   string(l),
		CodeDigest: audit.Digest(code),
		Verdict:    verdict,
		Strict:     strict,
		RiskScore:  result.RiskScore,
		RuleIDs:    ruleIDs(result),
		ErrorKind:  string(kind),
	})
	return result, nil
}

// QuickSecurityCheck evaluates critical patterns only. Passing it does not
// mean the full validation passes.
func (e *Engine) QuickSecurityCheck(ctx context.Context, code string, l lang.Language) (validator.QuickResult, error) {
	_, span := e.tracer.Start(ctx, "codeguard.quick_check",
		trace.WithAttributes(attribute.String("codeguard.language", string(l))))
	defer span.End()

	if !l.Valid() {
		err := fmt.Errorf("%w: %q", ErrUnsupportedLanguage, l)
		span.SetStatus(codes.Error, err.Error())
		return validator.QuickResult{}, err
	}
	result := e.validator.Quick(code, l)
	span.SetAttributes(attribute.Int("codeguard.critical_issues", result.CriticalIssueCount))
	e.metrics.ObserveQuickCheck(string(l), result.IsValid)
	return result, nil
}

// ExecuteCode validates and runs one request. Failures are reported in the
// result, never as a Go error.
func (e *Engine) ExecuteCode(ctx context.Context, req Request) *Result {
	ctx, span := e.tracer.Start(ctx, "codeguard.execute",
		trace.WithAttributes(
			attribute.String("codeguard.language", string(req.Language)),
			attribute.Bool("codeguard.strict", req.StrictSecurityMode),
			attribute.Bool("codeguard.bypass", req.SkipSecurityValidation),
		))
	defer span.End()

	start := time.Now()
	result := &Result{}
	defer func() {
		span.SetAttributes(attribute.String("codeguard.outcome", result.outcome()))
		if result.Err != nil {
			span.RecordError(result.Err)
			span.SetStatus(codes.Error, string(result.ErrorKind))
		}
		e.metrics.ObserveExecution(string(req.Language), result.Backend, result.outcome(), time.Since(start))
		e.record(ctx, e.auditRecord(req, result))
	}()

	if !e.Supports(req.Language) {
		result.fail(KindUnsupportedLanguage, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, req.Language))
		return result
	}

	limits := req.Limits.WithDefaults(e.executor.Config().DefaultLimits)
	if err := limits.Validate(e.ceilings); err != nil {
		result.fail(KindResourceLimitExceeded, fmt.Errorf("%w: %w", ErrLimitExceeded, err))
		return result
	}

	if req.SkipSecurityValidation {
		e.logger.Warn("security validation bypassed",
			zap.String("language", string(req.Language)),
			zap.String("code_digest", audit.Digest(req.Code)),
			zap.Int("code_size", len(req.Code)))
		e.metrics.ObserveBypass(string(req.Language))
	} else {
		vr, err := e.ValidateCodeSecurity(ctx, req.Code, req.Language, req.StrictSecurityMode)
		if err != nil {
			result.fail(KindUnsupportedLanguage, err)
			return result
		}
		result.SecurityValidation = vr
		if !vr.IsValid {
			result.Error = vr.Summary()
			result.fail(blockedKind(vr), fmt.Errorf("%w: risk score %d", ErrSecurityViolation, vr.RiskScore))
			return result
		}
	}

	sres, report := e.run(ctx, req, limits)

	result.SessionID = sres.SessionID
	result.Backend = sres.Backend
	result.Success = sres.Success
	result.Output = sres.Output
	result.Stderr = sres.Stderr
	result.TimedOut = sres.TimedOut
	result.Simulated = sres.Simulated
	result.Truncated = sres.Truncated
	result.Alerts = report.Alerts
	result.MetricsUnavailable = report.MetricsUnavailable
	result.Metrics = Metrics{
		ExecutionTimeMs: sres.Metrics.ExecutionTimeMs,
		MemoryUsedMB:    report.Usage.PeakMemoryMB,
		CPUTimeMs:       sres.Metrics.CPUTimeMs,
		OutputSize:      sres.Metrics.OutputSize,
	}
	if result.Metrics.CPUTimeMs == 0 {
		result.Metrics.CPUTimeMs = report.Usage.CPUTime.Milliseconds()
	}
	for _, a := range report.Alerts {
		e.metrics.ObserveAlert(string(a.Type), string(a.Severity))
	}

	switch {
	case sres.Err == nil && !sres.Success:
		result.fail(KindExecutionRuntimeError, errors.New(sres.Error))
	case sres.Err != nil:
		result.Error = sres.Error
		result.fail(executionKind(sres.Err), sres.Err)
	case report.MetricsUnavailable:
		result.ErrorKind = KindMonitoringFailure
	}
	return result
}

// run executes under a monitoring session that is stopped on every path.
func (e *Engine) run(ctx context.Context, req Request, limits sandbox.Limits) (sres *sandbox.Result, report monitor.Report) {
	session := e.monitor.Start(monitor.Limits{
		MaxMemoryMB:      float64(limits.MaxMemoryMB),
		MaxCPUTime:       limits.CPUTime(),
		MaxExecutionTime: limits.ExecutionTimeout(),
	})
	defer func() {
		report = session.Stop()
	}()

	done := e.metrics.TrackExecution()
	defer done()

	sres = e.executor.Execute(ctx, sandbox.Request{
		Language:        req.Language,
		Code:            req.Code,
		Inputs:          req.Inputs,
		Limits:          limits,
		Instrumentation: session.Instrumentation(),
		Bypassed:        req.SkipSecurityValidation,
	})
	return sres, report
}

func executionKind(err error) ErrorKind {
	switch {
	case errors.Is(err, sandbox.ErrTimeout):
		return KindExecutionTimeout
	case errors.Is(err, sandbox.ErrUnsupportedLanguage):
		return KindUnsupportedLanguage
	case errors.Is(err, sandbox.ErrIsolationUnavailable):
		return KindConfigurationError
	default:
		return KindExecutionRuntimeError
	}
}

func blockedKind(r *validator.Result) ErrorKind {
	for _, v := range r.Violations {
		if v.RuleID == validator.ParseFailureRuleID {
			return KindParseFailure
		}
	}
	return KindSecurityViolation
}

func (e *Engine) auditRecord(req Request, result *Result) audit.Record {
	rec := audit.Record{
		SessionID:       result.SessionID,
		Action:          audit.ActionExecute,
		Language:        string(req.Language),
		CodeDigest:      audit.Digest(req.Code),
		Bypassed:        req.SkipSecurityValidation,
		Strict:          req.StrictSecurityMode,
		ErrorKind:       string(result.ErrorKind),
		ExecutionTimeMs: result.Metrics.ExecutionTimeMs,
	}
	if vr := result.SecurityValidation; vr != nil {
		rec.RiskScore = vr.RiskScore
		rec.RuleIDs = ruleIDs(vr)
	}
	switch result.outcome() {
	case "success":
		rec.Verdict = audit.VerdictExecuted
	case "blocked":
		rec.Verdict = audit.VerdictBlocked
	case "rejected":
		rec.Verdict = audit.VerdictRejected
	default:
		rec.Verdict = audit.VerdictFailed
	}
	return rec
}

func (e *Engine) record(ctx context.Context, rec audit.Record) {
	// audit writes outlive a cancelled request
	if err := e.audit.Append(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.Warn("failed to append audit record",
			zap.String("action", rec.Action),
			zap.String("verdict", rec.Verdict),
			zap.Error(err))
	}
}

func ruleIDs(r *validator.Result) []string {
	var ids []string
	seen := map[string]bool{}
	for _, v := range r.Violations {
		if v.RuleID != "" && !seen[v.RuleID] {
			seen[v.RuleID] = true
			ids = append(ids, v.RuleID)
		}
	}
	return ids
}

func categoryNames(r *validator.Result) []string {
	var names []string
	seen := map[string]bool{}
	for _, v := range r.Violations {
		name := string(v.Category)
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}
