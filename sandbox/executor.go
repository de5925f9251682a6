package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/isdmx/codeguard/lang"
)

// Default executor settings
const (
	DefaultMaxCallDepth     = 100
	DefaultTerminationGrace = 200 * time.Millisecond
)

// Request is one execution request. Limits are expected to be validated by
// the caller; zero fields take the executor defaults.
type Request struct {
	Language        lang.Language
	Code            string
	Inputs          []string
	Limits          Limits
	Instrumentation Instrumentation
	// Bypassed marks code that skipped security validation. Bypassed code
	// never runs in simulation.
	Bypassed bool
}

// Metrics describes one execution.
type Metrics struct {
	ExecutionTimeMs int64 `json:"executionTimeMs"`
	CPUTimeMs       int64 `json:"cpuTimeMs"`
	OutputSize      int   `json:"outputSize"`
}

// Result is the sanitized outcome of an execution.
type Result struct {
	SessionID string  `json:"sessionId"`
	Backend   string  `json:"backend"`
	Success   bool    `json:"success"`
	Output    string  `json:"output"`
	Stderr    string  `json:"stderr,omitempty"`
	Error     string  `json:"error,omitempty"`
	ExitCode  int     `json:"exitCode"`
	TimedOut  bool    `json:"timedOut"`
	Simulated bool    `json:"simulated"`
	Truncated bool    `json:"truncated"`
	Metrics   Metrics `json:"metrics"`
	// Err is the unsanitized cause, matchable with errors.Is.
	Err error `json:"-"`
}

func (r *Result) fail(err error, limit int) {
	r.Success = false
	r.Err = err
	r.Error, _ = Sanitize(err.Error(), limit)
}

// Executor runs code in per-request isolated contexts and tracks the live
// sessions. It is safe for concurrent use; concurrent requests share
// nothing but the backend registry.
type Executor struct {
	logger   *zap.Logger
	config   Config
	fallback Backend

	mu       sync.RWMutex
	backends map[lang.Language]Backend
	sessions map[string]*Session
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithBackend registers backend for l, replacing the configured one.
func WithBackend(l lang.Language, backend Backend) ExecutorOption {
	return func(e *Executor) {
		e.backends[l] = backend
	}
}

// WithFallback replaces the simulation fallback.
func WithFallback(backend Backend) ExecutorOption {
	return func(e *Executor) {
		e.fallback = backend
	}
}

func newExecutor(logger *zap.Logger, cfg Config, backends map[lang.Language]Backend, opts ...ExecutorOption) *Executor {
	e := &Executor{
		logger:   logger,
		config:   cfg,
		fallback: SimulationBackend{},
		backends: backends,
		sessions: map[string]*Session{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register adds or replaces the backend for a language.
func (e *Executor) Register(l lang.Language, backend Backend) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.backends[l] = backend
}

// Backend returns the backend registered for l.
func (e *Executor) Backend(l lang.Language) (Backend, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.backends[l]
	return b, ok
}

// Supports reports whether a backend is registered for l.
func (e *Executor) Supports(l lang.Language) bool {
	_, ok := e.Backend(l)
	return ok
}

// Config returns the effective configuration.
func (e *Executor) Config() Config {
	return e.config
}

// ActiveSessions returns the number of live sessions.
func (e *Executor) ActiveSessions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.sessions)
}

// Sessions lists the live sessions, oldest first.
func (e *Executor) Sessions() []SessionInfo {
	e.mu.RLock()
	out := make([]SessionInfo, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s.info())
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// Execute runs code in a fresh isolated context. The context is destroyed
// and the session unregistered before Execute returns, on every path.
func (e *Executor) Execute(ctx context.Context, req Request) *Result {
	limits := req.Limits.WithDefaults(e.config.DefaultLimits)
	session := newSession(limits)
	result := &Result{SessionID: session.ID}

	backend, ok := e.Backend(req.Language)
	if !ok {
		result.fail(fmt.Errorf("%w: %s", ErrUnsupportedLanguage, req.Language), limits.MaxOutputSize)
		return result
	}

	e.register(session)
	defer e.teardown(session)

	spec := ContextSpec{
		SessionID:       session.ID,
		Language:        req.Language,
		Limits:          limits,
		Inputs:          req.Inputs,
		MaxCallDepth:    e.config.MaxCallDepth,
		Instrumentation: req.Instrumentation,
	}
	if spec.Instrumentation == nil {
		spec.Instrumentation = noInstrumentation{}
	}

	ictx := backend.NewContext(spec)
	session.attach(backend.Name(), ictx)
	err := ictx.Create(ctx)
	if errors.Is(err, ErrIsolationUnavailable) && e.canSimulate(req) {
		e.logger.Warn("isolation unavailable, falling back to simulation",
			zap.String("session_id", session.ID),
			zap.String("backend", backend.Name()),
			zap.Error(err))
		if relErr := session.release(); relErr != nil {
			e.logger.Warn("failed to release isolated context", zap.String("session_id", session.ID), zap.Error(relErr))
		}
		backend = e.fallback
		ictx = backend.NewContext(spec)
		session.attach(backend.Name(), ictx)
		err = ictx.Create(ctx)
	}
	result.Backend = backend.Name()
	if err != nil {
		session.setStatus(StatusFailed)
		result.fail(fmt.Errorf("failed to create isolated context: %w", err), limits.MaxOutputSize)
		return result
	}

	timeout := limits.ExecutionTimeout()
	session.setStatus(StatusRunning)
	e.logger.Debug("executing code",
		zap.String("session_id", session.ID),
		zap.String("language", string(req.Language)),
		zap.String("backend", backend.Name()),
		zap.Duration("timeout", timeout),
		zap.Bool("bypassed", req.Bypassed))

	start := time.Now()
	out, runErr := e.race(ctx, ictx, req.Code, timeout)
	elapsed := time.Since(start)

	result.ExitCode = out.ExitCode
	result.Simulated = out.Simulated
	result.Metrics = Metrics{
		ExecutionTimeMs: elapsed.Milliseconds(),
		CPUTimeMs:       out.CPUTime.Milliseconds(),
		OutputSize:      len(out.Stdout) + len(out.Stderr),
	}

	var stdoutCut, stderrCut bool
	result.Output, stdoutCut = Sanitize(out.Stdout, limits.MaxOutputSize)
	result.Stderr, stderrCut = Sanitize(strings.TrimRight(out.Stderr, "\n"), limits.MaxOutputSize)
	result.Truncated = out.Truncated || stdoutCut || stderrCut

	switch {
	case errors.Is(runErr, ErrTimeout):
		session.setStatus(StatusTerminated)
		result.TimedOut = true
		if runErr == ErrTimeout { //nolint:errorlint // bare deadline, no backend detail
			runErr = fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		result.fail(runErr, limits.MaxOutputSize)
	case runErr != nil:
		session.setStatus(StatusFailed)
		result.fail(runErr, limits.MaxOutputSize)
	default:
		session.setStatus(StatusCompleted)
		result.Success = true
	}

	e.logger.Debug("execution finished",
		zap.String("session_id", session.ID),
		zap.String("status", string(session.Status())),
		zap.Duration("elapsed", elapsed),
		zap.Int("output_size", result.Metrics.OutputSize),
		zap.Error(runErr))
	return result
}

type outcome struct {
	out Output
	err error
}

// race runs code against the hard timeout. When the timeout wins, the run
// gets a short grace period to hand back partial output before it is
// abandoned; the deferred teardown then destroys the context.
func (e *Executor) race(ctx context.Context, ictx IsolatedContext, code string, timeout time.Duration) (Output, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("sandbox runtime panic: %v", r)}
			}
		}()
		out, err := ictx.Run(runCtx, code, timeout)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		return o.out, normalizeRunError(o.err)
	case <-runCtx.Done():
	}

	grace := time.NewTimer(e.config.TerminationGrace)
	defer grace.Stop()
	select {
	case o := <-done:
		if o.err == nil {
			return o.out, nil
		}
		return o.out, normalizeRunError(runCtxError(runCtx, o.err))
	case <-grace.C:
		return Output{ExitCode: 1}, normalizeRunError(runCtx.Err())
	}
}

// runCtxError prefers the context's reason over the error a backend
// produced while being torn down by it.
func runCtxError(runCtx context.Context, err error) error {
	if errors.Is(err, ErrTimeout) || runCtx.Err() == nil {
		return err
	}
	return runCtx.Err()
}

func normalizeRunError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

func (e *Executor) canSimulate(req Request) bool {
	return e.config.AllowSimulation && !req.Bypassed && e.fallback != nil
}

func (e *Executor) register(s *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[s.ID] = s
}

func (e *Executor) teardown(s *Session) {
	if err := s.release(); err != nil {
		e.logger.Warn("failed to destroy isolated context", zap.String("session_id", s.ID), zap.Error(err))
	}
	e.mu.Lock()
	delete(e.sessions, s.ID)
	e.mu.Unlock()
}

// Close destroys every live session. Executions in progress finish with an
// error.
func (e *Executor) Close() error {
	e.mu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	var err error
	for _, s := range sessions {
		s.setStatus(StatusTerminated)
		err = multierr.Append(err, s.release())
	}
	return err
}
