package runtime

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/isdmx/codeguard/audit"
	"github.com/isdmx/codeguard/lang"
	"github.com/isdmx/codeguard/metrics"
	"github.com/isdmx/codeguard/monitor"
	"github.com/isdmx/codeguard/rules"
	"github.com/isdmx/codeguard/sandbox"
	"github.com/isdmx/codeguard/validator"
)

type memoryRecorder struct {
	mu      sync.Mutex
	records []audit.Record
}

func (m *memoryRecorder) Append(_ context.Context, r audit.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

func (m *memoryRecorder) byAction(action string) []audit.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Record
	for _, r := range m.records {
		if r.Action == action {
			out = append(out, r)
		}
	}
	return out
}

type testEngine struct {
	*Engine
	executor *sandbox.Executor
	metrics  *metrics.Collector
	audit    *memoryRecorder
	logs     *observer.ObservedLogs
}

func newTestEngine(t *testing.T, opts ...Option) *testEngine {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	v := validator.New(rules.MustDefault(), logger, validator.DefaultConfig())
	m := monitor.New(logger, monitor.Config{SampleInterval: 10 * time.Millisecond})

	cfg := sandbox.DefaultConfig()
	cfg.TerminationGrace = 50 * time.Millisecond
	// python runs in simulation so the tests do not need an interpreter
	x, err := sandbox.NewExecutor(logger, cfg, sandbox.WithBackend(lang.Python, sandbox.SimulationBackend{}))
	require.NoError(t, err)

	collector := metrics.New()
	recorder := &memoryRecorder{}
	opts = append([]Option{WithMetrics(collector), WithAudit(recorder)}, opts...)
	return &testEngine{
		Engine:   New(logger, v, m, x, opts...),
		executor: x,
		metrics:  collector,
		audit:    recorder,
		logs:     logs,
	}
}

func TestScenarioDynamicEvaluationIsBlocked(t *testing.T) {
	e := newTestEngine(t)

	result := e.ExecuteCode(context.Background(), Request{Language: lang.JavaScript, Code: `eval("1+1")`})

	assert.False(t, result.Success)
	assert.Equal(t, KindSecurityViolation, result.ErrorKind)
	assert.ErrorIs(t, result.Err, ErrSecurityViolation)
	require.NotNil(t, result.SecurityValidation)
	assert.GreaterOrEqual(t, result.SecurityValidation.RiskScore, 40)
	assert.Contains(t, result.SecurityValidation.Categories(), rules.CategoryCodeInjection)
	assert.Contains(t, result.Error, "Security validation failed")
	assert.Contains(t, result.Error, "What to learn from this")
	assert.Empty(t, result.Backend)
	assert.Empty(t, result.SessionID)
	assert.Equal(t, 0, e.executor.ActiveSessions())

	executions := e.audit.byAction(audit.ActionExecute)
	require.Len(t, executions, 1)
	assert.Equal(t, audit.VerdictBlocked, executions[0].Verdict)
	assert.Equal(t, []string{"js-eval"}, executions[0].RuleIDs)
	assert.Len(t, e.audit.byAction(audit.ActionValidate), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.ExecutionsTotal.WithLabelValues("js", "blocked")))
}

func TestScenarioHelloWorld(t *testing.T) {
	e := newTestEngine(t)

	result := e.ExecuteCode(context.Background(), Request{Language: lang.Python, Code: `print("hello")`})

	require.True(t, result.Success, result.Error)
	assert.Empty(t, result.ErrorKind)
	require.NotNil(t, result.SecurityValidation)
	assert.True(t, result.SecurityValidation.IsValid)
	assert.Equal(t, 0, result.SecurityValidation.RiskScore)
	assert.Contains(t, result.Output, "hello")
	assert.NotEmpty(t, result.SessionID)
	assert.Equal(t, 0, e.executor.ActiveSessions())

	executions := e.audit.byAction(audit.ActionExecute)
	require.Len(t, executions, 1)
	assert.Equal(t, audit.VerdictExecuted, executions[0].Verdict)
	assert.Equal(t, result.SessionID, executions[0].SessionID)
	assert.Equal(t, audit.Digest(`print("hello")`), executions[0].CodeDigest)
}

func TestScenarioInfiniteLoop(t *testing.T) {
	code := "while (true) {}"

	t.Run("PassesTheDefaultGateAndTimesOut", func(t *testing.T) {
		e := newTestEngine(t)

		start := time.Now()
		result := e.ExecuteCode(context.Background(), Request{
			Language: lang.JavaScript,
			Code:     code,
			Limits:   sandbox.Limits{MaxExecutionTimeMs: 200},
		})

		require.NotNil(t, result.SecurityValidation)
		assert.Equal(t, 15, result.SecurityValidation.RiskScore)
		assert.True(t, result.SecurityValidation.IsValid)
		assert.False(t, result.Success)
		assert.True(t, result.TimedOut)
		assert.Equal(t, KindExecutionTimeout, result.ErrorKind)
		assert.ErrorIs(t, result.Err, sandbox.ErrTimeout)
		assert.Contains(t, result.Error, "timed out")
		assert.GreaterOrEqual(t, result.Metrics.ExecutionTimeMs, int64(200))
		assert.Less(t, time.Since(start), 2*time.Second)
		assert.Equal(t, 0, e.executor.ActiveSessions())
	})

	t.Run("CPUBoundPythonTimesOut", func(t *testing.T) {
		if _, err := exec.LookPath(sandbox.DefaultPythonBinary); err != nil {
			t.Skip("python3 not available")
		}
		logger := zap.NewNop()
		x, err := sandbox.NewExecutor(logger, sandbox.DefaultConfig(),
			sandbox.WithBackend(lang.Python, sandbox.NewProcessBackend(logger, sandbox.DefaultPythonBinary)))
		require.NoError(t, err)
		e := New(logger,
			validator.New(rules.MustDefault(), logger, validator.DefaultConfig()),
			monitor.New(logger, monitor.Config{SampleInterval: 10 * time.Millisecond}),
			x, WithMetrics(metrics.New()))

		result := e.ExecuteCode(context.Background(), Request{
			Language: lang.Python,
			Code:     "n = 0\nwhile True:\n    n += 1",
			Limits:   sandbox.Limits{MaxCPUTimeMs: 1000, MaxExecutionTimeMs: 8000},
		})

		assert.False(t, result.Success)
		assert.True(t, result.TimedOut)
		assert.Equal(t, KindExecutionTimeout, result.ErrorKind)
		assert.ErrorIs(t, result.Err, sandbox.ErrTimeout)
		assert.Contains(t, result.Error, "cpu time limit")
		assert.Equal(t, 0, x.ActiveSessions())
	})

	t.Run("BlockedInStrictMode", func(t *testing.T) {
		e := newTestEngine(t)

		result := e.ExecuteCode(context.Background(), Request{
			Language:           lang.JavaScript,
			Code:               code,
			StrictSecurityMode: true,
		})

		assert.False(t, result.Success)
		assert.Equal(t, KindSecurityViolation, result.ErrorKind)
		assert.Empty(t, result.SessionID)
	})
}

func TestScenarioSecretsAreRedacted(t *testing.T) {
	e := newTestEngine(t)

	result := e.ExecuteCode(context.Background(), Request{Language: lang.JavaScript, Code: `console.log("api_key=xyz123")`})

	require.True(t, result.Success, result.Error)
	assert.Equal(t, "api_key: [REDACTED]\n", result.Output)
	assert.NotContains(t, result.Output, "xyz123")
}

func TestParseFailureBlocks(t *testing.T) {
	e := newTestEngine(t)

	result := e.ExecuteCode(context.Background(), Request{Language: lang.JavaScript, Code: "function ("})

	assert.False(t, result.Success)
	assert.Equal(t, KindParseFailure, result.ErrorKind)
	assert.Equal(t, 100, result.SecurityValidation.RiskScore)
}

func TestLimitsAreCheckedBeforeValidation(t *testing.T) {
	tests := []struct {
		name   string
		limits sandbox.Limits
	}{
		{"MemoryOverCeiling", sandbox.Limits{MaxMemoryMB: 128}},
		{"ExecutionOverCeiling", sandbox.Limits{MaxExecutionTimeMs: 60000}},
		{"Negative", sandbox.Limits{MaxCPUTimeMs: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t)

			result := e.ExecuteCode(context.Background(), Request{Language: lang.Python, Code: `print("hello")`, Limits: tt.limits})

			assert.False(t, result.Success)
			assert.Equal(t, KindResourceLimitExceeded, result.ErrorKind)
			assert.ErrorIs(t, result.Err, ErrLimitExceeded)
			assert.Nil(t, result.SecurityValidation)
			assert.Empty(t, e.audit.byAction(audit.ActionValidate))
			assert.Equal(t, audit.VerdictRejected, e.audit.byAction(audit.ActionExecute)[0].Verdict)
		})
	}
}

func TestConfiguredCeilings(t *testing.T) {
	e := newTestEngine(t, WithCeilings(sandbox.Limits{MaxExecutionTimeMs: 1000, MaxMemoryMB: 512}))

	assert.Equal(t, sandbox.MaxMemoryCeilingMB, e.ceilings.MaxMemoryMB)
	assert.Equal(t, 1000, e.ceilings.MaxExecutionTimeMs)

	result := e.ExecuteCode(context.Background(), Request{Language: lang.Python, Code: `print(1)`, Limits: sandbox.Limits{MaxExecutionTimeMs: 2000}})
	assert.Equal(t, KindResourceLimitExceeded, result.ErrorKind)

	// the executor default of 10s is above this ceiling, so callers must ask for less
	result = e.ExecuteCode(context.Background(), Request{Language: lang.Python, Code: `print(1)`})
	assert.Equal(t, KindResourceLimitExceeded, result.ErrorKind)
}

func TestUnsupportedLanguageFailsClosed(t *testing.T) {
	e := newTestEngine(t)

	result := e.ExecuteCode(context.Background(), Request{Language: lang.Language("rb"), Code: "puts 1"})

	assert.False(t, result.Success)
	assert.Equal(t, KindUnsupportedLanguage, result.ErrorKind)
	assert.ErrorIs(t, result.Err, ErrUnsupportedLanguage)

	_, err := e.ValidateCodeSecurity(context.Background(), "puts 1", lang.Language("rb"), false)
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
	_, err = e.QuickSecurityCheck(context.Background(), "puts 1", lang.Language("rb"))
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
}

func TestBypassIsLoggedAndAudited(t *testing.T) {
	e := newTestEngine(t)

	result := e.ExecuteCode(context.Background(), Request{
		Language:               lang.JavaScript,
		Code:                   `try { fetch("https://example.com") } catch (err) { console.log("offline") }`,
		SkipSecurityValidation: true,
	})

	require.True(t, result.Success, result.Error)
	assert.Nil(t, result.SecurityValidation)
	assert.Equal(t, "offline\n", result.Output)

	warnings := e.logs.FilterMessage("security validation bypassed").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, zapcore.WarnLevel, warnings[0].Level)

	executions := e.audit.byAction(audit.ActionExecute)
	require.Len(t, executions, 1)
	assert.True(t, executions[0].Bypassed)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.BypassesTotal.WithLabelValues("js")))

	var network []monitor.Alert
	for _, a := range result.Alerts {
		if a.Type == monitor.AlertNetwork {
			network = append(network, a)
		}
	}
	require.Len(t, network, 1)
	assert.Contains(t, network[0].Message, "example.com")
}

func TestDOMMutationIsReportedAsAlert(t *testing.T) {
	e := newTestEngine(t)

	result := e.ExecuteCode(context.Background(), Request{
		Language: lang.JavaScript,
		Code:     `const p = document.createElement("p"); document.body.appendChild(p); document.body.appendChild(p)`,
	})

	require.True(t, result.Success, result.Error)
	var dom []monitor.Alert
	for _, a := range result.Alerts {
		if a.Type == monitor.AlertDOM {
			dom = append(dom, a)
		}
	}
	require.Len(t, dom, 1)
	assert.Contains(t, dom[0].Message, "appendChild")
}

func TestBypassedRuntimeError(t *testing.T) {
	e := newTestEngine(t)

	result := e.ExecuteCode(context.Background(), Request{
		Language:               lang.JavaScript,
		Code:                   `eval("1+1")`,
		SkipSecurityValidation: true,
	})

	assert.False(t, result.Success)
	assert.Equal(t, KindExecutionRuntimeError, result.ErrorKind)
	assert.Contains(t, result.Error, "ReferenceError")
	assert.Equal(t, audit.VerdictFailed, e.audit.byAction(audit.ActionExecute)[0].Verdict)
}

func TestValidateCodeSecurity(t *testing.T) {
	e := newTestEngine(t)

	result, err := e.ValidateCodeSecurity(context.Background(), `fetch("https://example.com")`, lang.TypeScript, false)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, lang.TypeScript, result.Language)

	quick, err := e.QuickSecurityCheck(context.Background(), `fetch("https://example.com")`, lang.TypeScript)
	require.NoError(t, err)
	assert.True(t, quick.IsValid)
	assert.Equal(t, 0, quick.CriticalIssueCount)

	quick, err = e.QuickSecurityCheck(context.Background(), `eval(x); eval(y)`, lang.JavaScript)
	require.NoError(t, err)
	assert.False(t, quick.IsValid)
	assert.Equal(t, 2, quick.CriticalIssueCount)

	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.ValidationsTotal.WithLabelValues("ts", "fail")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.QuickChecksTotal.WithLabelValues("js", "fail")))
}

func TestRegisterBackend(t *testing.T) {
	e := newTestEngine(t)
	e.Register(lang.JavaScript, sandbox.SimulationBackend{})

	result := e.ExecuteCode(context.Background(), Request{Language: lang.JavaScript, Code: `console.log("from simulation")`})

	require.True(t, result.Success, result.Error)
	assert.True(t, result.Simulated)
	assert.Equal(t, sandbox.BackendSimulation, result.Backend)
}

func TestConcurrentExecutionsAreIndependent(t *testing.T) {
	e := newTestEngine(t)

	const n = 8
	var wg sync.WaitGroup
	results := make([]*Result, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code := `console.log("run ` + strings.Repeat("x", i) + `")`
			results[i] = e.ExecuteCode(context.Background(), Request{Language: lang.JavaScript, Code: code})
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for i, r := range results {
		require.True(t, r.Success, r.Error)
		assert.Equal(t, "run "+strings.Repeat("x", i)+"\n", r.Output)
		assert.False(t, seen[r.SessionID])
		seen[r.SessionID] = true
	}
	assert.Equal(t, 0, e.executor.ActiveSessions())
	assert.Empty(t, e.Sessions())
}
