package sandbox

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/codeguard/lang"
)

func TestPythonBootstrap(t *testing.T) {
	script := pythonBootstrap(0)

	assert.Contains(t, script, `builtins.open("user.py", encoding="utf-8")`)
	assert.Contains(t, script, `builtins.compile(source, "main.py", "exec")`)
	assert.Contains(t, script, `"__builtins__": safe`)
	assert.NotContains(t, script, "builtins.__import__ =")
	assert.NotContains(t, script, "delattr")
	assert.Contains(t, script, "sys.setrecursionlimit(105)")
	assert.Contains(t, script, `"math"`)
	assert.NotContains(t, script, `"os"`)
	for _, name := range removedPythonBuiltins {
		assert.Contains(t, script, `"`+name+`"`)
	}
	assert.Contains(t, script, "import of %r is disabled in the sandbox")
}

func TestPythonError(t *testing.T) {
	tests := []struct {
		name     string
		stderr   string
		expected string
		depth    bool
	}{
		{"LastTracebackLine", "Traceback (most recent call last):\n  File \"main.py\", line 1\nNameError: name 'x' is not defined\n", "NameError: name 'x' is not defined", false},
		{"Recursion", "Traceback:\nRecursionError: maximum recursion depth exceeded\n", "RecursionError: maximum recursion depth exceeded", true},
		{"Empty", "", "process exited with code 137", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := pythonError(tt.stderr, 137)
			assert.Contains(t, err.Error(), tt.expected)
			assert.Equal(t, tt.depth, errors.Is(err, ErrCallDepthExceeded))
		})
	}
}

func TestProcessBackendMissingInterpreter(t *testing.T) {
	backend := NewProcessBackend(zaptest.NewLogger(t), "python3", WithProcessLookPath(missingBinary))

	err := backend.NewContext(ContextSpec{Language: lang.Python}).Create(context.Background())
	assert.ErrorIs(t, err, ErrIsolationUnavailable)
	assert.True(t, backend.Supports(lang.Python))
	assert.False(t, backend.Supports(lang.JavaScript))
}

func TestProcessBackendWritesBootstrap(t *testing.T) {
	fs := NewMockFileSystem()
	backend := NewProcessBackend(zaptest.NewLogger(t), "", WithProcessLookPath(foundBinary), WithProcessFileSystem(fs))

	ictx := backend.NewContext(ContextSpec{Language: lang.Python, MaxCallDepth: 20})
	require.NoError(t, ictx.Create(context.Background()))
	assert.Contains(t, fs.Files["/tmp/codeguard-exec-test/"+bootstrapFilename], "sys.setrecursionlimit(25)")

	require.NoError(t, ictx.Destroy())
	assert.Equal(t, []string{"/tmp/codeguard-exec-test"}, fs.Removed)
}

func newPythonExecutor(t *testing.T) *Executor {
	t.Helper()
	if _, err := exec.LookPath(DefaultPythonBinary); err != nil {
		t.Skip("python3 not available")
	}
	cfg := DefaultConfig()
	return newExecutor(zaptest.NewLogger(t), cfg, map[lang.Language]Backend{
		lang.Python: NewProcessBackend(zaptest.NewLogger(t), DefaultPythonBinary),
	})
}

func TestProcessBackendPython(t *testing.T) {
	executor := newPythonExecutor(t)

	t.Run("HelloWorld", func(t *testing.T) {
		hooks := &recordingInstrumentation{}
		result := executor.Execute(context.Background(), Request{Language: lang.Python, Code: `print("hello")`, Instrumentation: hooks})
		require.True(t, result.Success, result.Error)
		assert.Equal(t, "hello\n", result.Output)
		assert.Equal(t, BackendProcess, result.Backend)
		assert.Len(t, hooks.pids, 1)
	})

	t.Run("Inputs", func(t *testing.T) {
		result := executor.Execute(context.Background(), Request{
			Language: lang.Python,
			Code:     "name = input()\nprint('hi ' + name)",
			Inputs:   []string{"Ada"},
		})
		require.True(t, result.Success, result.Error)
		assert.Equal(t, "hi Ada\n", result.Output)
	})

	t.Run("AllowedImport", func(t *testing.T) {
		result := executor.Execute(context.Background(), Request{Language: lang.Python, Code: "import math\nprint(math.sqrt(16))"})
		require.True(t, result.Success, result.Error)
		assert.Equal(t, "4.0\n", result.Output)
	})

	t.Run("BlockedImport", func(t *testing.T) {
		result := executor.Execute(context.Background(), Request{Language: lang.Python, Code: "import os\nprint(os.getcwd())"})
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "ImportError")
		assert.Contains(t, result.Error, "disabled in the sandbox")
	})

	t.Run("ImportGuardIgnoresCallerGlobals", func(t *testing.T) {
		tests := []struct {
			name string
			code string
		}{
			{name: "ForeignModuleName", code: "m = __import__('os', {'__name__': 'x'})\nprint(m.getcwd())"},
			{name: "NoGlobals", code: "m = __import__('os', None)\nprint(m.getcwd())"},
			{name: "Submodule", code: "m = __import__('os.path', {'__name__': 'x'}, None, ['join'])\nprint(m)"},
			{name: "RelativeLevel", code: "m = __import__('os', {'__name__': 'pkg.mod', '__package__': 'pkg'}, None, (), 1)"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				result := executor.Execute(context.Background(), Request{Language: lang.Python, Code: tt.code})
				assert.False(t, result.Success)
				assert.Contains(t, result.Error, "ImportError")
				assert.NotContains(t, result.Output, "/")
			})
		}
	})

	t.Run("ReflectionBuiltinsRemoved", func(t *testing.T) {
		result := executor.Execute(context.Background(), Request{
			Language: lang.Python,
			Code:     "b = globals()['__bui' + 'ltins__']\nprint(b)",
		})
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "NameError")
	})

	t.Run("AllowedModulesImportTheirDependencies", func(t *testing.T) {
		result := executor.Execute(context.Background(), Request{
			Language: lang.Python,
			Code:     "import json\nfrom collections import Counter\nprint(json.dumps(Counter('aab')['a']))",
		})
		require.True(t, result.Success, result.Error)
		assert.Equal(t, "2\n", result.Output)
	})

	t.Run("OpenRemoved", func(t *testing.T) {
		result := executor.Execute(context.Background(), Request{Language: lang.Python, Code: "open('/etc/passwd')"})
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "NameError")
	})

	t.Run("RecursionLimit", func(t *testing.T) {
		result := executor.Execute(context.Background(), Request{Language: lang.Python, Code: "def f(n):\n    return f(n + 1)\nf(0)"})
		assert.False(t, result.Success)
		assert.ErrorIs(t, result.Err, ErrCallDepthExceeded)
	})

	t.Run("Timeout", func(t *testing.T) {
		start := time.Now()
		result := executor.Execute(context.Background(), Request{
			Language: lang.Python,
			Code:     "while True:\n    pass",
			Limits:   Limits{MaxExecutionTimeMs: 300},
		})
		assert.True(t, result.TimedOut)
		assert.ErrorIs(t, result.Err, ErrTimeout)
		assert.Less(t, time.Since(start), 3*time.Second)
		assert.Equal(t, 0, executor.ActiveSessions())
	})

	t.Run("CPULimitReportedAsTimeout", func(t *testing.T) {
		start := time.Now()
		result := executor.Execute(context.Background(), Request{
			Language: lang.Python,
			Code:     "n = 0\nwhile True:\n    n += 1",
			Limits:   Limits{MaxCPUTimeMs: 1000, MaxExecutionTimeMs: 8000},
		})
		assert.False(t, result.Success)
		assert.True(t, result.TimedOut)
		assert.ErrorIs(t, result.Err, ErrTimeout)
		assert.Contains(t, result.Error, "cpu time limit of 1s exceeded")
		assert.Less(t, time.Since(start), 6*time.Second)
	})
}
