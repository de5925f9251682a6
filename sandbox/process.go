package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/codeguard/lang"
)

// BackendProcess is the name of the host process backend.
const BackendProcess = "process"

// DefaultPythonBinary is the interpreter the process backend looks up.
const DefaultPythonBinary = "python3"

const (
	bootstrapFilename = "bootstrap.py"
	userFilename      = "user.py"
)

// allowedPythonModules may be imported by user code. Imports made inside
// these modules are not restricted.
var allowedPythonModules = []string{
	"math", "cmath", "random", "string", "json", "re", "itertools", "functools",
	"collections", "datetime", "time", "statistics", "fractions", "decimal",
	"heapq", "bisect", "copy", "typing", "dataclasses", "enum", "operator",
	"textwrap", "array", "abc", "numbers", "calendar", "unicodedata",
}

// removedPythonBuiltins are left out of the builtins user code sees.
var removedPythonBuiltins = []string{
	"open", "exec", "eval", "compile", "breakpoint", "help", "exit", "quit",
	"globals", "vars",
}

// bootstrapTemplate reads the user file, caps recursion and runs the code as
// __main__ under the name main.py. User code gets a copy of the builtins with
// an import hook that checks every absolute import against the allow list;
// the real builtins module, used by library code, is left untouched.
const bootstrapTemplate = `def _run():
    import builtins, sys
    with builtins.open(%[1]q, encoding="utf-8") as f:
        source = f.read()
    allowed = frozenset(%[2]s)
    real_import = builtins.__import__
    def guarded_import(name, globals=None, locals=None, fromlist=(), level=0):
        if level != 0 or name.split(".")[0] not in allowed:
            raise ImportError("import of %%r is disabled in the sandbox" %% name)
        return real_import(name, None, None, fromlist, 0)
    safe = dict(vars(builtins))
    for name in %[3]s:
        safe.pop(name, None)
    safe["__import__"] = guarded_import
    code = builtins.compile(source, %[4]q, "exec")
    sys.setrecursionlimit(%[5]d)
    builtins.exec(code, {"__name__": "__main__", "__builtins__": safe})
_run()
`

// ProcessBackend runs Python as an isolated host process: its own temp
// directory, its own process group, a minimal environment and ulimit caps.
type ProcessBackend struct {
	logger   *zap.Logger
	python   string
	fs       FileSystem
	lookPath func(string) (string, error)
}

// ProcessBackendOption defines a functional option for ProcessBackend
type ProcessBackendOption func(*ProcessBackend)

// WithProcessFileSystem sets the FileSystem for ProcessBackend
func WithProcessFileSystem(fs FileSystem) ProcessBackendOption {
	return func(p *ProcessBackend) {
		p.fs = fs
	}
}

// WithProcessLookPath replaces exec.LookPath
func WithProcessLookPath(lookPath func(string) (string, error)) ProcessBackendOption {
	return func(p *ProcessBackend) {
		p.lookPath = lookPath
	}
}

// NewProcessBackend creates a ProcessBackend running the given interpreter.
func NewProcessBackend(logger *zap.Logger, python string, opts ...ProcessBackendOption) *ProcessBackend {
	if python == "" {
		python = DefaultPythonBinary
	}
	backend := &ProcessBackend{
		logger:   logger,
		python:   python,
		fs:       &RealFileSystem{},
		lookPath: exec.LookPath,
	}
	for _, opt := range opts {
		opt(backend)
	}
	return backend
}

// Name implements Backend.
func (*ProcessBackend) Name() string {
	return BackendProcess
}

// Supports implements Backend.
func (*ProcessBackend) Supports(l lang.Language) bool {
	return l == lang.Python
}

// NewContext implements Backend.
func (p *ProcessBackend) NewContext(spec ContextSpec) IsolatedContext {
	if spec.Instrumentation == nil {
		spec.Instrumentation = noInstrumentation{}
	}
	return &processContext{backend: p, spec: spec}
}

// pythonBootstrap renders the prelude for a recursion limit.
func pythonBootstrap(maxDepth int) string {
	quote := func(items []string) string {
		quoted := make([]string, len(items))
		for i, item := range items {
			quoted[i] = fmt.Sprintf("%q", item)
		}
		return "(" + strings.Join(quoted, ", ") + ",)"
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxCallDepth
	}
	// the bootstrap itself holds a few frames
	return fmt.Sprintf(bootstrapTemplate, userFilename, quote(allowedPythonModules), quote(removedPythonBuiltins), lang.FilenamePython, maxDepth+5)
}

type processContext struct {
	backend *ProcessBackend
	spec    ContextSpec

	mu      sync.Mutex
	python  string
	tempDir string
	cmd     *exec.Cmd
	exited  bool
}

func (c *processContext) Create(_ context.Context) error {
	python, err := c.backend.lookPath(c.backend.python)
	if err != nil {
		return fmt.Errorf("%w: %s not found: %v", ErrIsolationUnavailable, c.backend.python, err)
	}

	tempDir, err := c.backend.fs.MkdirTemp("", "codeguard-exec-*")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}

	c.mu.Lock()
	c.python = python
	c.tempDir = tempDir
	c.mu.Unlock()

	bootstrap := pythonBootstrap(c.spec.MaxCallDepth)
	if err := c.backend.fs.WriteFile(filepath.Join(tempDir, bootstrapFilename), []byte(bootstrap), FilePermission); err != nil {
		return fmt.Errorf("failed to write bootstrap: %w", err)
	}
	return nil
}

func (c *processContext) Run(ctx context.Context, code string, timeout time.Duration) (Output, error) {
	c.mu.Lock()
	tempDir, python := c.tempDir, c.python
	c.mu.Unlock()
	if tempDir == "" {
		return Output{}, errContextDestroyed
	}

	if err := c.backend.fs.WriteFile(filepath.Join(tempDir, userFilename), []byte(code), FilePermission); err != nil {
		return Output{}, fmt.Errorf("failed to write user code: %w", err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// The interpreter is wrapped so resource limits apply before it starts;
	// arguments are passed positionally and never interpolated.
	limits := c.spec.Limits
	script := fmt.Sprintf("ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; ulimit -f 0 2>/dev/null; exec \"$@\"",
		pythonAddressSpaceKB(limits.MaxMemoryMB), limits.cpuSeconds())
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", script, "_", python, "-I", "-B", bootstrapFilename) //nolint:gosec // arguments are built here
	cmd.Dir = tempDir
	cmd.Env = sandboxEnv(tempDir)
	isolateProcess(cmd)

	var stdoutBuf, stderrBuf bytes.Buffer
	outLimit := limits.MaxOutputSize
	if outLimit <= 0 {
		outLimit = DefaultMaxOutputSize
	}
	stdout := &limitedWriter{w: &stdoutBuf, remaining: outLimit}
	stderr := &limitedWriter{w: &stderrBuf, remaining: outLimit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if len(c.spec.Inputs) > 0 {
		cmd.Stdin = strings.NewReader(strings.Join(c.spec.Inputs, "\n") + "\n")
	}

	if err := cmd.Start(); err != nil {
		return Output{}, fmt.Errorf("failed to start interpreter: %w", err)
	}
	c.mu.Lock()
	c.cmd = cmd
	c.mu.Unlock()
	c.spec.Instrumentation.AttachProcess(cmd.Process.Pid)

	c.backend.logger.Debug("sandbox process started",
		zap.String("session_id", c.spec.SessionID),
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("memory_limit_mb", limits.MaxMemoryMB),
		zap.Int("cpu_limit_sec", limits.cpuSeconds()),
		zap.Duration("timeout", timeout))

	runErr := cmd.Wait()
	c.mu.Lock()
	c.exited = true
	c.mu.Unlock()

	out := Output{
		Stdout:    stdoutBuf.String(),
		Stderr:    stderrBuf.String(),
		Truncated: stdout.truncated || stderr.truncated,
	}
	if cmd.ProcessState != nil {
		out.CPUTime = cmd.ProcessState.UserTime() + cmd.ProcessState.SystemTime()
		out.ExitCode = cmd.ProcessState.ExitCode()
	}

	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return out, ErrTimeout
			}
			return out, ctxErr
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return out, fmt.Errorf("execution failed: %w", runErr)
		}
		if cpuLimitHit(cmd.ProcessState, limits.cpuSeconds()) {
			return out, fmt.Errorf("%w: cpu time limit of %ds exceeded", ErrTimeout, limits.cpuSeconds())
		}
		return out, pythonError(out.Stderr, out.ExitCode)
	}
	return out, nil
}

// pythonError extracts the final traceback line, e.g. "NameError: name 'x' is not defined".
func pythonError(stderr string, exitCode int) error {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return fmt.Errorf("process exited with code %d", exitCode)
	}
	if strings.HasPrefix(last, "RecursionError") {
		return fmt.Errorf("%w: %s", ErrCallDepthExceeded, last)
	}
	return errors.New(last)
}

// pythonAddressSpaceKB converts the memory limit into an address space cap.
// The interpreter maps far more than it touches, so a fixed allowance is
// added on top of the requested heap.
func pythonAddressSpaceKB(memoryMB int) int {
	const interpreterOverheadMB = 256
	return (memoryMB + interpreterOverheadMB) * 1024
}

// sandboxEnv builds a minimal environment. Nothing is inherited from the
// host process.
func sandboxEnv(dir string) []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"LANG=C.UTF-8",
		"PYTHONIOENCODING=utf-8",
		"PYTHONDONTWRITEBYTECODE=1",
		"TERM=dumb",
	}
}

func (c *processContext) Destroy() error {
	c.mu.Lock()
	cmd, tempDir, exited := c.cmd, c.tempDir, c.exited
	c.cmd = nil
	c.tempDir = ""
	c.mu.Unlock()

	if cmd != nil && !exited {
		killProcessGroup(cmd)
	}
	if tempDir == "" {
		return nil
	}
	if err := c.backend.fs.RemoveAll(tempDir); err != nil {
		return fmt.Errorf("failed to remove temp dir %s: %w", tempDir, err)
	}
	return nil
}
