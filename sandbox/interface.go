package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/isdmx/codeguard/lang"
)

// Sentinel errors
var (
	ErrTimeout              = errors.New("execution timed out")
	ErrIsolationUnavailable = errors.New("isolation unavailable")
	ErrCallDepthExceeded    = errors.New("maximum call depth exceeded")
	ErrUnsupportedLanguage  = errors.New("no backend registered for language")
)

// IsolatedContext is one throwaway execution environment. Create prepares
// it, Run executes code in it and Destroy releases everything it holds.
// Destroy must be safe to call after a failed Create and while Run is still
// in progress.
type IsolatedContext interface {
	Create(ctx context.Context) error
	Run(ctx context.Context, code string, timeout time.Duration) (Output, error)
	Destroy() error
}

// Backend builds isolated contexts for the languages it supports.
type Backend interface {
	Name() string
	Supports(l lang.Language) bool
	NewContext(spec ContextSpec) IsolatedContext
}

// ContextSpec carries everything a backend needs to build a context.
type ContextSpec struct {
	SessionID       string
	Language        lang.Language
	Limits          Limits
	Inputs          []string
	MaxCallDepth    int
	Instrumentation Instrumentation
}

// Instrumentation receives reports from sandbox hooks.
type Instrumentation interface {
	NetworkCall(target string)
	DOMMutation(op string)
	AttachProcess(pid int)
}

type noInstrumentation struct{}

func (noInstrumentation) NetworkCall(string) {}
func (noInstrumentation) DOMMutation(string) {}
func (noInstrumentation) AttachProcess(int)  {}

// Output is the raw outcome of running code in a context.
type Output struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	CPUTime   time.Duration
	Truncated bool
	Simulated bool
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments
func (RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // arguments are built by the backend

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: MaxOutputCeiling}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: MaxOutputCeiling}

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			exitCode = exitError.ExitCode()
		} else {
			return "", "", 0, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	RemoveAll(path string) error
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

// MkdirAll creates path and sets perm on it regardless of the umask.
func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return err
	}
	return os.Chmod(path, perm)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// File permission constants
const (
	DirPermission  = 0755
	FilePermission = 0644
)

// limitedWriter stops writing after a byte limit. Excess data is dropped
// without error.
type limitedWriter struct {
	w         io.Writer
	remaining int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	if lw.remaining <= 0 {
		if total > 0 {
			lw.truncated = true
		}
		return total, nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
		lw.truncated = true
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	if err != nil {
		return n, err
	}
	return total, nil
}
