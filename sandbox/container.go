package sandbox

import (
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

// Container runtimes
const (
	RuntimeDocker = "docker"
	RuntimePodman = "podman"
)

// BackendContainer is the name of the container backend.
const BackendContainer = "container"

// Default images per language
const (
	DefaultPythonImage = "python:3.12-alpine"
	DefaultNodeImage   = "node:20-alpine"
)

const (
	inputFilename    = "input.txt"
	containerWorkdir = "workdir"
	containerPids    = 64
	stopGracePeriod  = 5 * time.Second
)

// DefaultImages returns the default image for every language.
func DefaultImages() map[lang.Language]string {
	return map[lang.Language]string{
		lang.Python:     DefaultPythonImage,
		lang.JavaScript: DefaultNodeImage,
		lang.TypeScript: DefaultNodeImage,
	}
}

// ContainerBackend runs code in a Docker or Podman container with no
// network, no capabilities, a read-only root and the code mounted read-only.
type ContainerBackend struct {
	logger    *zap.Logger
	runtime   string
	images    map[lang.Language]string
	cmdRunner CommandRunner
	fs        FileSystem
	lookPath  func(string) (string, error)
}

// ContainerBackendOption defines a functional option for ContainerBackend
type ContainerBackendOption func(*ContainerBackend)

// WithCommandRunner sets the CommandRunner for ContainerBackend
func WithCommandRunner(cmdRunner CommandRunner) ContainerBackendOption {
	return func(c *ContainerBackend) {
		c.cmdRunner = cmdRunner
	}
}

// WithFileSystem sets the FileSystem for ContainerBackend
func WithFileSystem(fs FileSystem) ContainerBackendOption {
	return func(c *ContainerBackend) {
		c.fs = fs
	}
}

// WithLookPath replaces exec.LookPath when checking for the runtime binary
func WithLookPath(lookPath func(string) (string, error)) ContainerBackendOption {
	return func(c *ContainerBackend) {
		c.lookPath = lookPath
	}
}

// NewContainerBackend creates a container backend for the given runtime.
// Languages missing from images use the defaults.
func NewContainerBackend(logger *zap.Logger, runtime string, images map[lang.Language]string, opts ...ContainerBackendOption) (*ContainerBackend, error) {
	switch runtime {
	case RuntimeDocker, RuntimePodman:
	default:
		return nil, fmt.Errorf("unsupported container runtime: %s", runtime)
	}

	merged := DefaultImages()
	for l, image := range images {
		if image != "" {
			merged[l] = image
		}
	}

	backend := &ContainerBackend{
		logger:    logger,
		runtime:   runtime,
		images:    merged,
		cmdRunner: &RealCommandRunner{},
		fs:        &RealFileSystem{},
		lookPath:  exec.LookPath,
	}
	for _, opt := range opts {
		opt(backend)
	}
	return backend, nil
}

// Name implements Backend.
func (*ContainerBackend) Name() string {
	return BackendContainer
}

// Supports implements Backend.
func (c *ContainerBackend) Supports(l lang.Language) bool {
	_, ok := c.images[l]
	return ok
}

// NewContext implements Backend.
func (c *ContainerBackend) NewContext(spec ContextSpec) IsolatedContext {
	return &containerContext{backend: c, spec: spec}
}

type containerContext struct {
	backend *ContainerBackend
	spec    ContextSpec

	mu      sync.Mutex
	tempDir string
	name    string
	running bool
}

func (c *containerContext) Create(_ context.Context) error {
	if _, err := c.backend.lookPath(c.backend.runtime); err != nil {
		return fmt.Errorf("%w: %s not found: %v", ErrIsolationUnavailable, c.backend.runtime, err)
	}

	tempDir, err := c.backend.fs.MkdirTemp("", "codeguard-exec-*")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}

	c.mu.Lock()
	c.tempDir = tempDir
	c.name = "codeguard-" + c.spec.SessionID
	c.mu.Unlock()

	// the container user is not the owner, so the mounted directory must be
	// world readable
	workdir := filepath.Join(tempDir, containerWorkdir)
	if err := c.backend.fs.MkdirAll(workdir, DirPermission); err != nil {
		return fmt.Errorf("failed to create workdir: %w", err)
	}

	input := ""
	if len(c.spec.Inputs) > 0 {
		input = strings.Join(c.spec.Inputs, "\n") + "\n"
	}
	if err := c.backend.fs.WriteFile(filepath.Join(workdir, inputFilename), []byte(input), FilePermission); err != nil {
		return fmt.Errorf("failed to write input: %w", err)
	}
	if c.spec.Language == lang.Python {
		bootstrap := pythonBootstrap(c.spec.MaxCallDepth)
		if err := c.backend.fs.WriteFile(filepath.Join(workdir, bootstrapFilename), []byte(bootstrap), FilePermission); err != nil {
			return fmt.Errorf("failed to write bootstrap: %w", err)
		}
	}
	return nil
}

// runCommand returns the shell command run inside the container.
func (c *containerContext) runCommand() string {
	switch c.spec.Language {
	case lang.Python:
		return fmt.Sprintf("python3 -I -B %s < %s", bootstrapFilename, inputFilename)
	default:
		return fmt.Sprintf("node --disallow-code-generation-from-strings --stack-size=%d %s < %s",
			nodeStackSizeKB(c.spec.MaxCallDepth), lang.FilenameJavaScript, inputFilename)
	}
}

// nodeStackSizeKB approximates a call depth ceiling with a stack size.
func nodeStackSizeKB(depth int) int {
	if depth <= 0 {
		depth = DefaultMaxCallDepth
	}
	const minStackKB = 64
	if kb := depth * 2; kb > minStackKB {
		return kb
	}
	return minStackKB
}

func (c *containerContext) Run(ctx context.Context, code string, timeout time.Duration) (Output, error) {
	c.mu.Lock()
	tempDir, name := c.tempDir, c.name
	c.mu.Unlock()
	if tempDir == "" {
		return Output{}, errContextDestroyed
	}

	filename := lang.FilenamePython
	switch c.spec.Language {
	case lang.Python:
		filename = userFilename
	case lang.TypeScript:
		js, err := transpileTypeScript(code)
		if err != nil {
			return Output{}, err
		}
		code = js
		filename = lang.FilenameJavaScript
	case lang.JavaScript:
		filename = lang.FilenameJavaScript
	}
	workdir := filepath.Join(tempDir, containerWorkdir)
	if err := c.backend.fs.WriteFile(filepath.Join(workdir, filename), []byte(code), FilePermission); err != nil {
		return Output{}, fmt.Errorf("failed to write user code: %w", err)
	}

	limits := c.spec.Limits
	cmdArgs := []string{
		c.backend.runtime, "run",
		"--name", name,
		"--rm",
		"-v", fmt.Sprintf("%s:/workdir:ro", workdir),
		"--workdir", "/workdir",
		"--memory", fmt.Sprintf("%dm", limits.MaxMemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", limits.MaxMemoryMB),
		"--pids-limit", fmt.Sprint(containerPids),
		"--network", "none",
		"--read-only",
		"--ulimit", fmt.Sprintf("cpu=%d", limits.cpuSeconds()),
		"--security-opt", "no-new-privileges:true",
		"--user", "nobody",
		"--cap-drop", "ALL",
		c.backend.images[c.spec.Language],
		"sh", "-c", c.runCommand(),
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	c.backend.logger.Debug("starting sandbox container",
		zap.String("session_id", c.spec.SessionID),
		zap.String("runtime", c.backend.runtime),
		zap.String("container", name),
		zap.Duration("timeout", timeout))

	stdout, stderr, exitCode, err := c.backend.cmdRunner.RunCommand(runCtx, cmdArgs)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		c.stop()
		return Output{Stdout: stdout, Stderr: stderr, ExitCode: 1}, ErrTimeout
	}
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	if err != nil {
		return Output{}, fmt.Errorf("failed to execute container: %w", err)
	}

	out := Output{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}
	if exitCode != 0 {
		if c.spec.Language == lang.Python {
			return out, pythonError(stderr, exitCode)
		}
		return out, fmt.Errorf("process exited with code %d: %s", exitCode, firstLine(strings.TrimSpace(stderr)))
	}
	return out, nil
}

// stop force-removes the container if it may still be running.
func (c *containerContext) stop() {
	c.mu.Lock()
	name, running := c.name, c.running
	c.running = false
	c.mu.Unlock()
	if !running || name == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopGracePeriod)
	defer cancel()
	if _, _, _, err := c.backend.cmdRunner.RunCommand(ctx, []string{c.backend.runtime, "rm", "-f", name}); err != nil {
		c.backend.logger.Warn("failed to remove container", zap.String("container", name), zap.Error(err))
	}
}

func (c *containerContext) Destroy() error {
	c.stop()

	c.mu.Lock()
	tempDir := c.tempDir
	c.tempDir = ""
	c.mu.Unlock()
	if tempDir == "" {
		return nil
	}
	if err := c.backend.fs.RemoveAll(tempDir); err != nil {
		return fmt.Errorf("failed to remove temp dir %s: %w", tempDir, err)
	}
	return nil
}
