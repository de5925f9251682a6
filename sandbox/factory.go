package sandbox

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/codeguard/lang"
)

// Backend selections
const (
	SelectProcess   = "process"
	SelectContainer = "container"
)

// Config holds executor settings.
type Config struct {
	// Backend selects how Python runs: "process" or "container". With
	// "container" JavaScript and TypeScript run in containers too;
	// otherwise they run in the in-process goja backend.
	Backend          string
	ContainerRuntime string
	Images           map[lang.Language]string
	PythonBinary     string
	DefaultLimits    Limits
	MaxCallDepth     int
	AllowSimulation  bool
	TerminationGrace time.Duration
}

// DefaultConfig returns the default executor settings.
func DefaultConfig() Config {
	return Config{
		Backend:          SelectProcess,
		ContainerRuntime: RuntimeDocker,
		PythonBinary:     DefaultPythonBinary,
		DefaultLimits:    DefaultLimits(),
		MaxCallDepth:     DefaultMaxCallDepth,
		TerminationGrace: DefaultTerminationGrace,
	}
}

// NewExecutor creates an Executor with the backends selected by config.
func NewExecutor(logger *zap.Logger, config Config, opts ...ExecutorOption) (*Executor, error) {
	if config.MaxCallDepth <= 0 {
		config.MaxCallDepth = DefaultMaxCallDepth
	}
	if config.TerminationGrace <= 0 {
		config.TerminationGrace = DefaultTerminationGrace
	}
	config.DefaultLimits = config.DefaultLimits.WithDefaults(DefaultLimits())

	backends := map[lang.Language]Backend{}
	switch config.Backend {
	case SelectProcess, "":
		js := NewGojaBackend(logger)
		backends[lang.JavaScript] = js
		backends[lang.TypeScript] = js
		backends[lang.Python] = NewProcessBackend(logger, config.PythonBinary)
	case SelectContainer:
		container, err := NewContainerBackend(logger, config.ContainerRuntime, config.Images)
		if err != nil {
			return nil, err
		}
		for _, l := range lang.All() {
			backends[l] = container
		}
	default:
		return nil, fmt.Errorf("unsupported backend: %s", config.Backend)
	}

	return newExecutor(logger, config, backends, opts...), nil
}
