package main

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/isdmx/codeguard/audit"
	"github.com/isdmx/codeguard/config"
	"github.com/isdmx/codeguard/logger"
	"github.com/isdmx/codeguard/mcpserver"
	"github.com/isdmx/codeguard/metrics"
	"github.com/isdmx/codeguard/monitor"
	"github.com/isdmx/codeguard/rules"
	"github.com/isdmx/codeguard/runtime"
	"github.com/isdmx/codeguard/sandbox"
	"github.com/isdmx/codeguard/validator"
)

// appOptions provides the engine and everything it depends on.
func appOptions(configFile string) fx.Option {
	return fx.Options(
		fx.Provide(
			func() (*config.Config, error) { return config.Load(configFile) },
			logger.NewFromConfig,
			newRegistry,
			newValidator,
			newMonitor,
			newExecutor,
			newMetrics,
			newAuditRecorder,
			newEngine,
			newMCPServer,
		),
	)
}

func newRegistry(cfg *config.Config, log *zap.Logger) (*rules.Registry, error) {
	registry, err := rules.Default(cfg.RuleOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to load rule catalog: %w", err)
	}
	categories := registry.Categories()
	names := make([]string, len(categories))
	for i, c := range categories {
		names[i] = string(c)
	}
	log.Info("rule catalog loaded", zap.Int("rules", registry.Len()), zap.Strings("categories", names))
	return registry, nil
}

func newValidator(registry *rules.Registry, log *zap.Logger, cfg *config.Config) *validator.Validator {
	return validator.New(registry, log, cfg.ValidatorSettings())
}

func newMonitor(log *zap.Logger, cfg *config.Config) *monitor.Monitor {
	return monitor.New(log, cfg.MonitorSettings())
}

func newExecutor(log *zap.Logger, cfg *config.Config) (*sandbox.Executor, error) {
	return sandbox.NewExecutor(log, cfg.ExecutorSettings())
}

// newMetrics returns nil when metrics are disabled; the engine skips a nil
// collector.
func newMetrics(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config) *metrics.Collector {
	if !cfg.Metrics.Enabled {
		return nil
	}
	collector := metrics.New()
	srv := metrics.NewServer(log, collector, cfg.Metrics.Port)
	lc.Append(fx.Hook{
		OnStart: srv.Start,
		OnStop:  srv.Stop,
	})
	return collector
}

func newAuditRecorder(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config) (audit.Recorder, error) {
	if !cfg.Audit.Enabled {
		return audit.Nop{}, nil
	}
	store, err := audit.Open(cfg.Audit.Path, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

type engineParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Logger    *zap.Logger
	Config    *config.Config
	Validator *validator.Validator
	Monitor   *monitor.Monitor
	Executor  *sandbox.Executor
	Metrics   *metrics.Collector
	Audit     audit.Recorder
}

func newEngine(p engineParams) *runtime.Engine {
	engine := runtime.New(p.Logger, p.Validator, p.Monitor, p.Executor,
		runtime.WithMetrics(p.Metrics),
		runtime.WithAudit(p.Audit),
		runtime.WithCeilings(p.Config.Sandbox.HardCeilings),
	)
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return engine.Close()
		},
	})
	return engine
}

func newMCPServer(cfg *config.Config, log *zap.Logger, engine *runtime.Engine) *mcpserver.MCPServer {
	return mcpserver.New(cfg, log, engine)
}

// withEngine starts the dependency graph without a transport, hands the
// engine to fn and stops the graph again.
func withEngine(ctx context.Context, configFile string, fn func(*runtime.Engine) error) (err error) {
	var engine *runtime.Engine
	app := fx.New(
		appOptions(configFile),
		fx.NopLogger,
		fx.Populate(&engine),
	)
	if err := app.Err(); err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if stopErr := app.Stop(context.WithoutCancel(ctx)); err == nil {
			err = stopErr
		}
	}()
	return fn(engine)
}
