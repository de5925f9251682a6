package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/isdmx/codeguard/lang"
	"github.com/isdmx/codeguard/monitor"
	"github.com/isdmx/codeguard/rules"
	"github.com/isdmx/codeguard/sandbox"
	"github.com/isdmx/codeguard/validator"
)

// EnvPrefix prefixes every environment override, e.g. CODEGUARD_SANDBOX_BACKEND.
const EnvPrefix = "CODEGUARD"

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Validator ValidatorConfig `mapstructure:"validator"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Audit     AuditConfig     `mapstructure:"audit"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// ValidatorConfig holds security validator thresholds
type ValidatorConfig struct {
	MaxRiskScore        int      `mapstructure:"max_risk_score"`
	StrictMaxRiskScore  int      `mapstructure:"strict_max_risk_score"`
	PerformanceBudgetMs int      `mapstructure:"performance_budget_ms"`
	EnabledCategories   []string `mapstructure:"enabled_categories"`
}

// SandboxConfig holds sandbox configuration
type SandboxConfig struct {
	Backend            string                    `mapstructure:"backend"`
	ContainerRuntime   string                    `mapstructure:"container_runtime"`
	PythonBinary       string                    `mapstructure:"python_binary"`
	MaxCallDepth       int                       `mapstructure:"max_call_depth"`
	AllowSimulation    bool                      `mapstructure:"allow_simulation"`
	TerminationGraceMs int                       `mapstructure:"termination_grace_ms"`
	DefaultLimits      sandbox.Limits            `mapstructure:"default_limits"`
	HardCeilings       sandbox.Limits            `mapstructure:"hard_ceilings"`
	Languages          map[string]LanguageConfig `mapstructure:"languages"`
}

// LanguageConfig holds language-specific configuration
type LanguageConfig struct {
	Image string `mapstructure:"image"`
}

// MonitorConfig holds resource monitor configuration
type MonitorConfig struct {
	SampleIntervalMs int `mapstructure:"sample_interval_ms"`
	MaxAlerts        int `mapstructure:"max_alerts"`
}

// MetricsConfig holds the prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// AuditConfig holds audit store configuration
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// New loads and validates the application configuration from config.yaml
// in . or ./config, falling back to defaults when no file exists.
func New() (*Config, error) {
	return Load("")
}

// Load reads the configuration from file, or searches the default paths
// when file is empty.
func Load(file string) (*Config, error) {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("validator.max_risk_score", validator.DefaultMaxRiskScore)
	v.SetDefault("validator.strict_max_risk_score", validator.DefaultStrictMaxRiskScore)
	v.SetDefault("validator.performance_budget_ms", validator.DefaultPerformanceBudget.Milliseconds())
	v.SetDefault("validator.enabled_categories", []string{})

	v.SetDefault("sandbox.backend", sandbox.SelectProcess)
	v.SetDefault("sandbox.container_runtime", sandbox.RuntimeDocker)
	v.SetDefault("sandbox.python_binary", sandbox.DefaultPythonBinary)
	v.SetDefault("sandbox.max_call_depth", sandbox.DefaultMaxCallDepth)
	v.SetDefault("sandbox.allow_simulation", false)
	v.SetDefault("sandbox.termination_grace_ms", sandbox.DefaultTerminationGrace.Milliseconds())

	defaults := sandbox.DefaultLimits()
	v.SetDefault("sandbox.default_limits.max_memory_mb", defaults.MaxMemoryMB)
	v.SetDefault("sandbox.default_limits.max_cpu_time_ms", defaults.MaxCPUTimeMs)
	v.SetDefault("sandbox.default_limits.max_execution_time_ms", defaults.MaxExecutionTimeMs)
	v.SetDefault("sandbox.default_limits.max_output_size", defaults.MaxOutputSize)

	ceilings := sandbox.HardCeilings()
	v.SetDefault("sandbox.hard_ceilings.max_memory_mb", ceilings.MaxMemoryMB)
	v.SetDefault("sandbox.hard_ceilings.max_cpu_time_ms", ceilings.MaxCPUTimeMs)
	v.SetDefault("sandbox.hard_ceilings.max_execution_time_ms", ceilings.MaxExecutionTimeMs)
	v.SetDefault("sandbox.hard_ceilings.max_output_size", ceilings.MaxOutputSize)

	for l, image := range sandbox.DefaultImages() {
		v.SetDefault("sandbox.languages."+string(l)+".image", image)
	}

	v.SetDefault("monitor.sample_interval_ms", monitor.DefaultSampleInterval.Milliseconds())
	v.SetDefault("monitor.max_alerts", monitor.DefaultMaxAlerts)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.path", "data/audit.db")
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}
	if c.Server.Transport == "http" && !validPort(c.Server.HTTPPort) {
		return fmt.Errorf("server.http_port must be between 1 and 65535, got: %d", c.Server.HTTPPort)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	if err := c.validateValidator(); err != nil {
		return err
	}
	if err := c.validateSandbox(); err != nil {
		return err
	}

	if c.Monitor.SampleIntervalMs <= 0 {
		return fmt.Errorf("monitor.sample_interval_ms must be positive, got: %d", c.Monitor.SampleIntervalMs)
	}
	if c.Monitor.MaxAlerts <= 0 {
		return fmt.Errorf("monitor.max_alerts must be positive, got: %d", c.Monitor.MaxAlerts)
	}

	if c.Metrics.Enabled && !validPort(c.Metrics.Port) {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got: %d", c.Metrics.Port)
	}
	if c.Audit.Enabled && c.Audit.Path == "" {
		return fmt.Errorf("audit.path is required when audit is enabled")
	}

	return nil
}

func (c *Config) validateValidator() error {
	vc := c.Validator
	if vc.MaxRiskScore < 1 || vc.MaxRiskScore > validator.MaxRiskScore {
		return fmt.Errorf("validator.max_risk_score must be between 1 and %d, got: %d", validator.MaxRiskScore, vc.MaxRiskScore)
	}
	if vc.StrictMaxRiskScore < 1 || vc.StrictMaxRiskScore > vc.MaxRiskScore {
		return fmt.Errorf("validator.strict_max_risk_score must be between 1 and max_risk_score (%d), got: %d", vc.MaxRiskScore, vc.StrictMaxRiskScore)
	}
	if vc.PerformanceBudgetMs <= 0 {
		return fmt.Errorf("validator.performance_budget_ms must be positive, got: %d", vc.PerformanceBudgetMs)
	}
	for _, name := range vc.EnabledCategories {
		if _, err := rules.ParseCategory(name); err != nil {
			return fmt.Errorf("invalid validator.enabled_categories: %w", err)
		}
	}
	return nil
}

func (c *Config) validateSandbox() error {
	sc := c.Sandbox
	switch sc.Backend {
	case sandbox.SelectProcess, sandbox.SelectContainer:
	default:
		return fmt.Errorf("unsupported sandbox.backend: %s, must be '%s' or '%s'", sc.Backend, sandbox.SelectProcess, sandbox.SelectContainer)
	}
	switch sc.ContainerRuntime {
	case sandbox.RuntimeDocker, sandbox.RuntimePodman:
	default:
		return fmt.Errorf("unsupported sandbox.container_runtime: %s, must be '%s' or '%s'", sc.ContainerRuntime, sandbox.RuntimeDocker, sandbox.RuntimePodman)
	}
	if sc.MaxCallDepth <= 0 {
		return fmt.Errorf("sandbox.max_call_depth must be positive, got: %d", sc.MaxCallDepth)
	}
	if sc.TerminationGraceMs <= 0 {
		return fmt.Errorf("sandbox.termination_grace_ms must be positive, got: %d", sc.TerminationGraceMs)
	}
	if err := sc.HardCeilings.Validate(sandbox.HardCeilings()); err != nil {
		return fmt.Errorf("invalid sandbox.hard_ceilings: %w", err)
	}
	if err := sc.DefaultLimits.Validate(sc.HardCeilings); err != nil {
		return fmt.Errorf("invalid sandbox.default_limits: %w", err)
	}
	for key := range sc.Languages {
		if _, err := lang.Parse(key); err != nil {
			return fmt.Errorf("invalid sandbox.languages key: %w", err)
		}
	}
	return nil
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}

// ValidatorSettings returns the validator thresholds.
func (c *Config) ValidatorSettings() validator.Config {
	return validator.Config{
		MaxRiskScore:       c.Validator.MaxRiskScore,
		StrictMaxRiskScore: c.Validator.StrictMaxRiskScore,
		PerformanceBudget:  time.Duration(c.Validator.PerformanceBudgetMs) * time.Millisecond,
	}
}

// RuleOptions returns the rule registry options. Categories were checked by
// validate.
func (c *Config) RuleOptions() []rules.Option {
	if len(c.Validator.EnabledCategories) == 0 {
		return nil
	}
	categories := make([]rules.Category, 0, len(c.Validator.EnabledCategories))
	for _, name := range c.Validator.EnabledCategories {
		if category, err := rules.ParseCategory(name); err == nil {
			categories = append(categories, category)
		}
	}
	return []rules.Option{rules.WithEnabledCategories(categories...)}
}

// MonitorSettings returns the monitor configuration.
func (c *Config) MonitorSettings() monitor.Config {
	return monitor.Config{
		SampleInterval: time.Duration(c.Monitor.SampleIntervalMs) * time.Millisecond,
		MaxAlerts:      c.Monitor.MaxAlerts,
	}
}

// ExecutorSettings returns the sandbox executor configuration.
func (c *Config) ExecutorSettings() sandbox.Config {
	images := map[lang.Language]string{}
	for key, lc := range c.Sandbox.Languages {
		if l, err := lang.Parse(key); err == nil && lc.Image != "" {
			images[l] = lc.Image
		}
	}
	return sandbox.Config{
		Backend:          c.Sandbox.Backend,
		ContainerRuntime: c.Sandbox.ContainerRuntime,
		Images:           images,
		PythonBinary:     c.Sandbox.PythonBinary,
		DefaultLimits:    c.Sandbox.DefaultLimits,
		MaxCallDepth:     c.Sandbox.MaxCallDepth,
		AllowSimulation:  c.Sandbox.AllowSimulation,
		TerminationGrace: time.Duration(c.Sandbox.TerminationGraceMs) * time.Millisecond,
	}
}
