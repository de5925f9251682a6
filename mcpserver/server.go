package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/codeguard/config"
	"github.com/isdmx/codeguard/lang"
	"github.com/isdmx/codeguard/runtime"
	"github.com/isdmx/codeguard/validator"
)

// Tool names
const (
	ToolValidate = "validate_code_security"
	ToolQuick    = "quick_security_check"
	ToolExecute  = "execute_code"
)

const (
	serverName    = "codeguard"
	serverVersion = "1.0.0"
)

// Engine is the part of runtime.Engine the tools call.
type Engine interface {
	ValidateCodeSecurity(ctx context.Context, code string, l lang.Language, strict bool) (*validator.Result, error)
	QuickSecurityCheck(ctx context.Context, code string, l lang.Language) (validator.QuickResult, error)
	ExecuteCode(ctx context.Context, req runtime.Request) *runtime.Result
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	engine    Engine
	mcpServer *server.MCPServer

	mu         sync.Mutex
	httpServer *server.StreamableHTTPServer
}

// New creates the MCP server and registers its tools.
func New(cfg *config.Config, logger *zap.Logger, engine Engine) *MCPServer {
	s := &MCPServer{
		config: cfg,
		logger: logger,
		engine: engine,
	}

	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.Int("validator.max_risk_score", cfg.Validator.MaxRiskScore),
		zap.Int("validator.strict_max_risk_score", cfg.Validator.StrictMaxRiskScore),
		zap.Strings("validator.enabled_categories", cfg.Validator.EnabledCategories),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.String("sandbox.container_runtime", cfg.Sandbox.ContainerRuntime),
		zap.Bool("sandbox.allow_simulation", cfg.Sandbox.AllowSimulation),
		zap.Int("sandbox.default_limits.max_memory_mb", cfg.Sandbox.DefaultLimits.MaxMemoryMB),
		zap.Int("sandbox.default_limits.max_execution_time_ms", cfg.Sandbox.DefaultLimits.MaxExecutionTimeMs),
		zap.Bool("metrics.enabled", cfg.Metrics.Enabled),
		zap.Bool("audit.enabled", cfg.Audit.Enabled),
	)

	s.mcpServer = server.NewMCPServer(serverName, serverVersion,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.registerTools()
	return s
}

func languageOption() mcp.PropertyOption {
	names := make([]string, 0, len(lang.All()))
	for _, l := range lang.All() {
		names = append(names, string(l))
	}
	return mcp.Description("Source language: " + strings.Join(names, ", ") + " (python, javascript and typescript are accepted too)")
}

func (s *MCPServer) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool(ToolValidate,
		mcp.WithDescription("Run the full security validation on untrusted code and return violations, warnings, risk score and feedback"),
		mcp.WithString("language", mcp.Required(), languageOption()),
		mcp.WithString("code", mcp.Required(), mcp.Description("Source code to analyze")),
		mcp.WithBoolean("strict_security_mode", mcp.Description("Apply the strict risk threshold")),
	), s.handleValidate)

	s.mcpServer.AddTool(mcp.NewTool(ToolQuick,
		mcp.WithDescription("Check untrusted code against critical rules only. Passing does not imply the full validation passes"),
		mcp.WithString("language", mcp.Required(), languageOption()),
		mcp.WithString("code", mcp.Required(), mcp.Description("Source code to check")),
	), s.handleQuick)

	s.mcpServer.AddTool(mcp.NewTool(ToolExecute,
		mcp.WithDescription("Validate and run untrusted code in an isolated context with resource limits"),
		mcp.WithString("language", mcp.Required(), languageOption()),
		mcp.WithString("code", mcp.Required(), mcp.Description("Source code to run")),
		mcp.WithArray("inputs",
			mcp.Description("Lines fed to standard input"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithObject("limits",
			mcp.Description("Resource limits; omitted fields take the configured defaults"),
			mcp.Properties(map[string]any{
				"maxMemoryMB":        map[string]any{"type": "integer", "minimum": 0},
				"maxCpuTimeMs":       map[string]any{"type": "integer", "minimum": 0},
				"maxExecutionTimeMs": map[string]any{"type": "integer", "minimum": 0},
				"maxOutputSize":      map[string]any{"type": "integer", "minimum": 0},
			}),
		),
		mcp.WithBoolean("skip_security_validation", mcp.Description("Run without validation; the bypass is logged and audited")),
		mcp.WithBoolean("strict_security_mode", mcp.Description("Apply the strict risk threshold")),
	), s.handleExecute)
}

// requireLanguage reads and resolves the language argument.
func requireLanguage(request mcp.CallToolRequest) (lang.Language, error) {
	raw, err := request.RequireString("language")
	if err != nil {
		return "", err
	}
	return lang.Parse(raw)
}

func (s *MCPServer) handleValidate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	l, err := requireLanguage(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	code, err := request.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	strict := request.GetBool("strict_security_mode", false)

	result, err := s.engine.ValidateCodeSecurity(ctx, code, l, strict)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.logger.Info("validation completed",
		zap.String("language", string(l)),
		zap.Bool("strict", strict),
		zap.Bool("valid", result.IsValid),
		zap.Int("risk_score", result.RiskScore),
		zap.Int("violations", len(result.Violations)))
	return jsonResult(result, false)
}

func (s *MCPServer) handleQuick(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	l, err := requireLanguage(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	code, err := request.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := s.engine.QuickSecurityCheck(ctx, code, l)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(result, false)
}

// executeArgs mirrors the execute_code input schema.
type executeArgs struct {
	Language               string         `json:"language"`
	Code                   string         `json:"code"`
	Inputs                 []string       `json:"inputs"`
	Limits                 map[string]int `json:"limits"`
	SkipSecurityValidation bool           `json:"skip_security_validation"`
	StrictSecurityMode     bool           `json:"strict_security_mode"`
}

func (s *MCPServer) handleExecute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req, err := executeRequest(request.GetArguments())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	s.logger.Info("code execution requested",
		zap.String("language", string(req.Language)),
		zap.Int("code_size", len(req.Code)),
		zap.Int("inputs", len(req.Inputs)),
		zap.Bool("skip_security_validation", req.SkipSecurityValidation),
		zap.Bool("strict_security_mode", req.StrictSecurityMode))

	result := s.engine.ExecuteCode(ctx, req)

	s.logger.Info("code execution completed",
		zap.String("session_id", result.SessionID),
		zap.Bool("success", result.Success),
		zap.String("error_kind", string(result.ErrorKind)),
		zap.Int64("execution_time_ms", result.Metrics.ExecutionTimeMs),
		zap.Int("output_size", result.Metrics.OutputSize))
	return jsonResult(result, !result.Success)
}

// executeRequest decodes tool arguments into an engine request. Unknown
// languages are passed through so the engine reports them.
func executeRequest(args map[string]any) (runtime.Request, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return runtime.Request{}, fmt.Errorf("invalid arguments: %w", err)
	}
	var in executeArgs
	if err := json.Unmarshal(raw, &in); err != nil {
		return runtime.Request{}, fmt.Errorf("invalid arguments: %w", err)
	}
	if in.Language == "" {
		return runtime.Request{}, errors.New("required argument \"language\" not found")
	}
	if in.Code == "" {
		return runtime.Request{}, errors.New("required argument \"code\" not found")
	}

	l, err := lang.Parse(in.Language)
	if err != nil {
		l = lang.Language(in.Language)
	}
	req := runtime.Request{
		Language:               l,
		Code:                   in.Code,
		Inputs:                 in.Inputs,
		SkipSecurityValidation: in.SkipSecurityValidation,
		StrictSecurityMode:     in.StrictSecurityMode,
	}
	req.Limits.MaxMemoryMB = in.Limits["maxMemoryMB"]
	req.Limits.MaxCPUTimeMs = in.Limits["maxCpuTimeMs"]
	req.Limits.MaxExecutionTimeMs = in.Limits["maxExecutionTimeMs"]
	req.Limits.MaxOutputSize = in.Limits["maxOutputSize"]
	return req, nil
}

func jsonResult(v any, isError bool) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	result := mcp.NewToolResultText(string(data))
	result.IsError = isError
	return result, nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP and blocks until Shutdown.
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()

	err := httpServer.Start(fmt.Sprintf(":%d", port))
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP transport if it is running.
func (s *MCPServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()
	if httpServer == nil {
		return nil
	}
	return httpServer.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
