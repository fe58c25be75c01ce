package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codecrew-ai/codecrew/pkg/model"
)

// Transport identifies how to reach an MCP server.
type Transport string

const (
	// TransportStdio launches the server as a subprocess and speaks MCP over
	// its stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP connects to a server over the streamable HTTP
	// transport.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	switch t {
	case TransportStdio, TransportStreamableHTTP:
		return true
	}
	return false
}

// MCPServerConfig describes one external MCP server whose tools should be
// imported into the registry.
type MCPServerConfig struct {
	Name      string
	Transport Transport
	Command   string            // stdio only: executable plus space-separated args
	URL       string            // streamable-http only
	Level     Level             // permission level for imported tools; empty means CAUTIOUS
	Env       map[string]string // stdio only: extra environment variables
}

// MCPHost connects to MCP servers and imports their tool catalogues into a
// [Registry]. A single SDK client is reused across sessions.
type MCPHost struct {
	mu       sync.Mutex
	client   *mcpsdk.Client
	sessions map[string]*mcpsdk.ClientSession
	logger   *slog.Logger
}

// NewMCPHost creates a host with no connections.
func NewMCPHost(logger *slog.Logger) *MCPHost {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPHost{
		client:   mcpsdk.NewClient(&mcpsdk.Implementation{Name: "codecrew", Version: "1.0.0"}, nil),
		sessions: map[string]*mcpsdk.ClientSession{},
		logger:   logger,
	}
}

// RegisterServer connects to the server described by cfg, lists its tools,
// and registers each one in reg. Imported tool names are prefixed with the
// server name ("<server>_<tool>") so catalogues from different servers cannot
// collide with each other or with the builtins.
func (h *MCPHost) RegisterServer(ctx context.Context, reg *Registry, cfg MCPServerConfig) error {
	if cfg.Name == "" {
		return errors.New("tools: mcp server name is required")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("tools: mcp server %q: unknown transport %q", cfg.Name, cfg.Transport)
	}
	level := cfg.Level
	if level == "" {
		level = LevelCautious
	}
	if !level.IsValid() {
		return fmt.Errorf("tools: mcp server %q: invalid level %q", cfg.Name, cfg.Level)
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("tools: mcp server %q: stdio transport requires a command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("tools: mcp server %q: streamable-http transport requires a url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("tools: mcp server %q: connect: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("tools: mcp server %q: list tools: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	for _, mcpTool := range discovered {
		name := cfg.Name + "_" + mcpTool.Name
		t := Tool{
			Definition: model.ToolDefinition{
				Name:        name,
				Description: mcpTool.Description,
				InputSchema: schemaToMap(mcpTool.InputSchema),
			},
			Level:   level,
			Source:  cfg.Name,
			Handler: h.callHandler(cfg.Name, mcpTool.Name),
		}
		if err := reg.Register(t); err != nil {
			_ = session.Close()
			return err
		}
	}

	h.mu.Lock()
	if old, ok := h.sessions[cfg.Name]; ok {
		_ = old.Close()
	}
	h.sessions[cfg.Name] = session
	h.mu.Unlock()

	h.logger.Info("mcp server registered", "server", cfg.Name, "transport", cfg.Transport, "tools", len(discovered))
	return nil
}

// callHandler builds a Handler that forwards the call to the server session.
// MCP error results surface as handler errors so the executor reports them as
// error tool results.
func (h *MCPHost) callHandler(serverName, toolName string) Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		h.mu.Lock()
		session, ok := h.sessions[serverName]
		h.mu.Unlock()
		if !ok {
			return "", fmt.Errorf("mcp server %q is not connected", serverName)
		}

		result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      toolName,
			Arguments: args,
		})
		if err != nil {
			return "", fmt.Errorf("mcp tool %q: %w", toolName, err)
		}

		var sb strings.Builder
		for _, c := range result.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if result.IsError {
			return "", errors.New(sb.String())
		}
		return sb.String(), nil
	}
}

// Close shuts down all server sessions. The first error encountered is
// returned; closing continues regardless.
func (h *MCPHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var firstErr error
	for name, session := range h.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tools: close mcp server %q: %w", name, err)
		}
		delete(h.sessions, name)
	}
	return firstErr
}

// splitCommand splits a command line into executable and arguments on
// whitespace. Quoting is not supported.
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}

// schemaToMap converts whatever schema representation the SDK hands back into
// the plain map participants expect. Falls back to a permissive object schema.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
