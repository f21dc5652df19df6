package agenttools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/parlancehq/parlance/internal/config"
	"github.com/parlancehq/parlance/pkg/provider/realtime"
)

// Bridge connects configured MCP tool servers and exposes their tools to
// agent-mode sessions. Function calls the built-in executor does not
// recognise are routed here.
type Bridge struct {
	client *mcpsdk.Client
	log    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*mcpsdk.ClientSession // key: server name
	tools    map[string]bridgeTool            // key: tool name
}

type bridgeTool struct {
	def    realtime.ToolDefinition
	server string
}

// NewBridge connects to every configured server and imports its tool
// catalogue. A server that fails to connect is skipped with a warning; agent
// calls run on the built-in tools alone in that case.
func NewBridge(ctx context.Context, cfg config.MCPConfig, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	b := &Bridge{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "parlance-agent", Version: "1.0.0"},
			nil,
		),
		log:      log.With("component", "mcp_bridge"),
		sessions: make(map[string]*mcpsdk.ClientSession),
		tools:    make(map[string]bridgeTool),
	}
	for _, server := range cfg.Servers {
		if err := b.connect(ctx, server); err != nil {
			b.log.Warn("skipping MCP server", "server", server.Name, "error", err)
		}
	}
	return b
}

func (b *Bridge) connect(ctx context.Context, cfg config.MCPServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("agenttools: mcp server must have a name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case config.MCPTransportStdio:
		if cfg.Command == "" {
			return fmt.Errorf("agenttools: stdio server %q requires a command", cfg.Name)
		}
		transport = &mcpsdk.CommandTransport{
			Command: exec.CommandContext(ctx, cfg.Command, cfg.Args...),
		}
	case config.MCPTransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("agenttools: streamable-http server %q requires a url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return fmt.Errorf("agenttools: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	session, err := b.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("agenttools: connect %q: %w", cfg.Name, err)
	}

	var defs []realtime.ToolDefinition
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("agenttools: list tools of %q: %w", cfg.Name, err)
		}
		defs = append(defs, realtime.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schemaToMap(tool.InputSchema),
		})
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[cfg.Name] = session
	for _, def := range defs {
		b.tools[def.Name] = bridgeTool{def: def, server: cfg.Name}
	}
	b.log.Info("MCP server connected", "server", cfg.Name, "tools", len(defs))
	return nil
}

// ToolDefinitions returns every imported tool, for session registration.
func (b *Bridge) ToolDefinitions() []realtime.ToolDefinition {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]realtime.ToolDefinition, 0, len(b.tools))
	for _, t := range b.tools {
		out = append(out, t.def)
	}
	return out
}

// Has reports whether a tool with the given name was imported.
func (b *Bridge) Has(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.tools[name]
	return ok
}

// Call routes one tool invocation to its server and returns the concatenated
// text content of the result.
func (b *Bridge) Call(ctx context.Context, name, argsJSON string) (string, error) {
	b.mu.RLock()
	tool, ok := b.tools[name]
	session := b.sessions[tool.server]
	b.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("agenttools: tool %q not found", name)
	}
	if session == nil {
		return "", fmt.Errorf("agenttools: server %q for tool %q is gone", tool.server, name)
	}

	args, err := decodeArgs(argsJSON)
	if err != nil {
		return "", fmt.Errorf("agenttools: arguments of %q: %w", name, err)
	}

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("agenttools: call %q: %w", name, err)
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if result.IsError {
		return "", fmt.Errorf("agenttools: tool %q reported an error: %s", name, sb.String())
	}
	return sb.String(), nil
}

// Close shuts every server session down.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for name, session := range b.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("agenttools: close %q: %w", name, err)
		}
		delete(b.sessions, name)
	}
	b.tools = make(map[string]bridgeTool)
	return firstErr
}

func decodeArgs(argsJSON string) (map[string]any, error) {
	if argsJSON == "" || argsJSON == "{}" {
		return nil, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return nil, err
	}
	return args, nil
}

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
