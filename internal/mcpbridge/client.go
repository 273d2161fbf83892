package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Client owns the connection to one MCP server: handshake, cached tool
// list, and tool invocation.
type Client struct {
	config    *ServerConfig
	transport Transport
	logger    *slog.Logger

	mu    sync.RWMutex
	tools []*MCPTool

	serverInfo ServerInfo
}

// NewClient creates a client for cfg. Connect must be called before use.
func NewClient(cfg *ServerConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:    cfg,
		transport: NewTransport(cfg),
		logger:    logger.With("mcp_server", cfg.ID),
	}
}

// Connect performs the transport connect, the initialize handshake, and an
// initial tools/list. It is idempotent: calling Connect on an already-
// connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if c.transport.Connected() {
		return nil
	}

	if err := c.transport.Connect(ctx); err != nil {
		return err
	}

	result, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities": map[string]any{
			"roots": map[string]any{"listChanged": true},
		},
		"clientInfo": ClientInfo{Name: "agentcore", Version: "1.0.0"},
	})
	if err != nil {
		c.transport.Close()
		return err
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		c.transport.Close()
		return transportErr(c.config.ID, "initialize", fmt.Errorf("parse initialize result: %w", err))
	}
	c.serverInfo = initResult.ServerInfo
	c.logger.Info("connected to MCP server",
		"name", c.serverInfo.Name, "version", c.serverInfo.Version, "protocol", initResult.ProtocolVersion)

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}

	if err := c.RefreshTools(ctx); err != nil {
		c.logger.Warn("failed to list tools", "error", err)
	}

	return nil
}

// Close disconnects the transport.
func (c *Client) Close() error { return c.transport.Close() }

// Connected reports whether the underlying transport is live.
func (c *Client) Connected() bool { return c.transport.Connected() }

// ServerInfo returns the server identity from the initialize handshake.
func (c *Client) ServerInfo() ServerInfo { return c.serverInfo }

// RefreshTools re-issues tools/list and updates the cached tool set.
func (c *Client) RefreshTools(ctx context.Context) error {
	result, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return err
	}
	var resp ListToolsResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return transportErr(c.config.ID, "tools/list", fmt.Errorf("parse tools/list result: %w", err))
	}

	c.mu.Lock()
	c.tools = resp.Tools
	c.mu.Unlock()
	return nil
}

// Tools returns the cached tool list from the last RefreshTools.
func (c *Client) Tools() []*MCPTool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// CallTool invokes tools/call for name with arguments.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	params := CallToolParams{Name: name}
	if arguments != nil {
		argsJSON, err := json.Marshal(arguments)
		if err != nil {
			return nil, transportErr(c.config.ID, "tools/call", fmt.Errorf("marshal arguments: %w", err))
		}
		params.Arguments = argsJSON
	}

	result, err := c.transport.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}

	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, transportErr(c.config.ID, "tools/call", fmt.Errorf("parse result: %w", err))
	}
	return &callResult, nil
}
