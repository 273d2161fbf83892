package mcpbridge

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode"

	"github.com/agentcore/agentcore/internal/tool"
	"github.com/agentcore/agentcore/pkg/agentcore"
)

const maxToolNameLen = tool.MaxNameLength

// Bridge owns a set of MCP server connections and registers their tools
// into a tool.Registry under a namespaced, allow-listed, deduplicated name.
type Bridge struct {
	registry *tool.Registry
	logger   *slog.Logger

	mu      sync.Mutex
	configs map[string]*ServerConfig
	clients map[string]*Client
	// registered tracks, per server, the registry names added so Disconnect
	// can unregister them.
	registered map[string][]string
}

// New creates a Bridge that registers tools into registry.
func New(registry *tool.Registry, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		registry:   registry,
		logger:     logger.With("component", "mcpbridge"),
		configs:    make(map[string]*ServerConfig),
		clients:    make(map[string]*Client),
		registered: make(map[string][]string),
	}
}

// AddServer registers a server configuration without connecting to it.
// Connect happens lazily on first Ensure call, or eagerly via Start for
// servers with AutoStart set.
func (b *Bridge) AddServer(cfg *ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.configs[cfg.ID] = cfg
	return nil
}

// Start connects every server configured with AutoStart. Failures are
// logged and skipped rather than aborting the remaining servers.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	ids := make([]string, 0, len(b.configs))
	for id, cfg := range b.configs {
		if cfg.AutoStart {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()

	for _, id := range ids {
		if err := b.Ensure(ctx, id); err != nil {
			b.logger.Error("failed to connect to MCP server", "server", id, "error", err)
		}
	}
	return nil
}

// Stop disconnects every connected server.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	ids := make([]string, 0, len(b.clients))
	for id := range b.clients {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		if err := b.Disconnect(id); err != nil {
			b.logger.Error("failed to close MCP client", "server", id, "error", err)
		}
	}
	return nil
}

// Ensure connects to serverID and registers its tools if not already
// connected. Idempotent: a second call on an already-connected server is a
// no-op that returns nil.
func (b *Bridge) Ensure(ctx context.Context, serverID string) error {
	b.mu.Lock()
	if _, connected := b.clients[serverID]; connected {
		b.mu.Unlock()
		return nil
	}
	cfg, ok := b.configs[serverID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("mcpbridge: server %q not configured", serverID)
	}

	client := NewClient(cfg, b.logger)
	if err := client.Connect(ctx); err != nil {
		return err
	}

	names := b.registerTools(cfg, client)

	b.mu.Lock()
	b.clients[serverID] = client
	b.registered[serverID] = names
	b.mu.Unlock()

	b.logger.Info("connected to MCP server", "server", serverID, "name", client.ServerInfo().Name, "tools", len(names))
	return nil
}

// Disconnect closes the connection to serverID and unregisters its tools.
// Calling Disconnect on a server that isn't connected is a no-op.
func (b *Bridge) Disconnect(serverID string) error {
	b.mu.Lock()
	client, ok := b.clients[serverID]
	names := b.registered[serverID]
	delete(b.clients, serverID)
	delete(b.registered, serverID)
	b.mu.Unlock()
	if !ok {
		return nil
	}

	for _, name := range names {
		b.registry.Unregister(name)
	}
	return client.Close()
}

// registerTools applies cfg's OnlyTools allow-list and Namespace prefix,
// wraps each surviving tool as a tool.Tool, and registers it.
func (b *Bridge) registerTools(cfg *ServerConfig, client *Client) []string {
	allow := toSet(cfg.OnlyTools)
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = cfg.ID
	}

	used := make(map[string]struct{})
	var names []string
	for _, t := range client.Tools() {
		if len(allow) > 0 {
			if _, ok := allow[t.Name]; !ok {
				continue
			}
		}

		name := safeToolName(namespace, t.Name, used)
		bridged := &toolAdapter{client: client, serverID: cfg.ID, upstream: t, name: name}
		if err := b.registry.Register(bridged); err != nil {
			b.logger.Warn("failed to register MCP tool", "server", cfg.ID, "tool", t.Name, "error", err)
			continue
		}
		names = append(names, name)
	}
	return names
}

func toSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]struct{}, len(items))
	for _, item := range items {
		m[item] = struct{}{}
	}
	return m
}

// toolAdapter wraps one MCP tool as a tool.Tool.
type toolAdapter struct {
	client   *Client
	serverID string
	upstream *MCPTool
	name     string
}

func (a *toolAdapter) Name() string { return a.name }

func (a *toolAdapter) Description() string {
	desc := strings.TrimSpace(a.upstream.Description)
	if desc == "" {
		return fmt.Sprintf("MCP tool %s.%s", a.serverID, a.upstream.Name)
	}
	return fmt.Sprintf("MCP tool %s.%s: %s", a.serverID, a.upstream.Name, desc)
}

func (a *toolAdapter) Schema() json.RawMessage {
	if len(a.upstream.InputSchema) == 0 {
		return json.RawMessage(`{"type":"object"}`)
	}
	return a.upstream.InputSchema
}

// Execute calls tools/call on the owning server and maps the response (or a
// transport failure) onto a tool.Result. A protocol-level error (IsError on
// the MCP response) becomes an error Result, not a Go error; a transport
// failure is also returned as an error Result so the turn loop can surface
// the connection hint without aborting the whole run, per mcpbridge.Error's
// Kind.
func (a *toolAdapter) Execute(ctx context.Context, params json.RawMessage) (*tool.Result, error) {
	var arguments map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &arguments); err != nil {
			return nil, err
		}
	}

	result, err := a.client.CallTool(ctx, a.upstream.Name, arguments)
	if err != nil {
		hint := ""
		if IsTransport(err) {
			hint = " (connection to MCP server may be down)"
		}
		return &tool.Result{
			Content: []agentcore.ContentBlock{agentcore.Text(err.Error() + hint)},
			IsError: true,
		}, nil
	}

	content, isError := formatToolCallResult(result)
	return &tool.Result{Content: []agentcore.ContentBlock{agentcore.Text(content)}, IsError: isError}, nil
}

func formatToolCallResult(result *ToolCallResult) (string, bool) {
	if result == nil || len(result.Content) == 0 {
		return "", result != nil && result.IsError
	}

	allText := true
	var combined strings.Builder
	for _, item := range result.Content {
		if item.Type != "text" {
			allText = false
			break
		}
		if item.Text == "" {
			continue
		}
		if combined.Len() > 0 {
			combined.WriteString("\n")
		}
		combined.WriteString(item.Text)
	}
	if allText && combined.Len() > 0 {
		return combined.String(), result.IsError
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return "", result.IsError
	}
	return string(payload), result.IsError
}

// safeToolName derives a registry-safe, namespace-prefixed tool name,
// truncating and disambiguating with a content hash when the natural name
// is too long or collides with one already used in this call.
func safeToolName(namespace, toolName string, used map[string]struct{}) string {
	base := sanitizeToolPart(namespace) + "_" + sanitizeToolPart(toolName)
	name := base
	if len(name) > maxToolNameLen {
		name = truncateWithHash(base, namespace, toolName)
	}
	if _, exists := used[name]; exists {
		name = dedupeWithHash(name, namespace, toolName)
	}
	used[name] = struct{}{}
	return name
}

func sanitizeToolPart(value string) string {
	var sb strings.Builder
	sb.Grow(len(value))
	underscore := false
	for _, r := range value {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(unicode.ToLower(r))
			underscore = false
		default:
			if !underscore {
				sb.WriteByte('_')
				underscore = true
			}
		}
	}
	clean := strings.Trim(sb.String(), "_")
	if clean == "" {
		return "tool"
	}
	return clean
}

func toolNameHash(namespace, toolName string) string {
	sum := sha1.Sum([]byte(namespace + ":" + toolName))
	return hex.EncodeToString(sum[:])[:8]
}

func truncateWithHash(base, namespace, toolName string) string {
	suffix := "_" + toolNameHash(namespace, toolName)
	if maxToolNameLen <= len(suffix) {
		return suffix[len(suffix)-maxToolNameLen:]
	}
	trimLen := maxToolNameLen - len(suffix)
	if trimLen > len(base) {
		trimLen = len(base)
	}
	return base[:trimLen] + suffix
}

func dedupeWithHash(base, namespace, toolName string) string {
	suffix := "_" + toolNameHash(namespace, toolName)
	name := base + suffix
	if len(name) <= maxToolNameLen {
		return name
	}
	return truncateWithHash(base, namespace, toolName)
}
