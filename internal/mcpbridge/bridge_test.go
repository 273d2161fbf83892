package mcpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/agentcore/agentcore/internal/tool"
)

var errDialFailed = errors.New("dial failed")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport is an in-memory Transport used by these tests instead of a
// real subprocess or HTTP server.
type fakeTransport struct {
	connected bool
	handle    func(method string, params json.RawMessage) (json.RawMessage, error)
	events    chan *JSONRPCNotification
}

func newFakeTransport(handle func(string, json.RawMessage) (json.RawMessage, error)) *fakeTransport {
	return &fakeTransport{handle: handle, events: make(chan *JSONRPCNotification, 1)}
}

func (f *fakeTransport) Connect(ctx context.Context) error { f.connected = true; return nil }
func (f *fakeTransport) Close() error                      { f.connected = false; return nil }
func (f *fakeTransport) Connected() bool                   { return f.connected }
func (f *fakeTransport) Events() <-chan *JSONRPCNotification { return f.events }

func (f *fakeTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		raw, _ = json.Marshal(params)
	}
	return f.handle(method, raw)
}

func (f *fakeTransport) Notify(ctx context.Context, method string, params any) error {
	return nil
}

// mockServer builds a fake MCP server exposing the given tools, responding
// to initialize/tools/list/tools/call.
func mockServer(tools []*MCPTool, callResult func(name string, args json.RawMessage) (*ToolCallResult, error)) *fakeTransport {
	return newFakeTransport(func(method string, params json.RawMessage) (json.RawMessage, error) {
		switch method {
		case "initialize":
			return json.Marshal(InitializeResult{
				ProtocolVersion: "2024-11-05",
				ServerInfo:      ServerInfo{Name: "mock", Version: "0.1"},
			})
		case "tools/list":
			return json.Marshal(ListToolsResult{Tools: tools})
		case "tools/call":
			var call CallToolParams
			_ = json.Unmarshal(params, &call)
			result, err := callResult(call.Name, call.Arguments)
			if err != nil {
				return nil, err
			}
			return json.Marshal(result)
		default:
			return json.Marshal(map[string]any{})
		}
	})
}

func newTestClient(t *testing.T, transport Transport, cfg *ServerConfig) *Client {
	t.Helper()
	if cfg == nil {
		cfg = &ServerConfig{ID: "srv1"}
	}
	c := &Client{config: cfg, transport: transport}
	c.logger = discardLogger()
	return c
}

func TestClient_ConnectPopulatesToolsAndServerInfo(t *testing.T) {
	ft := mockServer([]*MCPTool{{Name: "echo", Description: "echoes input"}}, nil)
	c := newTestClient(t, ft, nil)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.ServerInfo().Name != "mock" {
		t.Fatalf("ServerInfo = %+v", c.ServerInfo())
	}
	if len(c.Tools()) != 1 || c.Tools()[0].Name != "echo" {
		t.Fatalf("Tools = %+v", c.Tools())
	}
}

func TestClient_ConnectIsIdempotent(t *testing.T) {
	ft := mockServer([]*MCPTool{{Name: "echo"}}, nil)
	c := newTestClient(t, ft, nil)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect should be a no-op, got %v", err)
	}
}

func TestClient_CallToolRoundTrip(t *testing.T) {
	ft := mockServer([]*MCPTool{{Name: "echo"}}, func(name string, args json.RawMessage) (*ToolCallResult, error) {
		var input struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(args, &input)
		return &ToolCallResult{Content: []ToolResultContent{{Type: "text", Text: input.Message}}}, nil
	})
	c := newTestClient(t, ft, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	result, err := c.CallTool(context.Background(), "echo", map[string]any{"message": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "hi" {
		t.Fatalf("result = %+v", result)
	}
}

func TestClient_ProtocolErrorIsNotTransport(t *testing.T) {
	ft := mockServer([]*MCPTool{{Name: "echo"}}, func(name string, args json.RawMessage) (*ToolCallResult, error) {
		return nil, protocolErr("srv1", "tools/call", ErrCodeInvalidParams, "bad args")
	})
	c := newTestClient(t, ft, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := c.CallTool(context.Background(), "echo", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if IsTransport(err) {
		t.Fatalf("protocol error misclassified as transport: %v", err)
	}
}

func TestToolAdapter_ExecuteMapsTextResult(t *testing.T) {
	ft := mockServer([]*MCPTool{{Name: "echo"}}, func(name string, args json.RawMessage) (*ToolCallResult, error) {
		return &ToolCallResult{Content: []ToolResultContent{{Type: "text", Text: "hello"}}}, nil
	})
	c := newTestClient(t, ft, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	a := &toolAdapter{client: c, serverID: "srv1", upstream: &MCPTool{Name: "echo"}, name: "srv1_echo"}
	result, err := a.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError || len(result.Content) != 1 || result.Content[0].Text != "hello" {
		t.Fatalf("result = %+v", result)
	}
}

func TestToolAdapter_ExecuteMapsTransportErrorToErrorResult(t *testing.T) {
	ft := mockServer([]*MCPTool{{Name: "echo"}}, func(name string, args json.RawMessage) (*ToolCallResult, error) {
		return nil, transportErr("srv1", "tools/call", errDialFailed)
	})
	c := newTestClient(t, ft, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	a := &toolAdapter{client: c, serverID: "srv1", upstream: &MCPTool{Name: "echo"}, name: "srv1_echo"}
	result, err := a.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("transport failures should surface as an error Result, not a Go error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected IsError=true")
	}
}

func TestBridge_RegisterToolsAppliesNamespaceAndOnlyTools(t *testing.T) {
	ft := mockServer([]*MCPTool{{Name: "create_issue"}, {Name: "delete_repo"}}, nil)
	cfg := &ServerConfig{ID: "gh", Namespace: "gh", OnlyTools: []string{"create_issue"}}
	c := newTestClient(t, ft, cfg)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	registry := tool.NewRegistry()
	b := New(registry, nil)
	names := b.registerTools(cfg, c)

	if len(names) != 1 || names[0] != "gh_create_issue" {
		t.Fatalf("names = %v, want only the allow-listed tool under the gh namespace", names)
	}
	if _, ok := registry.Get("gh_create_issue"); !ok {
		t.Fatal("expected gh_create_issue registered")
	}
	if _, ok := registry.Get("gh_delete_repo"); ok {
		t.Fatal("delete_repo should have been filtered by OnlyTools")
	}
}

func TestSafeToolName_DedupesOnCollision(t *testing.T) {
	used := map[string]struct{}{}
	first := safeToolName("srv", "run", used)
	second := safeToolName("srv", "run", used)
	if first == second {
		t.Fatalf("expected distinct names, got %q twice", first)
	}
}

func TestSafeToolName_TruncatesOverlongNames(t *testing.T) {
	used := map[string]struct{}{}
	longName := "a_very_long_upstream_tool_name_that_keeps_going_and_going_and_going_past_the_limit"
	name := safeToolName("namespace", longName, used)
	if len(name) > maxToolNameLen {
		t.Fatalf("name length = %d, want <= %d", len(name), maxToolNameLen)
	}
}
