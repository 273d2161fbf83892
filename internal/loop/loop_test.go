package loop

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	cmanager "github.com/agentcore/agentcore/internal/context"
	"github.com/agentcore/agentcore/internal/dispatch"
	"github.com/agentcore/agentcore/internal/events"
	"github.com/agentcore/agentcore/internal/grant"
	"github.com/agentcore/agentcore/internal/provider"
	"github.com/agentcore/agentcore/internal/tool"
	"github.com/agentcore/agentcore/pkg/agentcore"
)

// scriptedProvider replays a fixed sequence of completions, one per call to Complete.
type scriptedProvider struct {
	turns [][]provider.StreamEvent
	calls int
}

func (p *scriptedProvider) Name() string { return "scripted" }
func (p *scriptedProvider) Models() []provider.Model {
	return []provider.Model{{ID: "scripted-1"}}
}
func (p *scriptedProvider) CountTokens(messages []agentcore.Message) int { return len(messages) }

func (p *scriptedProvider) Complete(ctx context.Context, req provider.CompletionRequest) (<-chan provider.StreamEvent, error) {
	turn := p.turns[p.calls]
	p.calls++
	ch := make(chan provider.StreamEvent, len(turn))
	for _, ev := range turn {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

type echoTool struct{}

func (echoTool) Name() string            { return "echo" }
func (echoTool) Description() string     { return "echoes input" }
func (echoTool) Schema() json.RawMessage { return json.RawMessage(`{}`) }
func (echoTool) Execute(ctx context.Context, params json.RawMessage) (*tool.Result, error) {
	return &tool.Result{Content: []agentcore.ContentBlock{agentcore.Text(string(params))}}, nil
}

func newTestLoop(t *testing.T, turns [][]provider.StreamEvent) (*Loop, *scriptedProvider) {
	t.Helper()
	p := &scriptedProvider{turns: turns}

	reg := tool.NewRegistry()
	if err := reg.Register(echoTool{}); err != nil {
		t.Fatalf("register tool: %v", err)
	}
	authz := grant.New(grant.NewMemoryGrantStore())
	authz.Trust("echo")
	bus := events.New()
	d := dispatch.New(reg, authz, bus, dispatch.Config{})

	l := New(p, cmanager.NoOp{}, d, bus, nil, Config{MaxIterations: 5})
	return l, p
}

func drain(ch <-chan Chunk) []Chunk {
	var out []Chunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestLoop_EndTurnWithoutTools(t *testing.T) {
	l, _ := newTestLoop(t, [][]provider.StreamEvent{
		{
			{Kind: provider.EventTextDelta, Delta: "hello"},
			{Kind: provider.EventTextDelta, Delta: " world"},
			{Kind: provider.EventStop, StopReason: agentcore.StopEndTurn, Usage: agentcore.TokenUsage{InputTokens: 5, OutputTokens: 2}},
		},
	})

	chunks := drain(l.Run(context.Background(), nil, agentcore.Message{Role: agentcore.RoleUser, Content: []agentcore.ContentBlock{agentcore.Text("hi")}}))

	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	last := chunks[len(chunks)-1]
	if !last.Done {
		t.Errorf("expected final chunk to be Done, got %+v", last)
	}
	if last.Err != nil {
		t.Errorf("unexpected error: %v", last.Err)
	}

	var gotMessage bool
	for _, c := range chunks {
		if c.Message != nil && c.Message.Role == agentcore.RoleAssistant {
			gotMessage = true
			if c.Message.Content[0].Text != "hello world" {
				t.Errorf("expected assembled text 'hello world', got %q", c.Message.Content[0].Text)
			}
		}
	}
	if !gotMessage {
		t.Error("expected an assistant message chunk")
	}
}

func TestLoop_ToolUseRoundTrip(t *testing.T) {
	l, p := newTestLoop(t, [][]provider.StreamEvent{
		{
			{Kind: provider.EventToolUse, ToolUseID: "call-1", ToolName: "echo", ToolInput: json.RawMessage(`{"msg":"hi"}`)},
			{Kind: provider.EventStop, StopReason: agentcore.StopToolUse},
		},
		{
			{Kind: provider.EventTextDelta, Delta: "done"},
			{Kind: provider.EventStop, StopReason: agentcore.StopEndTurn},
		},
	})

	chunks := drain(l.Run(context.Background(), nil, agentcore.Message{Role: agentcore.RoleUser, Content: []agentcore.ContentBlock{agentcore.Text("run echo")}}))

	if p.calls != 2 {
		t.Fatalf("expected 2 provider calls (initial + after tool), got %d", p.calls)
	}

	last := chunks[len(chunks)-1]
	if !last.Done || last.Err != nil {
		t.Errorf("expected clean completion, got %+v", last)
	}

	var sawToolResult bool
	for _, c := range chunks {
		if c.Message != nil {
			for _, b := range c.Message.Content {
				if b.Type == agentcore.BlockToolResult && b.ToolUseID == "call-1" {
					sawToolResult = true
				}
			}
		}
	}
	if !sawToolResult {
		t.Error("expected a tool result message in the stream")
	}
}

func TestLoop_MaxIterationsExceeded(t *testing.T) {
	turn := []provider.StreamEvent{
		{Kind: provider.EventToolUse, ToolUseID: "call-x", ToolName: "echo", ToolInput: json.RawMessage(`{}`)},
		{Kind: provider.EventStop, StopReason: agentcore.StopToolUse},
	}
	turns := make([][]provider.StreamEvent, 10)
	for i := range turns {
		turns[i] = turn
	}
	l, _ := newTestLoop(t, turns)
	l.config.MaxIterations = 2

	chunks := drain(l.Run(context.Background(), nil, agentcore.Message{Role: agentcore.RoleUser, Content: []agentcore.ContentBlock{agentcore.Text("loop forever")}}))

	last := chunks[len(chunks)-1]
	if last.Err == nil {
		t.Fatal("expected max-iterations error")
	}
}

func TestLoop_ContextCancellation(t *testing.T) {
	l, _ := newTestLoop(t, [][]provider.StreamEvent{
		{{Kind: provider.EventStop, StopReason: agentcore.StopEndTurn}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	chunks := drain(l.Run(ctx, nil, agentcore.Message{Role: agentcore.RoleUser, Content: []agentcore.ContentBlock{agentcore.Text("hi")}}))
	if len(chunks) == 0 || chunks[len(chunks)-1].Err == nil {
		t.Fatal("expected cancellation to surface as an error chunk")
	}
}

func TestLoop_MaxWallTime(t *testing.T) {
	l, _ := newTestLoop(t, [][]provider.StreamEvent{
		{{Kind: provider.EventStop, StopReason: agentcore.StopEndTurn}},
	})
	l.config.MaxWallTime = time.Nanosecond

	time.Sleep(time.Millisecond)
	chunks := drain(l.Run(context.Background(), nil, agentcore.Message{Role: agentcore.RoleUser, Content: []agentcore.ContentBlock{agentcore.Text("hi")}}))
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
}
