package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentcore/agentcore/internal/events"
	"github.com/agentcore/agentcore/internal/grant"
	"github.com/agentcore/agentcore/internal/tool"
	"github.com/agentcore/agentcore/pkg/agentcore"
)

type fakeTool struct {
	name    string
	schema  json.RawMessage
	execute func(ctx context.Context, params json.RawMessage) (*tool.Result, error)
}

func (f *fakeTool) Name() string            { return f.name }
func (f *fakeTool) Description() string     { return "fake" }
func (f *fakeTool) Schema() json.RawMessage { return f.schema }
func (f *fakeTool) Execute(ctx context.Context, params json.RawMessage) (*tool.Result, error) {
	return f.execute(ctx, params)
}

func okTool(name string) *fakeTool {
	return &fakeTool{
		name:   name,
		schema: json.RawMessage(`{}`),
		execute: func(ctx context.Context, params json.RawMessage) (*tool.Result, error) {
			return &tool.Result{Content: []agentcore.ContentBlock{agentcore.Text("ok")}}, nil
		},
	}
}

func newDispatcher(t *testing.T, tools ...tool.Tool) (*Dispatcher, *tool.Registry) {
	t.Helper()
	reg := tool.NewRegistry()
	for _, tl := range tools {
		if err := reg.Register(tl); err != nil {
			t.Fatalf("register %s: %v", tl.Name(), err)
		}
	}
	authz := grant.New(grant.NewMemoryGrantStore())
	for _, tl := range tools {
		authz.Trust(tl.Name())
	}
	return New(reg, authz, events.New(), Config{}), reg
}

func toolUse(id, name string, input string) agentcore.ContentBlock {
	return agentcore.ToolUse(id, name, json.RawMessage(input))
}

func TestDispatch_SuccessPreservesInputOrder(t *testing.T) {
	d, _ := newDispatcher(t, okTool("a"), okTool("b"), okTool("c"))
	calls := []agentcore.ContentBlock{
		toolUse("1", "a", "{}"),
		toolUse("2", "b", "{}"),
		toolUse("3", "c", "{}"),
	}

	results, err := d.Dispatch(context.Background(), calls)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, want := range []string{"1", "2", "3"} {
		if results[i].ToolUseID != want {
			t.Errorf("index %d: expected ToolUseID %s, got %s", i, want, results[i].ToolUseID)
		}
		if results[i].Err != nil {
			t.Errorf("index %d: unexpected error %v", i, results[i].Err)
		}
	}
}

func TestDispatch_UnknownToolFails(t *testing.T) {
	d, _ := newDispatcher(t, okTool("a"))
	calls := []agentcore.ContentBlock{toolUse("1", "nonexistent", "{}")}

	results, err := d.Dispatch(context.Background(), calls)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestDispatch_DeniedAuthorizationFails(t *testing.T) {
	reg := tool.NewRegistry()
	if err := reg.Register(okTool("shell")); err != nil {
		t.Fatalf("register: %v", err)
	}
	authz := grant.New(grant.NewMemoryGrantStore(), grant.WithPolicy(grant.AutoDeny))
	d := New(reg, authz, events.New(), Config{})

	results, err := d.Dispatch(context.Background(), []agentcore.ContentBlock{toolUse("1", "shell", "{}")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Err == nil {
		t.Fatal("expected authorization denial error")
	}
}

func TestDispatch_ToolExecuteErrorBecomesToolFailed(t *testing.T) {
	failing := &fakeTool{
		name:   "fails",
		schema: json.RawMessage(`{}`),
		execute: func(ctx context.Context, params json.RawMessage) (*tool.Result, error) {
			return nil, errors.New("boom")
		},
	}
	d, _ := newDispatcher(t, failing)

	var failedEvents int32
	bus := events.New()
	bus.Subscribe(func(e events.Event) {
		if e.Kind == events.KindToolFailed {
			atomic.AddInt32(&failedEvents, 1)
		}
	})
	d.bus = bus

	results, err := d.Dispatch(context.Background(), []agentcore.ContentBlock{toolUse("1", "fails", "{}")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Err == nil {
		t.Fatal("expected execute error to surface")
	}
	if atomic.LoadInt32(&failedEvents) != 1 {
		t.Errorf("expected 1 ToolFailed event, got %d", failedEvents)
	}
}

func TestDispatch_ToolPanicRecovered(t *testing.T) {
	panicking := &fakeTool{
		name:   "panics",
		schema: json.RawMessage(`{}`),
		execute: func(ctx context.Context, params json.RawMessage) (*tool.Result, error) {
			panic("unexpected")
		},
	}
	d, _ := newDispatcher(t, panicking)

	results, err := d.Dispatch(context.Background(), []agentcore.ContentBlock{toolUse("1", "panics", "{}")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Err == nil {
		t.Fatal("expected panic to be recovered into an error")
	}
}

func TestDispatch_ConcurrencyBounded(t *testing.T) {
	var inFlight, maxInFlight int32
	var mu sync.Mutex
	slow := &fakeTool{
		name:   "slow",
		schema: json.RawMessage(`{}`),
		execute: func(ctx context.Context, params json.RawMessage) (*tool.Result, error) {
			n := atomic.AddInt32(&inFlight, 1)
			mu.Lock()
			if n > maxInFlight {
				maxInFlight = n
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return &tool.Result{Content: []agentcore.ContentBlock{agentcore.Text("ok")}}, nil
		},
	}

	reg := tool.NewRegistry()
	if err := reg.Register(slow); err != nil {
		t.Fatalf("register: %v", err)
	}
	authz := grant.New(grant.NewMemoryGrantStore())
	authz.Trust("slow")
	d := New(reg, authz, nil, Config{MaxConcurrentTools: 2})

	calls := make([]agentcore.ContentBlock, 6)
	for i := range calls {
		calls[i] = toolUse(string(rune('a'+i)), "slow", "{}")
	}

	if _, err := d.Dispatch(context.Background(), calls); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if maxInFlight > 2 {
		t.Errorf("expected at most 2 concurrent executions, saw %d", maxInFlight)
	}
}

func TestDispatch_CancellationPropagates(t *testing.T) {
	started := make(chan struct{})
	blocking := &fakeTool{
		name:   "blocks",
		schema: json.RawMessage(`{}`),
		execute: func(ctx context.Context, params json.RawMessage) (*tool.Result, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	d, _ := newDispatcher(t, blocking)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_, _ = d.Dispatch(ctx, []agentcore.ContentBlock{toolUse("1", "blocks", "{}")})
		close(done)
	}()

	<-started
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Dispatch to return after cancellation")
	}
}
