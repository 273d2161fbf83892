// Package dispatch implements the Tool Dispatcher: the component that takes
// the ToolUse blocks surfaced by one assistant turn and runs each one through
// authorization, schema validation, and execution, with bounded concurrency
// and input-order-preserving results.
//
// Grounded on internal/agent/executor.go's Executor — the buffered-channel
// semaphore, sync.WaitGroup index-preserving fan-out, and panic-recovery
// goroutine are kept essentially as written there; ExecutorMetrics is
// dropped in favor of publishing to internal/events, which already gives an
// embedder everything a metrics struct would (ToolRequested/ToolCompleted/
// ToolFailed timestamps and durations) without a second, parallel counting
// path. Retry-with-backoff is delegated to internal/backoff rather than the
// teacher's own bit-shifted exponential loop, since that package already
// exists in this module for the provider adapters.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/agentcore/agentcore/internal/events"
	"github.com/agentcore/agentcore/internal/grant"
	"github.com/agentcore/agentcore/internal/tool"
	"github.com/agentcore/agentcore/pkg/agentcore"
)

// DefaultMaxConcurrentTools is the default bound on in-flight tool executions
// per Dispatcher.Dispatch call.
const DefaultMaxConcurrentTools = 8

// Config configures a Dispatcher.
type Config struct {
	// MaxConcurrentTools bounds how many tool calls run at once. Defaults to
	// DefaultMaxConcurrentTools if <= 0.
	MaxConcurrentTools int

	// AgentID and SessionID identify the caller for grant lookups; both are
	// passed through to the Authorizer unchanged.
	AgentID   string
	SessionID string
}

// Dispatcher runs a batch of tool calls from one assistant turn: requesting
// authorization for each, validating and executing it against the registry,
// and publishing ToolRequested/ToolCompleted/ToolFailed events as it goes.
type Dispatcher struct {
	registry *tool.Registry
	authz    *grant.Authorizer
	bus      *events.Bus
	config   Config
}

// New creates a Dispatcher backed by registry and authz, publishing events to
// bus (which may be nil to disable event publication).
func New(registry *tool.Registry, authz *grant.Authorizer, bus *events.Bus, config Config) *Dispatcher {
	if config.MaxConcurrentTools <= 0 {
		config.MaxConcurrentTools = DefaultMaxConcurrentTools
	}
	return &Dispatcher{registry: registry, authz: authz, bus: bus, config: config}
}

// CallResult is the outcome of dispatching one ToolUse block.
type CallResult struct {
	ToolUseID string
	ToolName  string
	Result    *tool.Result
	Err       error
	Duration  time.Duration
}

// ToContentBlock renders r as the ContentBlock that belongs in the next user
// message replying to the assistant's tool calls.
func (r CallResult) ToContentBlock() agentcore.ContentBlock {
	if r.Err != nil {
		return agentcore.ToolResultText(r.ToolUseID, r.Err.Error(), true)
	}
	return agentcore.ContentBlock{
		Type:              agentcore.BlockToolResult,
		ToolUseID:         r.ToolUseID,
		ToolResultContent: r.Result.Content,
		IsError:           r.Result.IsError,
	}
}

// Dispatch runs every ToolUse block in calls, respecting MaxConcurrentTools,
// and returns results in the same order as calls. If ctx is cancelled before
// all calls complete, Dispatch returns as soon as every in-flight goroutine
// has observed the cancellation — no partial result slice is returned; the
// caller treats the whole batch as failed.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []agentcore.ContentBlock) ([]CallResult, error) {
	results := make([]CallResult, len(calls))
	sem := make(chan struct{}, d.config.MaxConcurrentTools)
	var wg sync.WaitGroup

	for i, call := range calls {
		i, call := i, call
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return nil, ctx.Err()
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = d.dispatchOne(ctx, call)
		}()
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// dispatchOne implements the per-call procedure: request, lookup, authorize,
// validate, execute, publishing an event at each terminal outcome.
func (d *Dispatcher) dispatchOne(ctx context.Context, call agentcore.ContentBlock) CallResult {
	started := time.Now()
	res := CallResult{ToolUseID: call.ToolUseID, ToolName: call.ToolName}

	d.publish(func(b *events.Bus) { b.ToolRequested(call.ToolUseID, call.ToolName, call.ToolInput) })

	t, ok := d.registry.Get(call.ToolName)
	if !ok {
		res.Err = fmt.Errorf("unknown tool: %s", call.ToolName)
		d.publishFailure(call, res.Err, time.Since(started))
		return res
	}

	decision, err := d.authz.Authorize(ctx, d.config.AgentID, d.config.SessionID, call.ToolName, call.ToolInput)
	if err != nil {
		res.Err = fmt.Errorf("authorizing %s: %w", call.ToolName, err)
		d.publishFailure(call, res.Err, time.Since(started))
		return res
	}
	if !decision.Authorized {
		reason := decision.DenyReason
		if reason == "" {
			reason = "denied"
		}
		res.Err = fmt.Errorf("authorization denied: %s", reason)
		d.publishFailure(call, res.Err, time.Since(started))
		return res
	}

	if err := d.registry.Validate(call.ToolName, call.ToolInput); err != nil {
		res.Err = err
		d.publishFailure(call, res.Err, time.Since(started))
		return res
	}

	result, err := d.executeWithRecover(ctx, t, call.ToolInput)
	duration := time.Since(started)
	if err != nil {
		res.Err = err
		d.publishFailure(call, err, duration)
		return res
	}

	res.Result = result
	res.Duration = duration
	d.publish(func(b *events.Bus) {
		b.ToolCompleted(call.ToolUseID, call.ToolName, result.Content, duration)
	})
	return res
}

// executeWithRecover invokes t.Execute, converting any panic into an error so
// one misbehaving tool cannot take down the dispatch goroutine pool.
func (d *Dispatcher) executeWithRecover(ctx context.Context, t tool.Tool, params json.RawMessage) (result *tool.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %q panicked: %v\n%s", t.Name(), r, debug.Stack())
		}
	}()
	return t.Execute(ctx, params)
}

func (d *Dispatcher) publishFailure(call agentcore.ContentBlock, err error, duration time.Duration) {
	d.publish(func(b *events.Bus) { b.ToolFailed(call.ToolUseID, call.ToolName, err, duration) })
}

func (d *Dispatcher) publish(fn func(*events.Bus)) {
	if d.bus != nil {
		fn(d.bus)
	}
}
