// Package loop implements the Turn Loop: the central state machine that
// drives one run from an incoming user message to a terminal stop reason,
// wiring together the Provider, Conversation Manager, Tool Dispatcher, and
// Event Bus on every iteration.
//
// Grounded on internal/agent/loop.go's AgenticLoop — the phase sequence
// (Init/Stream/ExecuteTools/Continue/Complete), the streamed-channel Run
// signature, and the MaxIterations/MaxWallTime/MaxToolCalls guards are kept;
// LoopState's session/branch-store plumbing and steering-queue follow-up
// handling are dropped since this runtime's Session Port (internal/session)
// persists at the edges of a run rather than mid-loop, and there is no
// steering-queue concept in the ported spec.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cmanager "github.com/agentcore/agentcore/internal/context"
	"github.com/agentcore/agentcore/internal/dispatch"
	"github.com/agentcore/agentcore/internal/events"
	"github.com/agentcore/agentcore/internal/provider"
	"github.com/agentcore/agentcore/pkg/agentcore"
)

// Phase names one step of the turn loop's state machine.
type Phase string

const (
	PhasePreparing   Phase = "preparing"
	PhaseStreaming   Phase = "streaming"
	PhaseDispatching Phase = "dispatching"
	PhaseCompleting  Phase = "completing"
)

// BoundedMaxIterations is an opt-in cap for callers that want the loop to
// abort as runaway after a fixed number of ToolUse round-trips instead of
// relying on MaxWallTime/MaxToolCalls/context cancellation.
const BoundedMaxIterations = 10

// Config configures a Loop's behavior for one run.
type Config struct {
	Model       string
	System      string
	MaxTokens   int
	Temperature float64

	// MaxIterations bounds ToolUse round-trips. <= 0 means unbounded: the run
	// continues until a terminal stop reason, MaxToolCalls, MaxWallTime, or
	// context cancellation ends it. Set to BoundedMaxIterations to opt into
	// the historical fixed cap.
	MaxIterations int

	// MaxToolCalls bounds total tool calls across the run (0 = unlimited).
	MaxToolCalls int

	// MaxWallTime bounds total run duration (0 = unlimited).
	MaxWallTime time.Duration
}

func sanitize(cfg Config) Config {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return cfg
}

// unbounded reports whether cfg's iteration count has no fixed cap.
func (c Config) unbounded() bool { return c.MaxIterations <= 0 }

// Error wraps a run failure with the phase and iteration it occurred at.
type Error struct {
	Phase     Phase
	Iteration int
	Cause     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("loop: phase %s, iteration %d: %v", e.Phase, e.Iteration, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// ErrMaxIterations is the Cause of an Error returned when a run exhausts
// MaxIterations without reaching a terminal stop reason.
var ErrMaxIterations = errors.New("loop: reached max iterations")

// Chunk is one unit streamed out of Run: a text delta, a completed assistant
// message for the current iteration, or a terminal error.
type Chunk struct {
	Delta   string
	Message *agentcore.Message
	Usage   *agentcore.TokenUsage
	Err     error
	Done    bool
}

// Loop drives one run: repeatedly calling the provider, dispatching any
// requested tools, and feeding results back until the model stops without
// requesting more tools.
type Loop struct {
	provider   provider.Provider
	manager    cmanager.Manager
	dispatcher *dispatch.Dispatcher
	bus        *events.Bus
	tools      []provider.ToolDef
	config     Config
}

// New creates a Loop. manager may be cmanager.NoOp{} to disable context
// trimming; bus may be nil to disable event publication.
func New(p provider.Provider, manager cmanager.Manager, dispatcher *dispatch.Dispatcher, bus *events.Bus, tools []provider.ToolDef, config Config) *Loop {
	return &Loop{
		provider:   p,
		manager:    manager,
		dispatcher: dispatcher,
		bus:        bus,
		tools:      tools,
		config:     sanitize(config),
	}
}

// Run starts a run from history plus one new incoming message, streaming
// Chunks on the returned channel until a terminal stop reason, an error, or
// MaxIterations is reached. The channel is closed after the final Chunk.
func (l *Loop) Run(ctx context.Context, history []agentcore.Message, incoming agentcore.Message) <-chan Chunk {
	out := make(chan Chunk, 16)

	runCtx := ctx
	var cancel context.CancelFunc
	if l.config.MaxWallTime > 0 {
		runCtx, cancel = context.WithTimeout(ctx, l.config.MaxWallTime)
	}

	go func() {
		defer close(out)
		if cancel != nil {
			defer cancel()
		}

		started := time.Now()
		l.publish(func(b *events.Bus) { b.RunStarted() })

		full := append(append([]agentcore.Message{}, history...), incoming)
		totalToolCalls := 0
		var lastUsage agentcore.TokenUsage

		for iter := 0; l.config.unbounded() || iter < l.config.MaxIterations; iter++ {
			select {
			case <-runCtx.Done():
				err := &Error{Phase: PhasePreparing, Iteration: iter, Cause: runCtx.Err()}
				l.publish(func(b *events.Bus) { b.RunFailed(err) })
				out <- Chunk{Err: err, Done: true}
				return
			default:
			}

			selected, _, err := l.manager.Select(full[:len(full)-1], full[len(full)-1])
			if err != nil {
				wrapped := &Error{Phase: PhasePreparing, Iteration: iter, Cause: err}
				l.publish(func(b *events.Bus) { b.RunFailed(wrapped) })
				out <- Chunk{Err: wrapped, Done: true}
				return
			}

			assistantMsg, usage, stopReason, err := l.streamOne(runCtx, selected, out)
			if err != nil {
				wrapped := &Error{Phase: PhaseStreaming, Iteration: iter, Cause: err}
				l.publish(func(b *events.Bus) { b.RunFailed(wrapped) })
				out <- Chunk{Err: wrapped, Done: true}
				return
			}
			lastUsage = usage

			full = append(full, assistantMsg)
			out <- Chunk{Message: &assistantMsg, Usage: &usage}

			if stopReason != agentcore.StopToolUse {
				slog.Debug("loop: run completed", "iterations", iter+1, "stop_reason", stopReason)
				l.publish(func(b *events.Bus) { b.RunCompleted(&lastUsage, time.Since(started)) })
				out <- Chunk{Done: true}
				return
			}

			toolCalls := assistantMsg.ToolUseBlocks()
			if l.config.MaxToolCalls > 0 && totalToolCalls+len(toolCalls) > l.config.MaxToolCalls {
				wrapped := &Error{
					Phase: PhaseDispatching, Iteration: iter,
					Cause: fmt.Errorf("tool calls exceed maximum of %d for run", l.config.MaxToolCalls),
				}
				l.publish(func(b *events.Bus) { b.RunFailed(wrapped) })
				out <- Chunk{Err: wrapped, Done: true}
				return
			}
			totalToolCalls += len(toolCalls)

			results, err := l.dispatcher.Dispatch(runCtx, toolCalls)
			if err != nil {
				wrapped := &Error{Phase: PhaseDispatching, Iteration: iter, Cause: err}
				l.publish(func(b *events.Bus) { b.RunFailed(wrapped) })
				out <- Chunk{Err: wrapped, Done: true}
				return
			}

			blocks := make([]agentcore.ContentBlock, len(results))
			for i, r := range results {
				blocks[i] = r.ToContentBlock()
			}
			toolResultMsg := agentcore.Message{Role: agentcore.RoleUser, Content: blocks, CreatedAt: time.Now()}
			full = append(full, toolResultMsg)
			out <- Chunk{Message: &toolResultMsg}
		}

		wrapped := &Error{Phase: PhaseCompleting, Iteration: l.config.MaxIterations, Cause: ErrMaxIterations}
		slog.Warn("loop: max iterations reached", "max_iterations", l.config.MaxIterations)
		l.publish(func(b *events.Bus) { b.RunFailed(wrapped) })
		out <- Chunk{Err: wrapped, Done: true}
	}()

	return out
}

// streamOne calls the provider once and consumes its stream to completion,
// assembling the resulting assistant message from accumulated text,
// thinking, and tool-use blocks.
func (l *Loop) streamOne(ctx context.Context, messages []agentcore.Message, out chan<- Chunk) (agentcore.Message, agentcore.TokenUsage, agentcore.StopReason, error) {
	l.publish(func(b *events.Bus) { b.ModelCallStarted() })

	stream, err := l.provider.Complete(ctx, provider.CompletionRequest{
		Model:       l.config.Model,
		System:      l.config.System,
		Messages:    messages,
		Tools:       l.tools,
		MaxTokens:   l.config.MaxTokens,
		Temperature: l.config.Temperature,
	})
	if err != nil {
		return agentcore.Message{}, agentcore.TokenUsage{}, "", err
	}

	var textBuf, thinkingBuf string
	var blocks []agentcore.ContentBlock
	var usage agentcore.TokenUsage
	stopReason := agentcore.StopEndTurn

	for ev := range stream {
		switch ev.Kind {
		case provider.EventTextDelta:
			textBuf += ev.Delta
			out <- Chunk{Delta: ev.Delta}
			l.publish(func(b *events.Bus) { b.ModelCallStreaming(ev.Delta, len(textBuf)) })
		case provider.EventThinkingDelta:
			thinkingBuf += ev.Delta
		case provider.EventToolUse:
			blocks = append(blocks, agentcore.ToolUse(ev.ToolUseID, ev.ToolName, ev.ToolInput))
		case provider.EventStop:
			stopReason = ev.StopReason
			usage = ev.Usage
			if ev.Err != nil {
				return agentcore.Message{}, agentcore.TokenUsage{}, "", ev.Err
			}
		}
	}

	l.publish(func(b *events.Bus) { b.ModelCallCompleted(l.config.Model, &usage) })

	var content []agentcore.ContentBlock
	if thinkingBuf != "" {
		content = append(content, agentcore.ThinkingBlock(thinkingBuf))
	}
	if textBuf != "" {
		content = append(content, agentcore.Text(textBuf))
	}
	content = append(content, blocks...)
	if len(content) == 0 {
		content = append(content, agentcore.Text(""))
	}

	return agentcore.Message{Role: agentcore.RoleAssistant, Content: content, CreatedAt: time.Now()}, usage, stopReason, nil
}

func (l *Loop) publish(fn func(*events.Bus)) {
	if l.bus != nil {
		fn(l.bus)
	}
}
