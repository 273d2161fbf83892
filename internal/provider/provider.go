// Package provider defines the Provider Port: the normalized interface every
// LLM vendor adapter implements so the turn loop never sees vendor-specific
// wire shapes.
//
// Grounded on internal/agent/provider_types.go's LLMProvider/CompletionChunk,
// generalized so StreamEvent is a single tagged type (matching how
// internal/agent/providers/anthropic.go's processStream already normalizes a
// vendor event switch into one emitted shape) instead of parallel chunk kinds.
package provider

import (
	"context"
	"encoding/json"

	"github.com/agentcore/agentcore/pkg/agentcore"
)

// EventKind discriminates StreamEvent.
type EventKind string

const (
	EventTextDelta     EventKind = "text_delta"
	EventThinkingDelta EventKind = "thinking_delta"
	EventToolUse       EventKind = "tool_use"
	EventStop          EventKind = "stop"
)

// StreamEvent is one normalized unit from a provider's completion stream.
type StreamEvent struct {
	Kind EventKind

	// TextDelta / ThinkingDelta payload.
	Delta string

	// ToolUse payload: a complete tool call (providers buffer partial JSON
	// argument deltas internally and emit one ToolUse event per call, the way
	// internal/agent/providers/anthropic.go buffers content_block_delta
	// events until content_block_stop).
	ToolUseID    string
	ToolName     string
	ToolInput    json.RawMessage

	// Stop payload.
	StopReason agentcore.StopReason
	Usage      agentcore.TokenUsage
	Err        error
}

// Model describes a provider-offered model's capabilities.
type Model struct {
	ID                 string
	ContextWindowTokens int
	SupportsTools      bool
	SupportsThinking   bool
}

// ToolDef is the provider-facing shape of a tool definition: just enough to
// advertise it to the model, independent of the tool.Tool execution contract.
type ToolDef struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// CompletionRequest is one turn's worth of input to a provider.
type CompletionRequest struct {
	Model        string
	System       string
	Messages     []agentcore.Message
	Tools        []ToolDef
	MaxTokens    int
	Temperature  float64
	StopSequences []string
}

// Provider is the normalized completion-streaming port. Complete returns
// immediately with a channel of StreamEvents; the final event is always
// EventStop (possibly carrying Err on a terminal failure). Implementations
// own their own retry policy for transient failures (rate limits, 5xx,
// dropped streams) — the channel never surfaces a retryable error, only a
// StopReason of StopError after retries are exhausted.
type Provider interface {
	Name() string
	Models() []Model
	Complete(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error)

	// CountTokens estimates the token cost of a set of messages, used by the
	// Conversation Manager to size a SlidingWindow budget. Providers without a
	// real tokenizer fall back to a char/4 heuristic (see EstimateTokens).
	CountTokens(messages []agentcore.Message) int
}

// EstimateTokens is the default char/4 token-count heuristic, matching
// internal/agent/providers/anthropic.go's CountTokens and
// internal/context/window.go's EstimateTokens.
func EstimateTokens(s string) int {
	n := len(s) / 4
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}
