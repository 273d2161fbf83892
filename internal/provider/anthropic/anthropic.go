// Package anthropic implements the Provider Port over Anthropic's Messages API.
//
// Grounded on internal/agent/providers/anthropic.go in full: the goroutine +
// channel streaming shape, the processStream event switch that normalizes
// Anthropic's SSE events, and the retryable-error classification. The manual
// exponential-backoff loop is replaced with internal/backoff's
// RetryWithBackoff, reusing the teacher's own backoff package instead of a
// hand-rolled math.Pow loop — the teacher carries that package but its own
// anthropic.go predates it and never adopted it; we do.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/agentcore/agentcore/internal/backoff"
	"github.com/agentcore/agentcore/internal/provider"
	"github.com/agentcore/agentcore/pkg/agentcore"
)

// Config configures a Provider instance.
type Config struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryPolicy  backoff.BackoffPolicy
	DefaultModel string
}

// Provider implements provider.Provider over Anthropic's Messages API.
type Provider struct {
	client       anthropic.Client
	maxRetries   int
	retryPolicy  backoff.BackoffPolicy
	defaultModel string
}

// New creates an Anthropic-backed Provider.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryPolicy == (backoff.BackoffPolicy{}) {
		cfg.RetryPolicy = backoff.DefaultPolicy()
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Provider{
		client:       anthropic.NewClient(opts...),
		maxRetries:   cfg.MaxRetries,
		retryPolicy:  cfg.RetryPolicy,
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) Models() []provider.Model {
	return []provider.Model{
		{ID: "claude-sonnet-4-20250514", ContextWindowTokens: 200000, SupportsTools: true, SupportsThinking: true},
		{ID: "claude-opus-4-20250514", ContextWindowTokens: 200000, SupportsTools: true, SupportsThinking: true},
		{ID: "claude-3-5-sonnet-20241022", ContextWindowTokens: 200000, SupportsTools: true},
		{ID: "claude-3-haiku-20240307", ContextWindowTokens: 200000, SupportsTools: true},
	}
}

// Complete streams a completion, retrying stream-creation failures with
// exponential backoff and surfacing only a final success or a terminal
// EventStop{Err: ...} — the turn loop never sees a retryable error.
func (p *Provider) Complete(ctx context.Context, req provider.CompletionRequest) (<-chan provider.StreamEvent, error) {
	events := make(chan provider.StreamEvent)

	go func() {
		defer close(events)

		model := p.model(req.Model)
		result, err := backoff.RetryWithBackoff(ctx, p.retryPolicy, p.maxRetries+1,
			func(attempt int) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
				stream, createErr := p.createStream(ctx, req)
				if createErr == nil {
					return stream, nil
				}
				wrapped := p.wrapError(createErr, model)
				if !isRetryable(wrapped) {
					return nil, backoffNonRetryable{wrapped}
				}
				return nil, wrapped
			},
		)
		if err != nil {
			if nr, ok := result.LastError.(backoffNonRetryable); ok {
				events <- provider.StreamEvent{Kind: provider.EventStop, StopReason: agentcore.StopError, Err: nr.err}
				return
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				events <- provider.StreamEvent{Kind: provider.EventStop, StopReason: agentcore.StopCancelled, Err: err}
				return
			}
			events <- provider.StreamEvent{
				Kind: provider.EventStop, StopReason: agentcore.StopError,
				Err: fmt.Errorf("anthropic: max retries exceeded: %w", result.LastError),
			}
			return
		}

		p.processStream(result.Value, events, model)
	}()

	return events, nil
}

// backoffNonRetryable wraps a terminal (non-retryable) error so RetryWithBackoff
// stops immediately instead of burning through its attempt budget.
type backoffNonRetryable struct{ err error }

func (e backoffNonRetryable) Error() string { return e.err.Error() }

func (p *Provider) createStream(ctx context.Context, req provider.CompletionRequest) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req.Model)),
		Messages:  messages,
		MaxTokens: int64(p.maxTokens(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	return p.client.Messages.NewStreaming(ctx, params), nil
}

// maxEmptyStreamEvents bounds consecutive no-op SSE events before the stream
// is treated as malformed, matching internal/agent/providers/anthropic.go.
const maxEmptyStreamEvents = 300

func (p *Provider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- provider.StreamEvent, model string) {
	var toolID, toolName string
	var toolInput strings.Builder
	inTool := false
	emptyCount := 0

	var usage agentcore.TokenUsage

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				usage.InputTokens = int(ms.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			cb := event.AsContentBlockStart().ContentBlock
			switch cb.Type {
			case "tool_use":
				tu := cb.AsToolUse()
				toolID, toolName = tu.ID, tu.Name
				toolInput.Reset()
				inTool = true
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					events <- provider.StreamEvent{Kind: provider.EventTextDelta, Delta: delta.Text}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					events <- provider.StreamEvent{Kind: provider.EventThinkingDelta, Delta: delta.Thinking}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if inTool {
				events <- provider.StreamEvent{
					Kind: provider.EventToolUse, ToolUseID: toolID, ToolName: toolName,
					ToolInput: json.RawMessage(toolInput.String()),
				}
				inTool = false
				processed = true
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(md.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			events <- provider.StreamEvent{Kind: provider.EventStop, StopReason: agentcore.StopEndTurn, Usage: usage}
			return

		case "error":
			events <- provider.StreamEvent{
				Kind: provider.EventStop, StopReason: agentcore.StopError,
				Err: p.wrapError(errors.New("anthropic stream error"), model),
			}
			return
		}

		if processed {
			emptyCount = 0
		} else {
			emptyCount++
			if emptyCount >= maxEmptyStreamEvents {
				events <- provider.StreamEvent{
					Kind: provider.EventStop, StopReason: agentcore.StopError,
					Err: p.wrapError(fmt.Errorf("stream appears malformed: %d consecutive empty events", emptyCount), model),
				}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		events <- provider.StreamEvent{Kind: provider.EventStop, StopReason: agentcore.StopError, Err: p.wrapError(err, model)}
	}
}

func convertMessages(messages []agentcore.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == agentcore.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		for _, b := range msg.Content {
			switch b.Type {
			case agentcore.BlockText:
				content = append(content, anthropic.NewTextBlock(b.Text))
			case agentcore.BlockToolResult:
				content = append(content, anthropic.NewToolResultBlock(b.ToolUseID, renderToolResultText(b), b.IsError))
			case agentcore.BlockToolUse:
				var input map[string]any
				if len(b.ToolInput) > 0 {
					if err := json.Unmarshal(b.ToolInput, &input); err != nil {
						return nil, fmt.Errorf("invalid tool call input: %w", err)
					}
				}
				content = append(content, anthropic.NewToolUseBlock(b.ToolUseID, input, b.ToolName))
			}
		}

		var message anthropic.MessageParam
		if msg.Role == agentcore.RoleAssistant {
			message = anthropic.NewAssistantMessage(content...)
		} else {
			message = anthropic.NewUserMessage(content...)
		}
		result = append(result, message)
	}
	return result, nil
}

func renderToolResultText(b agentcore.ContentBlock) string {
	var sb strings.Builder
	for _, inner := range b.ToolResultContent {
		if inner.Type == agentcore.BlockText {
			sb.WriteString(inner.Text)
		}
	}
	return sb.String()
}

func convertTools(tools []provider.ToolDef) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", t.Name)
		}
		toolParam.OfTool.Description = anthropic.String(t.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

func (p *Provider) model(m string) string {
	if m == "" {
		return p.defaultModel
	}
	return m
}

func (p *Provider) maxTokens(m int) int {
	if m <= 0 {
		return 4096
	}
	return m
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if pe, ok := AsProviderError(err); ok {
		return pe.Retryable
	}
	msg := err.Error()
	for _, substr := range []string{
		"rate_limit", "429", "too many requests",
		"500", "502", "503", "504", "internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

// ProviderError is a structured, categorized error from a provider call.
type ProviderError struct {
	Provider  string
	Model     string
	Status    int
	Code      string
	RequestID string
	Message   string
	Retryable bool
	Cause     error
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Provider, e.Cause)
	}
	return e.Provider + ": request failed"
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// AsProviderError extracts a *ProviderError via errors.As.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	ok := errors.As(err, &pe)
	return pe, ok
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *Provider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if pe, ok := AsProviderError(err); ok {
		return pe
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe := &ProviderError{Provider: "anthropic", Model: model, Cause: err, Status: apiErr.StatusCode}
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				pe.Message = payload.Error.Message
				pe.Code = payload.Error.Type
				pe.RequestID = payload.RequestID
			}
		}
		if pe.Message == "" {
			pe.Message = "anthropic request failed"
		}
		pe.Retryable = isRetryable(fmt.Errorf("%d", pe.Status)) || isRetryable(err)
		return pe
	}

	return &ProviderError{Provider: "anthropic", Model: model, Cause: err, Message: err.Error(), Retryable: isRetryable(err)}
}

// CountTokens is the char/4 heuristic, matching the teacher's own CountTokens
// and internal/context/window.go's EstimateTokens.
func (p *Provider) CountTokens(messages []agentcore.Message) int {
	total := 0
	for _, msg := range messages {
		for _, b := range msg.Content {
			total += provider.EstimateTokens(b.Text)
			total += provider.EstimateTokens(b.Thinking)
			total += len(b.ToolInput) / 4
			for _, inner := range b.ToolResultContent {
				total += provider.EstimateTokens(inner.Text)
			}
		}
	}
	return total
}
