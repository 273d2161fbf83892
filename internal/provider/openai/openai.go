// Package openai implements the Provider Port over OpenAI's chat completions
// API.
//
// Grounded on internal/agent/providers/openai.go in full: the index-keyed
// tool-call assembly across delta chunks, the multi-content vision message
// shape, and the per-message tool-result splitting. As with the anthropic
// adapter, the manual retry loop is replaced with internal/backoff.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentcore/agentcore/internal/backoff"
	"github.com/agentcore/agentcore/internal/provider"
	"github.com/agentcore/agentcore/pkg/agentcore"
)

// Config configures a Provider instance.
type Config struct {
	APIKey      string
	BaseURL     string
	MaxRetries  int
	RetryPolicy backoff.BackoffPolicy
}

// Provider implements provider.Provider over OpenAI's chat completions API.
type Provider struct {
	client      *openai.Client
	maxRetries  int
	retryPolicy backoff.BackoffPolicy
}

// New creates an OpenAI-backed Provider.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryPolicy == (backoff.BackoffPolicy{}) {
		cfg.RetryPolicy = backoff.DefaultPolicy()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Provider{
		client:      openai.NewClientWithConfig(clientCfg),
		maxRetries:  cfg.MaxRetries,
		retryPolicy: cfg.RetryPolicy,
	}, nil
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) Models() []provider.Model {
	return []provider.Model{
		{ID: "gpt-4o", ContextWindowTokens: 128000, SupportsTools: true},
		{ID: "gpt-4-turbo", ContextWindowTokens: 128000, SupportsTools: true},
		{ID: "gpt-4", ContextWindowTokens: 8192, SupportsTools: true},
		{ID: "gpt-3.5-turbo", ContextWindowTokens: 16385, SupportsTools: true},
	}
}

func (p *Provider) Complete(ctx context.Context, req provider.CompletionRequest) (<-chan provider.StreamEvent, error) {
	events := make(chan provider.StreamEvent)

	messages, err := convertMessages(req.Messages, req.System)
	if err != nil {
		return nil, fmt.Errorf("openai: failed to convert messages: %w", err)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
	}

	go func() {
		defer close(events)

		result, err := backoff.RetryWithBackoff(ctx, p.retryPolicy, p.maxRetries+1,
			func(attempt int) (*openai.ChatCompletionStream, error) {
				stream, createErr := p.client.CreateChatCompletionStream(ctx, chatReq)
				if createErr == nil {
					return stream, nil
				}
				if !isRetryable(createErr) {
					return nil, nonRetryable{createErr}
				}
				return nil, createErr
			},
		)
		if err != nil {
			if nr, ok := result.LastError.(nonRetryable); ok {
				events <- provider.StreamEvent{Kind: provider.EventStop, StopReason: agentcore.StopError, Err: nr.err}
				return
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				events <- provider.StreamEvent{Kind: provider.EventStop, StopReason: agentcore.StopCancelled, Err: err}
				return
			}
			events <- provider.StreamEvent{
				Kind: provider.EventStop, StopReason: agentcore.StopError,
				Err: fmt.Errorf("openai: max retries exceeded: %w", result.LastError),
			}
			return
		}

		processStream(ctx, result.Value, events)
	}()

	return events, nil
}

type nonRetryable struct{ err error }

func (e nonRetryable) Error() string { return e.err.Error() }

// pendingToolCall accumulates a tool call's ID/name/arguments across streamed
// deltas, indexed by OpenAI's per-call Index.
type pendingToolCall struct {
	id   string
	name string
	args strings.Builder
}

func processStream(ctx context.Context, stream *openai.ChatCompletionStream, events chan<- provider.StreamEvent) {
	defer stream.Close()

	toolCalls := make(map[int]*pendingToolCall)
	var usage agentcore.TokenUsage

	emit := func(calls map[int]*pendingToolCall) {
		for i := 0; i < len(calls); i++ {
			tc, ok := calls[i]
			if !ok || tc.id == "" || tc.name == "" {
				continue
			}
			events <- provider.StreamEvent{
				Kind: provider.EventToolUse, ToolUseID: tc.id, ToolName: tc.name,
				ToolInput: json.RawMessage(tc.args.String()),
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			events <- provider.StreamEvent{Kind: provider.EventStop, StopReason: agentcore.StopCancelled, Err: ctx.Err()}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				emit(toolCalls)
				events <- provider.StreamEvent{Kind: provider.EventStop, StopReason: agentcore.StopEndTurn, Usage: usage}
				return
			}
			events <- provider.StreamEvent{Kind: provider.EventStop, StopReason: agentcore.StopError, Err: fmt.Errorf("openai: stream error: %w", err)}
			return
		}

		if resp.Usage != nil {
			usage.InputTokens = resp.Usage.PromptTokens
			usage.OutputTokens = resp.Usage.CompletionTokens
		}

		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			events <- provider.StreamEvent{Kind: provider.EventTextDelta, Delta: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &pendingToolCall{}
			}
			if tc.ID != "" {
				toolCalls[index].id = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[index].args.WriteString(tc.Function.Arguments)
			}
		}

		if choice.FinishReason == "tool_calls" {
			emit(toolCalls)
			toolCalls = make(map[int]*pendingToolCall)
			events <- provider.StreamEvent{Kind: provider.EventStop, StopReason: agentcore.StopToolUse, Usage: usage}
			return
		}
	}
}

func convertMessages(messages []agentcore.Message, system string) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, msg := range messages {
		switch msg.Role {
		case agentcore.RoleUser:
			oaiMsg, err := userMessage(msg)
			if err != nil {
				return nil, err
			}
			result = append(result, oaiMsg)

			for _, b := range msg.Content {
				if b.Type == agentcore.BlockToolResult {
					result = append(result, openai.ChatCompletionMessage{
						Role:       openai.ChatMessageRoleTool,
						Content:    renderToolResultText(b),
						ToolCallID: b.ToolUseID,
					})
				}
			}

		case agentcore.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
			var texts []string
			for _, b := range msg.Content {
				if b.Type == agentcore.BlockText {
					texts = append(texts, b.Text)
				}
			}
			oaiMsg.Content = strings.Join(texts, "")

			var calls []openai.ToolCall
			for _, b := range msg.Content {
				if b.Type == agentcore.BlockToolUse {
					calls = append(calls, openai.ToolCall{
						ID:   b.ToolUseID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      b.ToolName,
							Arguments: string(b.ToolInput),
						},
					})
				}
			}
			if len(calls) > 0 {
				oaiMsg.ToolCalls = calls
			}
			result = append(result, oaiMsg)
		}
	}

	return result, nil
}

// userMessage builds one ChatCompletionMessage for a user turn, switching to
// the multi-content vision shape only when image blocks are present.
func userMessage(msg agentcore.Message) (openai.ChatCompletionMessage, error) {
	var text strings.Builder
	hasImage := false
	for _, b := range msg.Content {
		if b.Type == agentcore.BlockImage {
			hasImage = true
		}
	}

	if !hasImage {
		for _, b := range msg.Content {
			if b.Type == agentcore.BlockText {
				text.WriteString(b.Text)
			}
		}
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text.String()}, nil
	}

	var parts []openai.ChatMessagePart
	for _, b := range msg.Content {
		switch b.Type {
		case agentcore.BlockText:
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: b.Text})
		case agentcore.BlockImage:
			url := b.SourceURL
			if url == "" && len(b.SourceData) > 0 {
				url = fmt.Sprintf("data:%s;base64,%s", b.MediaType, base64.StdEncoding.EncodeToString(b.SourceData))
			}
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: url, Detail: openai.ImageURLDetailAuto},
			})
		}
	}
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}, nil
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

func convertTools(tools []provider.ToolDef) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, t := range tools {
		schemaMap := map[string]any{"type": "object", "properties": map[string]any{}}
		if len(t.InputSchema) > 0 {
			_ = json.Unmarshal(t.InputSchema, &schemaMap)
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, substr := range []string{
		"rate limit", "429",
		"500", "502", "503", "504",
		"timeout", "deadline exceeded",
	} {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

func (p *Provider) CountTokens(messages []agentcore.Message) int {
	total := 0
	for _, msg := range messages {
		for _, b := range msg.Content {
			total += provider.EstimateTokens(b.Text)
			total += len(b.ToolInput) / 4
			for _, inner := range b.ToolResultContent {
				total += provider.EstimateTokens(inner.Text)
			}
		}
	}
	return total
}
