// Package agentcore defines the content and message model shared by every
// component of the runtime: providers, tools, the turn loop, and the session
// store all exchange values of these types rather than anything vendor-specific.
package agentcore

import (
	"encoding/json"
	"time"
)

// Role identifies who authored a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// BlockType discriminates the variants of ContentBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockDocument   BlockType = "document"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockThinking   BlockType = "thinking"
)

// ContentBlock is a tagged union over the kinds of content a Message can carry.
// Exactly the fields relevant to Type are populated; the rest are zero.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// Text carries BlockText content, and the rendered caption/text of other
	// block types where one is present.
	Text string `json:"text,omitempty"`

	// Thinking carries BlockThinking content (model-internal reasoning, when
	// the provider exposes it).
	Thinking string `json:"thinking,omitempty"`

	// Image/Document payload. Source is either inline base64 bytes (SourceBytes)
	// or a reference to previously-uploaded media (SourceURL); exactly one is set.
	MediaType  string `json:"media_type,omitempty"`
	SourceURL  string `json:"source_url,omitempty"`
	SourceData []byte `json:"source_data,omitempty"`

	// ToolUse fields.
	ToolUseID   string          `json:"tool_use_id,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	ToolInput   json.RawMessage `json:"tool_input,omitempty"`

	// ToolResult fields. ToolUseID correlates back to the ToolUse block that
	// requested this result. Content holds zero or more nested blocks (usually
	// a single Text block, but tools may return images/documents too).
	ToolResultContent []ContentBlock `json:"tool_result_content,omitempty"`
	IsError           bool           `json:"is_error,omitempty"`
}

// Text constructs a BlockText content block.
func Text(s string) ContentBlock { return ContentBlock{Type: BlockText, Text: s} }

// Thinking constructs a BlockThinking content block.
func ThinkingBlock(s string) ContentBlock { return ContentBlock{Type: BlockThinking, Thinking: s} }

// ToolUse constructs a BlockToolUse content block.
func ToolUse(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ToolUseID: id, ToolName: name, ToolInput: input}
}

// ToolResult constructs a BlockToolResult content block carrying text output.
func ToolResultText(toolUseID, text string, isError bool) ContentBlock {
	return ContentBlock{
		Type:              BlockToolResult,
		ToolUseID:         toolUseID,
		ToolResultContent: []ContentBlock{Text(text)},
		IsError:           isError,
	}
}

// Message is a single turn in a conversation: a role and an ordered list of
// content blocks. Assistant messages produced by the turn loop must contain at
// least one block (see ErrEmptyAssistantMessage).
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`

	// CreatedAt is set by whoever appends the message to history; it is not
	// interpreted by the turn loop itself.
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// ToolUseBlocks returns the ToolUse blocks in the message, in order.
func (m Message) ToolUseBlocks() []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// ToolResultBlocks returns the ToolResult blocks in the message, in order.
func (m Message) ToolResultBlocks() []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Content {
		if b.Type == BlockToolResult {
			out = append(out, b)
		}
	}
	return out
}

// HasToolUse reports whether the message requests any tool calls.
func (m Message) HasToolUse() bool {
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			return true
		}
	}
	return false
}

// StopReason is why a completion stream ended.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopToolUse      StopReason = "tool_use"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
	StopCancelled    StopReason = "cancelled"
	StopError        StopReason = "error"
)

// TokenUsage reports the provider-billed token counts for one completion.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ContextUsage reports how much of the active model's context budget a packed
// conversation consumed, from the Conversation Manager.
type ContextUsage struct {
	Used   int `json:"used"`
	Budget int `json:"budget"`
}

// Remaining returns the unused portion of the budget (never negative).
func (u ContextUsage) Remaining() int {
	if u.Used >= u.Budget {
		return 0
	}
	return u.Budget - u.Used
}
