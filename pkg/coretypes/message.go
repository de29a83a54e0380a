// Package coretypes defines the data model shared by the agent execution
// core: messages, content blocks, session log entries, and events.
package coretypes

import "encoding/json"

// Role identifies who authored a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is either a user or assistant turn. Content is either plain text
// (Text non-empty, Blocks nil) or an ordered sequence of ContentBlocks.
type Message struct {
	Role      Role          `json:"role"`
	Timestamp int64         `json:"timestamp"`
	Text      string        `json:"text,omitempty"`
	Blocks    []ContentBlock `json:"blocks,omitempty"`
}

// HasBlocks reports whether the message carries structured content blocks
// rather than plain text.
func (m Message) HasBlocks() bool {
	return len(m.Blocks) > 0
}

// ToolUses returns every tool_use block in the message, in order.
func (m Message) ToolUses() []ToolUseBlock {
	var out []ToolUseBlock
	for _, b := range m.Blocks {
		if tu, ok := b.(ToolUseBlock); ok {
			out = append(out, tu)
		}
	}
	return out
}

// ToolResults returns every tool_result block in the message, in order.
func (m Message) ToolResults() []ToolResultBlock {
	var out []ToolResultBlock
	for _, b := range m.Blocks {
		if tr, ok := b.(ToolResultBlock); ok {
			out = append(out, tr)
		}
	}
	return out
}

// IsToolResultMessage reports whether m is a user message whose blocks are
// entirely tool_result blocks (at least one, and nothing else).
func (m Message) IsToolResultMessage() bool {
	if m.Role != RoleUser || len(m.Blocks) == 0 {
		return false
	}
	for _, b := range m.Blocks {
		if _, ok := b.(ToolResultBlock); !ok {
			return false
		}
	}
	return true
}

// Text content of a message, concatenating all text blocks (or returning
// the plain-text field if no blocks are present).
func (m Message) PlainText() string {
	if !m.HasBlocks() {
		return m.Text
	}
	var out string
	for _, b := range m.Blocks {
		if tb, ok := b.(TextBlock); ok {
			out += tb.Text
		}
	}
	return out
}

// ContentBlock is the tagged-union interface implemented by TextBlock,
// ToolUseBlock, and ToolResultBlock.
type ContentBlock interface {
	BlockKind() string
}

// TextBlock is plain text content.
type TextBlock struct {
	Text string `json:"text"`
}

func (TextBlock) BlockKind() string { return "text" }

// ToolUseBlock is an assistant-only request to invoke a tool.
type ToolUseBlock struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

func (ToolUseBlock) BlockKind() string { return "tool_use" }

// ToolResultBlock is a user-only result for a prior ToolUseBlock.
type ToolResultBlock struct {
	ToolUseID string `json:"tool_use_id"`
	Name      string `json:"name,omitempty"`
	Content   string `json:"content"`
}

func (ToolResultBlock) BlockKind() string { return "tool_result" }

// rawBlock is the wire shape used to discriminate block kinds on decode.
type rawBlock struct {
	Kind      string         `json:"kind"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
}

// MarshalJSON renders the Message with blocks tagged by "kind".
func (m Message) MarshalJSON() ([]byte, error) {
	type alias struct {
		Role      Role       `json:"role"`
		Timestamp int64      `json:"timestamp"`
		Text      string     `json:"text,omitempty"`
		Blocks    []rawBlock `json:"blocks,omitempty"`
	}
	a := alias{Role: m.Role, Timestamp: m.Timestamp, Text: m.Text}
	for _, b := range m.Blocks {
		a.Blocks = append(a.Blocks, toRawBlock(b))
	}
	return json.Marshal(a)
}

// UnmarshalJSON restores blocks from their tagged wire shape.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role      Role       `json:"role"`
		Timestamp int64      `json:"timestamp"`
		Text      string     `json:"text,omitempty"`
		Blocks    []rawBlock `json:"blocks,omitempty"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	m.Role, m.Timestamp, m.Text = a.Role, a.Timestamp, a.Text
	m.Blocks = nil
	for _, rb := range a.Blocks {
		if b, ok := fromRawBlock(rb); ok {
			m.Blocks = append(m.Blocks, b)
		}
	}
	return nil
}

func toRawBlock(b ContentBlock) rawBlock {
	switch v := b.(type) {
	case TextBlock:
		return rawBlock{Kind: "text", Text: v.Text}
	case ToolUseBlock:
		return rawBlock{Kind: "tool_use", ID: v.ID, Name: v.Name, Input: v.Input}
	case ToolResultBlock:
		return rawBlock{Kind: "tool_result", ToolUseID: v.ToolUseID, Name: v.Name, Content: v.Content}
	default:
		return rawBlock{}
	}
}

func fromRawBlock(rb rawBlock) (ContentBlock, bool) {
	switch rb.Kind {
	case "text":
		return TextBlock{Text: rb.Text}, true
	case "tool_use":
		return ToolUseBlock{ID: rb.ID, Name: rb.Name, Input: rb.Input}, true
	case "tool_result":
		return ToolResultBlock{ToolUseID: rb.ToolUseID, Name: rb.Name, Content: rb.Content}, true
	default:
		// Forward-compat: skip unknown block kinds.
		return nil, false
	}
}
