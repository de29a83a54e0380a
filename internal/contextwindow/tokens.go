// Package contextwindow implements token estimation, three-layer
// pruning, and summarization-based compaction for keeping a session's
// message history inside the model's context window.
package contextwindow

import (
	"fmt"
	"strings"

	"github.com/agentcore/opencode-core/pkg/coretypes"
)

// charsPerToken is the simple heuristic used throughout: one token is
// approximated as four characters of serialized text.
const charsPerToken = 4

// EstimateTokens returns the estimated token count for text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// MessageChars returns the serialized character count of a message,
// summed across its blocks' text content.
func MessageChars(msg coretypes.Message) int {
	if !msg.HasBlocks() {
		return len(msg.Text)
	}
	total := 0
	for _, b := range msg.Blocks {
		switch v := b.(type) {
		case coretypes.TextBlock:
			total += len(v.Text)
		case coretypes.ToolUseBlock:
			total += len(v.Name) + len(fmt.Sprint(v.Input))
		case coretypes.ToolResultBlock:
			total += len(v.Content)
		}
	}
	return total
}

// MessageTokens returns the estimated token count for one message.
func MessageTokens(msg coretypes.Message) int {
	return (MessageChars(msg) + charsPerToken - 1) / charsPerToken
}

// TotalTokens sums MessageTokens across messages.
func TotalTokens(messages []coretypes.Message) int {
	total := 0
	for _, m := range messages {
		total += MessageTokens(m)
	}
	return total
}

// TotalChars sums MessageChars across messages.
func TotalChars(messages []coretypes.Message) int {
	total := 0
	for _, m := range messages {
		total += MessageChars(m)
	}
	return total
}

func truncatedHeadTail(s string, head, tail int, label string) string {
	if len(s) <= head+tail {
		return s
	}
	var b strings.Builder
	b.WriteString(s[:head])
	b.WriteString("\n...\n")
	b.WriteString(s[len(s)-tail:])
	b.WriteString(label)
	return b.String()
}
