package provider

import (
	"encoding/json"

	"github.com/cloudwego/eino/schema"

	"github.com/agentcore/opencode-core/pkg/coretypes"
)

// ConvertToEinoMessages translates session-log messages into the Eino
// message shape a chat model consumes, expanding tool_use/tool_result
// blocks into their ToolCalls/Tool-role equivalents.
func ConvertToEinoMessages(messages []coretypes.Message) []*schema.Message {
	result := make([]*schema.Message, 0, len(messages))
	for _, m := range messages {
		if m.IsToolResultMessage() {
			for _, tr := range m.ToolResults() {
				result = append(result, &schema.Message{
					Role:       schema.Tool,
					Content:    tr.Content,
					ToolCallID: tr.ToolUseID,
				})
			}
			continue
		}

		role := schema.User
		if m.Role == coretypes.RoleAssistant {
			role = schema.Assistant
		}

		msg := &schema.Message{Role: role, Content: m.PlainText()}
		for _, tu := range m.ToolUses() {
			args, _ := json.Marshal(tu.Input)
			msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{
				ID: tu.ID,
				Function: schema.FunctionCall{
					Name:      tu.Name,
					Arguments: string(args),
				},
			})
		}
		result = append(result, msg)
	}
	return result
}

// ConvertFromEinoMessage translates one completed Eino message (e.g. the
// accumulated result of a stream) back into the session-log shape.
func ConvertFromEinoMessage(msg *schema.Message) coretypes.Message {
	role := coretypes.RoleUser
	if msg.Role == schema.Assistant {
		role = coretypes.RoleAssistant
	}

	out := coretypes.Message{Role: role, Text: msg.Content}
	if len(msg.ToolCalls) > 0 {
		out.Text = ""
		if msg.Content != "" {
			out.Blocks = append(out.Blocks, coretypes.TextBlock{Text: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
			out.Blocks = append(out.Blocks, coretypes.ToolUseBlock{
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: input,
			})
		}
	}
	return out
}
