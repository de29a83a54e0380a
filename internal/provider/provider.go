// Package provider adapts LLM backends (Anthropic, OpenAI, Ark) behind
// a single typed streaming interface, built on Eino chat models.
package provider

import (
	"context"
	"encoding/json"
	"io"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Provider is an LLM backend capable of streaming a completion as a
// typed event sequence.
type Provider interface {
	// ID returns the provider identifier.
	ID() string

	// Name returns the human-readable provider name.
	Name() string

	// Models returns the list of available models.
	Models() []Model

	// Stream starts a streaming completion, returning an EventStream
	// the caller drains with Recv until io.EOF.
	Stream(ctx context.Context, req *CompletionRequest) (*EventStream, error)
}

// Model describes one model a Provider can serve.
type Model struct {
	ID                string
	Name              string
	ProviderID        string
	ContextLength     int
	MaxOutputTokens   int
	SupportsTools     bool
	SupportsVision    bool
	SupportsReasoning bool
	InputPrice        float64
	OutputPrice       float64
}

// CompletionRequest is the opts bundle passed to a provider stream
// call: {maxTokens, signal (ctx), temperature?, reasoning?}
// plus the messages and tool schema for this turn.
type CompletionRequest struct {
	Model       string
	Messages    []*schema.Message
	Tools       []*schema.ToolInfo
	MaxTokens   int
	Temperature float64
	Reasoning   string
}

// StreamEventKind is the closed set of events a provider stream emits.
type StreamEventKind string

const (
	StreamTextDelta     StreamEventKind = "text_delta"
	StreamTextEnd       StreamEventKind = "text_end"
	StreamThinkingDelta StreamEventKind = "thinking_delta"
	StreamThinkingEnd   StreamEventKind = "thinking_end"
	StreamToolCallStart StreamEventKind = "toolcall_start"
	StreamToolCallEnd   StreamEventKind = "toolcall_end"
	StreamError         StreamEventKind = "error"
)

// ToolCall is the assembled tool call payload carried by toolcall_end.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// StreamEvent is one item of the typed sequence a provider stream
// yields.
type StreamEvent struct {
	Kind         StreamEventKind
	Delta        string
	Content      string
	ToolCall     *ToolCall
	ErrorMessage string
}

// EventStream wraps an Eino message stream, translating incremental
// *schema.Message chunks into the typed StreamEvent sequence this
// package's callers (the agent loop) consume.
type EventStream struct {
	reader *schema.StreamReader[*schema.Message]

	textStarted bool
	textBuf     string

	thinkingStarted bool

	activeToolCall *toolCallAccumulator
	pending        []StreamEvent
}

type toolCallAccumulator struct {
	id   string
	name string
	args string
}

// NewEventStream wraps a raw Eino stream reader.
func NewEventStream(reader *schema.StreamReader[*schema.Message]) *EventStream {
	return &EventStream{reader: reader}
}

// Recv returns the next typed event, or io.EOF once the underlying
// stream and any final bookkeeping events (text_end, toolcall_end) are
// exhausted.
func (s *EventStream) Recv() (StreamEvent, error) {
	if len(s.pending) > 0 {
		ev := s.pending[0]
		s.pending = s.pending[1:]
		return ev, nil
	}

	chunk, err := s.reader.Recv()
	if err == io.EOF {
		s.flushTerminal()
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		return StreamEvent{}, io.EOF
	}
	if err != nil {
		return StreamEvent{Kind: StreamError, ErrorMessage: err.Error()}, nil
	}

	s.translateChunk(chunk)
	if len(s.pending) == 0 {
		// No event derived from this chunk (e.g. an empty keepalive);
		// recurse to pull the next one.
		return s.Recv()
	}
	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, nil
}

func (s *EventStream) translateChunk(chunk *schema.Message) {
	if chunk.Content != "" {
		if s.thinkingStarted {
			s.pending = append(s.pending, StreamEvent{Kind: StreamThinkingEnd})
			s.thinkingStarted = false
		}
		s.textStarted = true
		s.textBuf += chunk.Content
		s.pending = append(s.pending, StreamEvent{Kind: StreamTextDelta, Delta: chunk.Content})
	}

	if chunk.ReasoningContent != "" {
		s.thinkingStarted = true
		s.pending = append(s.pending, StreamEvent{Kind: StreamThinkingDelta, Delta: chunk.ReasoningContent})
	}

	for _, tc := range chunk.ToolCalls {
		s.translateToolCallDelta(tc)
	}
}

func (s *EventStream) translateToolCallDelta(tc schema.ToolCall) {
	id := tc.ID
	if s.activeToolCall == nil {
		s.activeToolCall = &toolCallAccumulator{id: id}
		s.pending = append(s.pending, StreamEvent{Kind: StreamToolCallStart})
	} else if id != "" && id != s.activeToolCall.id {
		s.closeActiveToolCall()
		s.activeToolCall = &toolCallAccumulator{id: id}
		s.pending = append(s.pending, StreamEvent{Kind: StreamToolCallStart})
	}

	if tc.Function.Name != "" {
		s.activeToolCall.name = tc.Function.Name
	}
	s.activeToolCall.args += tc.Function.Arguments
}

func (s *EventStream) closeActiveToolCall() {
	if s.activeToolCall == nil {
		return
	}
	s.pending = append(s.pending, StreamEvent{
		Kind: StreamToolCallEnd,
		ToolCall: &ToolCall{
			ID:        s.activeToolCall.id,
			Name:      s.activeToolCall.name,
			Arguments: s.activeToolCall.args,
		},
	})
	s.activeToolCall = nil
}

func (s *EventStream) flushTerminal() {
	if s.activeToolCall != nil {
		s.closeActiveToolCall()
	}
	if s.thinkingStarted {
		s.pending = append(s.pending, StreamEvent{Kind: StreamThinkingEnd})
		s.thinkingStarted = false
	}
	if s.textStarted {
		s.pending = append(s.pending, StreamEvent{Kind: StreamTextEnd, Content: s.textBuf})
		s.textStarted = false
	}
}

// Close releases the underlying stream.
func (s *EventStream) Close() {
	s.reader.Close()
}

// ConvertToEinoTools converts JSON-Schema tool definitions to Eino's
// ToolInfo/ParameterInfo shape, shared by every concrete provider.
func ConvertToEinoTools(tools []ToolInfo) []*schema.ToolInfo {
	result := make([]*schema.ToolInfo, len(tools))
	for i, t := range tools {
		var params map[string]*schema.ParameterInfo
		if len(t.Parameters) > 0 {
			params = parseJSONSchemaToParams(t.Parameters)
		}
		result[i] = &schema.ToolInfo{
			Name:        t.Name,
			Desc:        t.Description,
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		}
	}
	return result
}

// ToolInfo is the provider-agnostic tool definition passed in by the
// tool registry.
type ToolInfo struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

func parseJSONSchemaToParams(schemaJSON json.RawMessage) map[string]*schema.ParameterInfo {
	var jsonSchema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schemaJSON, &jsonSchema); err != nil {
		return nil
	}

	requiredSet := make(map[string]bool)
	for _, r := range jsonSchema.Required {
		requiredSet[r] = true
	}

	params := make(map[string]*schema.ParameterInfo)
	for name, prop := range jsonSchema.Properties {
		paramType := schema.String
		switch prop.Type {
		case "integer":
			paramType = schema.Integer
		case "number":
			paramType = schema.Number
		case "boolean":
			paramType = schema.Boolean
		case "array":
			paramType = schema.Array
		case "object":
			paramType = schema.Object
		}
		params[name] = &schema.ParameterInfo{Type: paramType, Desc: prop.Description, Required: requiredSet[name]}
	}
	return params
}

// bindTools returns chatModel with tools bound, or chatModel unchanged
// if req carries none.
func bindTools(chatModel model.ToolCallingChatModel, tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	if len(tools) == 0 {
		return chatModel, nil
	}
	return chatModel.WithTools(tools)
}
