package provider

import (
	"context"
	"fmt"
	"os"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino-ext/components/model/claude"
)

// AnthropicProvider implements Provider against Claude models.
type AnthropicProvider struct {
	chatModel model.ToolCallingChatModel
	models    []Model
	config    *AnthropicConfig
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	ID        string
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int

	Thinking *claude.Thinking

	UseBedrock bool
	Region     string
	Profile    string
}

// NewAnthropicProvider creates a new Anthropic-backed Provider.
func NewAnthropicProvider(ctx context.Context, config *AnthropicConfig) (*AnthropicProvider, error) {
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" && !config.UseBedrock {
		return nil, fmt.Errorf("provider: ANTHROPIC_API_KEY not set")
	}

	modelID := config.Model
	if modelID == "" {
		modelID = "claude-sonnet-4-20250514"
	}

	var chatModel model.ToolCallingChatModel
	var err error
	if config.UseBedrock {
		bedrockModel := "anthropic." + modelID + "-v1:0"
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			ByBedrock: true,
			Region:    config.Region,
			Profile:   config.Profile,
			Model:     bedrockModel,
			MaxTokens: config.MaxTokens,
			Thinking:  config.Thinking,
		})
	} else {
		cfg := &claude.Config{
			APIKey:    apiKey,
			Model:     modelID,
			MaxTokens: config.MaxTokens,
			Thinking:  config.Thinking,
		}
		if config.BaseURL != "" {
			cfg.BaseURL = &config.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("provider: create claude model: %w", err)
	}

	return &AnthropicProvider{chatModel: chatModel, models: anthropicModels(), config: config}, nil
}

func (p *AnthropicProvider) ID() string {
	if p.config.ID != "" {
		return p.config.ID
	}
	return "anthropic"
}

func (p *AnthropicProvider) Name() string    { return "Anthropic" }
func (p *AnthropicProvider) Models() []Model { return p.models }

// Stream starts a streaming completion against Claude, translating the
// Eino message stream into the typed StreamEvent sequence.
func (p *AnthropicProvider) Stream(ctx context.Context, req *CompletionRequest) (*EventStream, error) {
	chatModel, err := bindTools(p.chatModel, req.Tools)
	if err != nil {
		return nil, fmt.Errorf("provider: bind tools: %w", err)
	}

	stream, err := chatModel.Stream(ctx, req.Messages,
		model.WithMaxTokens(req.MaxTokens),
		model.WithTemperature(float32(req.Temperature)),
	)
	if err != nil {
		return nil, fmt.Errorf("provider: create stream: %w", err)
	}

	return NewEventStream(stream), nil
}

func anthropicModels() []Model {
	return []Model{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ProviderID: "anthropic", ContextLength: 200000, MaxOutputTokens: 64000, SupportsTools: true, SupportsVision: true, InputPrice: 3.0, OutputPrice: 15.0},
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ProviderID: "anthropic", ContextLength: 200000, MaxOutputTokens: 32000, SupportsTools: true, SupportsVision: true, SupportsReasoning: true, InputPrice: 15.0, OutputPrice: 75.0},
		{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet", ProviderID: "anthropic", ContextLength: 200000, MaxOutputTokens: 8192, SupportsTools: true, SupportsVision: true, InputPrice: 3.0, OutputPrice: 15.0},
		{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", ProviderID: "anthropic", ContextLength: 200000, MaxOutputTokens: 8192, SupportsTools: true, SupportsVision: true, InputPrice: 0.8, OutputPrice: 4.0},
	}
}
