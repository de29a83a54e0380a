package provider

import (
	"context"
	"fmt"
	"os"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino-ext/components/model/openai"
)

// OpenAIProvider implements Provider against OpenAI (and compatible)
// chat models.
type OpenAIProvider struct {
	chatModel model.ToolCallingChatModel
	models    []Model
	config    *OpenAIConfig
}

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	ID        string
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int

	UseAzure   bool
	APIVersion string
}

// NewOpenAIProvider creates a new OpenAI-backed Provider.
func NewOpenAIProvider(ctx context.Context, config *OpenAIConfig) (*OpenAIProvider, error) {
	apiKey := config.APIKey
	if apiKey == "" {
		if config.UseAzure {
			apiKey = os.Getenv("AZURE_OPENAI_API_KEY")
		} else {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	if apiKey == "" {
		return nil, fmt.Errorf("provider: OPENAI_API_KEY not set")
	}

	maxTokens := config.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	modelID := config.Model
	if modelID == "" {
		modelID = os.Getenv("OPENAI_MODEL_ID")
	}
	if modelID == "" {
		modelID = "gpt-4o"
	}

	cfg := &openai.ChatModelConfig{
		APIKey:              apiKey,
		Model:               modelID,
		MaxCompletionTokens: &maxTokens,
	}
	if config.BaseURL != "" {
		cfg.BaseURL = config.BaseURL
	}
	if config.UseAzure {
		cfg.ByAzure = true
		cfg.APIVersion = config.APIVersion
		if cfg.APIVersion == "" {
			cfg.APIVersion = "2024-02-15-preview"
		}
	}

	chatModel, err := openai.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("provider: create openai model: %w", err)
	}

	return &OpenAIProvider{chatModel: chatModel, models: openAIModels(), config: config}, nil
}

func (p *OpenAIProvider) ID() string {
	if p.config.ID != "" {
		return p.config.ID
	}
	return "openai"
}

func (p *OpenAIProvider) Name() string    { return "OpenAI" }
func (p *OpenAIProvider) Models() []Model { return p.models }

// Stream starts a streaming completion against OpenAI.
func (p *OpenAIProvider) Stream(ctx context.Context, req *CompletionRequest) (*EventStream, error) {
	chatModel, err := bindTools(p.chatModel, req.Tools)
	if err != nil {
		return nil, fmt.Errorf("provider: bind tools: %w", err)
	}

	opts := []model.Option{openai.WithMaxCompletionTokens(req.MaxTokens)}
	if req.Temperature > 0 {
		opts = append(opts, model.WithTemperature(float32(req.Temperature)))
	}

	stream, err := chatModel.Stream(ctx, req.Messages, opts...)
	if err != nil {
		return nil, fmt.Errorf("provider: create stream: %w", err)
	}

	return NewEventStream(stream), nil
}

func openAIModels() []Model {
	return []Model{
		{ID: "gpt-5", Name: "GPT-5", ProviderID: "openai", ContextLength: 272000, MaxOutputTokens: 128000, SupportsTools: true, SupportsVision: true, SupportsReasoning: true, InputPrice: 1.25, OutputPrice: 10.0},
		{ID: "gpt-5-mini", Name: "GPT-5 Mini", ProviderID: "openai", ContextLength: 272000, MaxOutputTokens: 128000, SupportsTools: true, SupportsVision: true, SupportsReasoning: true, InputPrice: 0.25, OutputPrice: 2.0},
		{ID: "gpt-4o", Name: "GPT-4o", ProviderID: "openai", ContextLength: 128000, MaxOutputTokens: 16384, SupportsTools: true, SupportsVision: true, InputPrice: 2.5, OutputPrice: 10.0},
		{ID: "gpt-4o-mini", Name: "GPT-4o Mini", ProviderID: "openai", ContextLength: 128000, MaxOutputTokens: 16384, SupportsTools: true, SupportsVision: true, InputPrice: 0.15, OutputPrice: 0.6},
		{ID: "o1", Name: "O1", ProviderID: "openai", ContextLength: 200000, MaxOutputTokens: 100000, SupportsTools: true, SupportsReasoning: true, InputPrice: 15.0, OutputPrice: 60.0},
	}
}
