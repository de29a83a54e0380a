package provider

import (
	"context"
	"fmt"
	"os"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// ArkProvider implements Provider for Volcengine ARK models.
type ArkProvider struct {
	chatModel model.ToolCallingChatModel
	models    []Model
	config    *ArkConfig
}

// ArkConfig holds configuration for ARK provider.
type ArkConfig struct {
	APIKey    string
	BaseURL   string
	Model     string // Endpoint ID on ARK platform
	MaxTokens int
}

// NewArkProvider creates a new ARK provider.
func NewArkProvider(ctx context.Context, config *ArkConfig) (*ArkProvider, error) {
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ARK_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("provider: ARK_API_KEY not set")
	}

	modelID := config.Model
	if modelID == "" {
		modelID = os.Getenv("ARK_MODEL_ID")
	}
	if modelID == "" {
		return nil, fmt.Errorf("provider: ARK_MODEL_ID not set")
	}

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("ARK_BASE_URL")
	}

	maxTokens := config.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	cfg := &ark.ChatModelConfig{
		APIKey:    apiKey,
		Model:     modelID,
		MaxTokens: &maxTokens,
	}
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	chatModel, err := ark.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("provider: create ark model: %w", err)
	}

	return &ArkProvider{chatModel: chatModel, models: arkModels(modelID), config: config}, nil
}

func (p *ArkProvider) ID() string      { return "ark" }
func (p *ArkProvider) Name() string    { return "ARK" }
func (p *ArkProvider) Models() []Model { return p.models }

// Stream starts a streaming completion against an ARK endpoint.
func (p *ArkProvider) Stream(ctx context.Context, req *CompletionRequest) (*EventStream, error) {
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

// arkModels returns the list of ARK models. Pricing varies by endpoint
// and is left at zero; callers override via config when known.
func arkModels(endpointID string) []Model {
	return []Model{
		{
			ID:              endpointID,
			Name:            "ARK Model",
			ProviderID:      "ark",
			ContextLength:   128000,
			MaxOutputTokens: 4096,
			SupportsTools:   true,
			SupportsVision:  true,
		},
	}
}
