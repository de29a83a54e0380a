package provider

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// ProviderConfig is the subset of a configured provider's settings the
// registry needs to construct it.
type ProviderConfig struct {
	Disable bool
	Npm     string
	Model   string
	APIKey  string
	BaseURL string
}

// RegistryConfig is the provider-relevant slice of the top-level config
// envelope, passed into InitializeProviders.
type RegistryConfig struct {
	DefaultModel string
	Providers    map[string]ProviderConfig
}

// Registry manages all available providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	config    *RegistryConfig
}

// NewRegistry creates a new provider registry.
func NewRegistry(config *RegistryConfig) *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		config:    config,
	}
}

// Register adds a provider to the registry.
func (r *Registry) Register(provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[provider.ID()] = provider
}

// Get retrieves a provider by ID.
func (r *Registry) Get(providerID string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, ok := r.providers[providerID]
	if !ok {
		return nil, fmt.Errorf("provider not found: %s", providerID)
	}
	return provider, nil
}

// List returns all available providers.
func (r *Registry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providers := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	return providers
}

// GetModel retrieves a specific model from a provider.
func (r *Registry) GetModel(providerID, modelID string) (*Model, error) {
	provider, err := r.Get(providerID)
	if err != nil {
		return nil, err
	}

	for _, m := range provider.Models() {
		if m.ID == modelID {
			return &m, nil
		}
	}

	return nil, fmt.Errorf("model not found: %s/%s", providerID, modelID)
}

// AllModels returns all models from all providers, highest-priority first.
func (r *Registry) AllModels() []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var models []Model
	for _, p := range r.providers {
		models = append(models, p.Models()...)
	}

	sort.Slice(models, func(i, j int) bool {
		return modelPriority(models[i].ID) > modelPriority(models[j].ID)
	})

	return models
}

// DefaultModel returns the default model, honoring config.DefaultModel
// ("provider/model"), falling back to Claude Sonnet, then to the
// highest-priority model of any registered provider.
func (r *Registry) DefaultModel() (*Model, error) {
	if r.config != nil && r.config.DefaultModel != "" {
		providerID, modelID := ParseModelString(r.config.DefaultModel)
		if m, err := r.GetModel(providerID, modelID); err == nil {
			return m, nil
		}
	}

	if m, err := r.GetModel("anthropic", "claude-sonnet-4-20250514"); err == nil {
		return m, nil
	}

	models := r.AllModels()
	if len(models) == 0 {
		return nil, fmt.Errorf("no models available")
	}
	return &models[0], nil
}

// ParseModelString parses "provider/model" format.
func ParseModelString(s string) (providerID, modelID string) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", s
}

// modelPriority returns sorting priority for models.
func modelPriority(modelID string) int {
	switch {
	case strings.Contains(modelID, "gpt-5"):
		return 100
	case strings.Contains(modelID, "claude-sonnet-4"):
		return 90
	case strings.Contains(modelID, "claude-opus"):
		return 85
	case strings.Contains(modelID, "gpt-4o"):
		return 80
	case strings.Contains(modelID, "claude-3-5"):
		return 75
	case strings.Contains(modelID, "gemini-2"):
		return 70
	default:
		return 50
	}
}

// npm package to provider type mapping, used to disambiguate config
// entries that name a third-party SDK instead of a well-known provider.
const (
	NpmOpenAI           = "@ai-sdk/openai"
	NpmOpenAICompatible = "@ai-sdk/openai-compatible"
	NpmAnthropic        = "@ai-sdk/anthropic"
)

// InitializeProviders creates and registers all providers from config,
// then auto-registers anthropic/openai from ambient env vars for any
// provider not already configured explicitly.
func InitializeProviders(ctx context.Context, config *RegistryConfig) (*Registry, error) {
	registry := NewRegistry(config)
	configuredProviders := make(map[string]bool)

	for name, cfg := range config.Providers {
		if cfg.Disable {
			continue
		}
		configuredProviders[name] = true

		npm := cfg.Npm
		if npm == "" {
			npm = inferNpmFromProviderName(name)
		}

		var provider Provider
		var err error

		switch npm {
		case NpmAnthropic:
			if cfg.APIKey != "" {
				provider, err = NewAnthropicProvider(ctx, &AnthropicConfig{
					ID:        name,
					APIKey:    cfg.APIKey,
					BaseURL:   cfg.BaseURL,
					Model:     cfg.Model,
					MaxTokens: 8192,
				})
			}

		case NpmOpenAI, NpmOpenAICompatible:
			if cfg.APIKey != "" || cfg.BaseURL != "" {
				provider, err = NewOpenAIProvider(ctx, &OpenAIConfig{
					ID:        name,
					APIKey:    cfg.APIKey,
					BaseURL:   cfg.BaseURL,
					Model:     cfg.Model,
					MaxTokens: 4096,
				})
			}

		default:
			if name == "ark" && cfg.APIKey != "" {
				provider, err = NewArkProvider(ctx, &ArkConfig{
					APIKey:    cfg.APIKey,
					BaseURL:   cfg.BaseURL,
					Model:     cfg.Model,
					MaxTokens: 4096,
				})
			}
		}

		if err != nil {
			log.Warn().Err(err).Str("provider", name).Msg("provider: skipping misconfigured provider")
			continue
		}
		if provider != nil {
			registry.Register(provider)
		}
	}

	if !configuredProviders["anthropic"] {
		if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
			log.Debug().Msg("provider: auto-registering anthropic from ANTHROPIC_API_KEY")
			provider, err := NewAnthropicProvider(ctx, &AnthropicConfig{ID: "anthropic", APIKey: apiKey, MaxTokens: 8192})
			if err != nil {
				log.Warn().Err(err).Msg("provider: failed to auto-register anthropic")
			} else if provider != nil {
				registry.Register(provider)
			}
		}
	}

	if !configuredProviders["openai"] {
		if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
			provider, err := NewOpenAIProvider(ctx, &OpenAIConfig{ID: "openai", APIKey: apiKey, MaxTokens: 4096})
			if err != nil {
				log.Warn().Err(err).Msg("provider: failed to auto-register openai")
			} else if provider != nil {
				registry.Register(provider)
			}
		}
	}

	return registry, nil
}

// inferNpmFromProviderName maps well-known provider names to npm packages.
func inferNpmFromProviderName(name string) string {
	switch name {
	case "anthropic", "claude":
		return NpmAnthropic
	case "openai":
		return NpmOpenAI
	default:
		return ""
	}
}
