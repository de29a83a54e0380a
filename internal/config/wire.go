package config

import (
	"github.com/agentcore/opencode-core/internal/agentconfig"
	"github.com/agentcore/opencode-core/internal/permission"
	"github.com/agentcore/opencode-core/internal/provider"
	"github.com/agentcore/opencode-core/pkg/types"
)

// ProviderRegistryConfig projects the loaded config's provider section
// into the shape provider.InitializeProviders consumes.
func ProviderRegistryConfig(cfg *types.Config) *provider.RegistryConfig {
	out := &provider.RegistryConfig{
		DefaultModel: cfg.Model,
		Providers:    make(map[string]provider.ProviderConfig, len(cfg.Provider)),
	}
	for id, p := range cfg.Provider {
		apiKey := p.APIKey
		baseURL := p.BaseURL
		if p.Options != nil {
			if apiKey == "" {
				apiKey = p.Options.APIKey
			}
			if baseURL == "" {
				baseURL = p.Options.BaseURL
			}
		}
		out.Providers[id] = provider.ProviderConfig{
			Disable: p.Disable,
			Model:   p.Model,
			APIKey:  apiKey,
			BaseURL: baseURL,
		}
	}
	return out
}

// AgentConfigs projects the loaded config's agent section into the
// shape agentconfig.Registry.LoadFromConfig consumes.
func AgentConfigs(cfg *types.Config) map[string]agentconfig.AgentConfig {
	out := make(map[string]agentconfig.AgentConfig, len(cfg.Agent))
	for name, a := range cfg.Agent {
		entry := agentconfig.AgentConfig{
			Description: a.Description,
			Mode:        agentconfig.Mode(a.Mode),
			Prompt:      a.Prompt,
			Color:       a.Color,
			Tools:       a.Tools,
		}
		if a.Temperature != nil {
			entry.Temperature = *a.Temperature
		}
		if a.TopP != nil {
			entry.TopP = *a.TopP
		}
		if a.Model != "" {
			providerID, modelID := provider.ParseModelString(a.Model)
			entry.Model = &agentconfig.ModelRef{ProviderID: providerID, ModelID: modelID}
		}
		if a.Permission != nil {
			entry.Permission = agentPermission(a.Permission)
		}
		out[name] = entry
	}
	return out
}

// agentPermission converts the TypeScript-compatible permission block
// (Bash as either a single action string or a per-pattern map) into
// agentconfig's typed equivalent.
func agentPermission(p *types.PermissionConfig) *agentconfig.AgentPermissionConfig {
	out := &agentconfig.AgentPermissionConfig{
		Edit:        permission.PermissionAction(p.Edit),
		WebFetch:    permission.PermissionAction(p.WebFetch),
		ExternalDir: permission.PermissionAction(p.ExternalDir),
		DoomLoop:    permission.PermissionAction(p.DoomLoop),
	}
	switch bash := p.Bash.(type) {
	case string:
		out.Bash = map[string]permission.PermissionAction{"*": permission.PermissionAction(bash)}
	case map[string]interface{}:
		out.Bash = make(map[string]permission.PermissionAction, len(bash))
		for pattern, action := range bash {
			if s, ok := action.(string); ok {
				out.Bash[pattern] = permission.PermissionAction(s)
			}
		}
	}
	return out
}

// GlobalPermission projects the top-level permission block. It returns
// nil when the config leaves it unset.
func GlobalPermission(cfg *types.Config) *agentconfig.AgentPermissionConfig {
	if cfg.Permission == nil {
		return nil
	}
	return agentPermission(cfg.Permission)
}
