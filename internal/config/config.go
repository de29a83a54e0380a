package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"

	"github.com/agentcore/opencode-core/pkg/types"
)

// Load loads configuration from multiple sources, later ones overriding
// earlier ones:
// 1. Global config (~/.opencode/)
// 2. Global config (~/.config/opencode/)
// 3. Project config (<directory>/.opencode/)
// 4. The file named by OPENCODE_CONFIG
// 5. Inline JSON in OPENCODE_CONFIG_CONTENT
// 6. Environment variables
func Load(directory string) (*types.Config, error) {
	config := &types.Config{
		Provider: make(map[string]types.ProviderConfig),
		Agent:    make(map[string]types.AgentConfig),
	}

	// 1. Global config, TypeScript-compatible location
	if home := os.Getenv("HOME"); home != "" {
		loadConfigFile(filepath.Join(home, ".opencode", "opencode.json"), config)
		loadConfigFile(filepath.Join(home, ".opencode", "opencode.jsonc"), config)
	}

	// 2. Global config, XDG location
	globalPath := GetPaths().Config
	loadConfigFile(filepath.Join(globalPath, "opencode.json"), config)
	loadConfigFile(filepath.Join(globalPath, "opencode.jsonc"), config)

	// 3. Project config
	if directory != "" {
		loadConfigFile(filepath.Join(directory, ".opencode", "opencode.json"), config)
		loadConfigFile(filepath.Join(directory, ".opencode", "opencode.jsonc"), config)
	}

	// 4. OPENCODE_CONFIG file
	if path := os.Getenv("OPENCODE_CONFIG"); path != "" {
		loadConfigFile(path, config)
	}

	// 5. OPENCODE_CONFIG_CONTENT inline JSON
	var inline types.Config
	if content := os.Getenv("OPENCODE_CONFIG_CONTENT"); content != "" && json.Unmarshal([]byte(content), &inline) == nil {
		mergeConfig(config, &inline)
	}

	// 6. Environment variables
	applyEnvOverrides(config)

	return config, nil
}

// loadConfigFile loads a single config file.
func loadConfigFile(path string, config *types.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err // File doesn't exist, skip
	}

	// opencode.jsonc files carry // and /* */ comments and trailing
	// commas; opencode.json files pass through unchanged.
	data = jsonc.ToJSON(data)

	var fileConfig types.Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

// mergeConfig merges source config into target.
func mergeConfig(target, source *types.Config) {
	if source.Model != "" {
		target.Model = source.Model
	}
	if source.SmallModel != "" {
		target.SmallModel = source.SmallModel
	}

	// Merge providers
	if source.Provider != nil {
		if target.Provider == nil {
			target.Provider = make(map[string]types.ProviderConfig)
		}
		for k, v := range source.Provider {
			target.Provider[k] = v
		}
	}

	// Merge agents
	if source.Agent != nil {
		if target.Agent == nil {
			target.Agent = make(map[string]types.AgentConfig)
		}
		for k, v := range source.Agent {
			target.Agent[k] = v
		}
	}

	// Merge LSP config
	if source.LSP != nil {
		target.LSP = source.LSP
	}

	// Merge watcher config
	if source.Watcher != nil {
		target.Watcher = source.Watcher
	}

	// Merge experimental config
	if source.Experimental != nil {
		target.Experimental = source.Experimental
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *types.Config) {
	// Provider API keys
	providerEnvMap := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"google":    "GOOGLE_API_KEY",
		"bedrock":   "AWS_ACCESS_KEY_ID",
	}

	for provider, envVar := range providerEnvMap {
		if apiKey := os.Getenv(envVar); apiKey != "" {
			if config.Provider == nil {
				config.Provider = make(map[string]types.ProviderConfig)
			}
			p := config.Provider[provider]
			if p.APIKey == "" {
				p.APIKey = apiKey
				config.Provider[provider] = p
			}
		}
	}

	// Model override
	if model := os.Getenv("OPENCODE_MODEL"); model != "" {
		config.Model = model
	}

	// Small model override
	if smallModel := os.Getenv("OPENCODE_SMALL_MODEL"); smallModel != "" {
		config.SmallModel = smallModel
	}
}

// Save saves the configuration to a file.
func Save(config *types.Config, path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
