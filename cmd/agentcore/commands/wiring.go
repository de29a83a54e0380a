package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/cloudwego/eino/schema"

	"github.com/agentcore/opencode-core/internal/agentconfig"
	"github.com/agentcore/opencode-core/internal/config"
	"github.com/agentcore/opencode-core/internal/contextwindow"
	"github.com/agentcore/opencode-core/internal/orchestrator"
	"github.com/agentcore/opencode-core/internal/provider"
	"github.com/agentcore/opencode-core/internal/sessionlog"
	"github.com/agentcore/opencode-core/internal/storage"
	"github.com/agentcore/opencode-core/internal/tool"
	"github.com/agentcore/opencode-core/pkg/types"
)

// buildOrchestrator wires config, providers, tools, agents, and the
// session log into a running Orchestrator — the one assembly point a
// production entrypoint needs to actually exercise internal/agentloop
// instead of leaving it reachable only from its own tests.
func buildOrchestrator(ctx context.Context, cfg *types.Config, workDir string) (*orchestrator.Orchestrator, error) {
	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return nil, fmt.Errorf("commands: ensure paths: %w", err)
	}

	providerReg, err := provider.InitializeProviders(ctx, config.ProviderRegistryConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("commands: initialize providers: %w", err)
	}

	store := storage.New(paths.StoragePath())
	toolReg := tool.DefaultRegistry(workDir, store)

	agentReg := agentconfig.NewRegistry()
	agentReg.LoadFromConfig(config.AgentConfigs(cfg))

	log, err := sessionlog.New(paths.StoragePath())
	if err != nil {
		return nil, fmt.Errorf("commands: open session log: %w", err)
	}

	return orchestrator.New(orchestrator.Config{
		WorkDir:             workDir,
		MaxTurns:            20,
		ContextWindowTokens: 100_000,
		ReserveTokens:       8_000,
		MaxConcurrentRuns:   4,
		Temperature:         0.7,
	}, orchestrator.Deps{
		Tools:     toolReg,
		Agents:    agentReg,
		Providers: providerReg,
		Log:       sessionlog.NewGuardedLog(log),
		Summarize: newSummarizer(providerReg),
	}), nil
}

// newSummarizer adapts the provider registry's default model into the
// contextwindow.Summarizer shape internal/agentloop needs for overflow
// compaction: one streamed completion call, drained to EOF, returning
// the content of the last text_end event.
func newSummarizer(providerReg *provider.Registry) contextwindow.Summarizer {
	return func(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
		model, err := providerReg.DefaultModel()
		if err != nil {
			return "", fmt.Errorf("summarizer: resolve default model: %w", err)
		}
		prov, err := providerReg.Get(model.ProviderID)
		if err != nil {
			return "", fmt.Errorf("summarizer: resolve provider: %w", err)
		}

		stream, err := prov.Stream(ctx, &provider.CompletionRequest{
			Model: model.ID,
			Messages: []*schema.Message{
				{Role: schema.System, Content: systemPrompt},
				{Role: schema.User, Content: userPrompt},
			},
			MaxTokens: maxTokens,
		})
		if err != nil {
			return "", fmt.Errorf("summarizer: stream: %w", err)
		}
		defer stream.Close()

		var text string
		for {
			ev, err := stream.Recv()
			if err == io.EOF {
				break
			}
			if err != nil {
				return "", fmt.Errorf("summarizer: recv: %w", err)
			}
			if ev.Kind == provider.StreamTextEnd {
				text = ev.Content
			}
		}
		return text, nil
	}
}
