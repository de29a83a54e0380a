package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentcore/opencode-core/internal/config"
	"github.com/agentcore/opencode-core/internal/orchestrator"
	"github.com/agentcore/opencode-core/pkg/coretypes"
)

var runCmd = &cobra.Command{
	Use:   "run [message]",
	Short: "Drive one turn of a session through the orchestrator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		workDir, err := GetWorkDir("")
		if err != nil {
			return fmt.Errorf("run: resolve work dir: %w", err)
		}

		cfg, err := config.Load(workDir)
		if err != nil {
			return fmt.Errorf("run: load config: %w", err)
		}
		if model := GetGlobalModel(); model != "" {
			cfg.Model = model
		}

		ctx := cmd.Context()
		orch, err := buildOrchestrator(ctx, cfg, workDir)
		if err != nil {
			return fmt.Errorf("run: build orchestrator: %w", err)
		}

		unsubscribe := orch.Subscribe(func(ev coretypes.Event) {
			switch ev.Kind {
			case coretypes.EventMessageDelta, coretypes.EventThinkingDelta:
				fmt.Fprint(os.Stdout, ev.Delta)
			case coretypes.EventToolExecutionStart:
				fmt.Fprintf(os.Stderr, "\n[tool] %s\n", ev.ToolName)
			case coretypes.EventAgentError:
				fmt.Fprintf(os.Stderr, "\n[error] %s\n", ev.Err)
			}
		})
		defer unsubscribe()

		agentID, _ := cmd.Flags().GetString("agent")
		sessionKey := fmt.Sprintf("cli:%s", workDir)
		result, err := orch.Run(ctx, sessionKey, args[0], orchestrator.RunOptions{
			AgentID: agentID,
		})
		if err != nil {
			return fmt.Errorf("run: %w", err)
		}

		fmt.Fprintln(os.Stdout)
		fmt.Fprintf(os.Stderr, "\n(%d turn(s), %d tool call(s))\n", result.Turns, result.ToolCalls)
		return nil
	},
}

func init() {
	runCmd.Flags().String("agent", "", "Agent to run (defaults to the configured default agent)")
}
