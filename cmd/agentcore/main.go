// Package main provides the entry point for the agentcore CLI.
package main

import (
	"fmt"
	"os"

	"github.com/agentcore/opencode-core/cmd/agentcore/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
