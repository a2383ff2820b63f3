// Package commands defines the aidb command line.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ai-debugger-inc/aidb/pkg/logger"
)

// Version is overridden at build time.
var Version = "0.1.0-dev"

var rootCmdLogger *logger.Logger

func NewRootCmd() (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:   "aidb",
		Short: "Debugging orchestrator for coding agents",
		Long: `aidb manages debug sessions on behalf of coding agents.

It launches or attaches debug adapters for multiple language runtimes,
coordinates adapter ports across concurrent aidb processes, and exposes the
whole debugging surface as MCP tools over stdio.`,
		SilenceUsage: true,
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			rootCmdLogger.Flush()
		},
	}

	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	rootCmdLogger = logger.New("aidb")
	rootCmdLogger.AddVerbosityFlag(rootCmd.PersistentFlags())

	var err error
	var cmd *cobra.Command

	if cmd, err = NewServeCommand(); cmd != nil {
		rootCmd.AddCommand(cmd)
	} else {
		return nil, fmt.Errorf("could not set up 'serve' command: %w", err)
	}

	if cmd, err = NewPortsCommand(); cmd != nil {
		rootCmd.AddCommand(cmd)
	} else {
		return nil, fmt.Errorf("could not set up 'ports' command: %w", err)
	}

	return rootCmd, nil
}
