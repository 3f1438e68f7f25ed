// Command officeagent runs the office document agent: an HTTP API that
// drives model-led conversations with sandboxed Python execution, and a
// terminal chat against the same orchestrator.
//
// Usage:
//
//	export OPENAI_API_KEY="your-api-key"
//	officeagent serve --config officeagent.yaml
//	officeagent chat
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nstogner/officeagent/pkg/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "officeagent",
		Short:        "Agent that reads and edits slide decks and workbooks",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	load := func() (*config.Config, error) {
		return config.Load(configPath)
	}

	root.AddCommand(
		newServeCmd(load),
		newChatCmd(load),
		newSessionsCmd(load),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}
