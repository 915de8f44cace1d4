// Command octoctl is the operator-facing control surface for the
// workspace orchestrator: it starts the server process, drives
// one-shot session lifecycle operations, and administers invite
// codes, all against the same config and stores octo-server uses.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// outputFormat is shared by every subcommand that prints structured
// results: "text" (default, human-readable), "json", or "yaml".
var outputFormat string

// configPath overrides the default config file search path.
var configPath string

var rootCmd = &cobra.Command{
	Use:   "octoctl",
	Short: "Control surface for the octo workspace orchestrator",
	Long: `octoctl starts the orchestrator server, manages session
lifecycle, and administers invite codes from the command line.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "directory to search for config.yaml")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "text", "output format: text|json|yaml")
	rootCmd.AddCommand(serveCmd, runCmd, initCmd, configCmd, inviteCodesCmd, completionsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
