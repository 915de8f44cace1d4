package main

import (
	"github.com/spf13/cobra"

	"github.com/kandev/octo/internal/common/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the merged configuration",
	Long: `config loads configuration the same way serve does — defaults,
config.yaml, then OCTO__ environment overlays — and prints the result,
for verifying what a deployment will actually run with.`,
	RunE: runConfig,
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return err
	}
	if outputFormat == "text" {
		outputFormat = "yaml"
	}
	return printResult(cfg, "")
}
