package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/kandev/octo/internal/common/config"
	"github.com/kandev/octo/internal/common/logger"
	"github.com/kandev/octo/internal/serverapp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator server in the foreground",
	Long: `serve loads configuration, opens the database, wires the
session runtime, and blocks serving the admin/health HTTP surface
until interrupted. It is equivalent to running octo-server directly.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPath: cfg.Logging.OutputPath})
	if err != nil {
		return err
	}
	defer log.Sync()

	return serverapp.Run(context.Background(), cfg, log)
}
