// Command octo-server runs the workspace orchestrator as a single
// long-lived process: the Session Orchestrator, Agent Supervisor, and
// a thin admin/health HTTP surface over them.
package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/kandev/octo/internal/common/config"
	"github.com/kandev/octo/internal/common/logger"
	"github.com/kandev/octo/internal/serverapp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPath: cfg.Logging.OutputPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting octo-server")
	if err := serverapp.Run(context.Background(), cfg, log); err != nil {
		log.Fatal("octo-server exited with error", zap.Error(err))
	}
	log.Info("octo-server stopped")
}
