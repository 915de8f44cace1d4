package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kandev/octo/internal/common/config"
	"github.com/kandev/octo/internal/common/database"
	"github.com/kandev/octo/internal/common/logger"
	"github.com/kandev/octo/internal/serverapp"
	"github.com/kandev/octo/internal/session"
)

var (
	runUserID    string
	runWorkspace string
	runAgent     string
	runImage     string
	runProjectID string
	runMaxAgents int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a single workspace session and wait for it to stop",
	Long: `run creates (or reuses) one session against --workspace,
prints its connection details, and blocks until interrupted, at which
point it stops the session it started.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runUserID, "user", "", "owning user id (required)")
	runCmd.Flags().StringVar(&runWorkspace, "workspace", "", "absolute workspace path (required)")
	runCmd.Flags().StringVar(&runAgent, "agent", "", "agent name")
	runCmd.Flags().StringVar(&runImage, "image", "", "container image; empty runs as a local process group")
	runCmd.Flags().StringVar(&runProjectID, "project", "", "project id")
	runCmd.Flags().IntVar(&runMaxAgents, "max-agents", 0, "agent port count; 0 uses the configured default")
	_ = runCmd.MarkFlagRequired("user")
	_ = runCmd.MarkFlagRequired("workspace")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPath: cfg.Logging.OutputPath})
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := context.Background()
	db, driver, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	store := session.NewSQLStore(db, driver)
	if _, err := db.ExecContext(ctx, store.Schema()); err != nil {
		return err
	}

	rt, err := serverapp.BuildRuntime(ctx, cfg)
	if err != nil {
		return err
	}

	svc := session.NewService(store, rt, session.Config{
		PortRangeStart: cfg.Ports.Start,
		PortRangeEnd:   cfg.Ports.End,
		MaxAgents:      cfg.Ports.MaxAgents,
		IdleTimeout:    cfg.Runtime.IdleTimeout(),
	}, log)

	result, err := svc.Create(ctx, runUserID, runWorkspace, runAgent, runImage, runProjectID, runMaxAgents)
	if err != nil {
		return err
	}

	if err := printResult(result.Session, fmt.Sprintf(
		"session %s running (new=%v) opencode=:%d fileserver=:%d ttyd=:%d",
		result.Session.ID, result.IsNew, result.Session.OpenCodePort, result.Session.FileServerPort, result.Session.TTYDPort,
	)); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	fmt.Fprintln(os.Stderr, "stopping session...")
	return svc.Stop(ctx, result.Session.ID)
}
