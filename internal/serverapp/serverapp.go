// Package serverapp assembles the orchestrator's admin/health HTTP
// process: config, database, stores, runtime adapter, Session
// Orchestrator, idle reaper, and the gin router. It exists so
// cmd/octo-server and octoctl's "serve" subcommand share one
// bootstrap path instead of two copies drifting apart.
package serverapp

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	dockerclient "github.com/docker/docker/client"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/octo/internal/agent"
	"github.com/kandev/octo/internal/common/apperr"
	"github.com/kandev/octo/internal/common/config"
	"github.com/kandev/octo/internal/common/database"
	"github.com/kandev/octo/internal/common/logger"
	"github.com/kandev/octo/internal/eventbus"
	"github.com/kandev/octo/internal/invite"
	"github.com/kandev/octo/internal/linuxuser"
	"github.com/kandev/octo/internal/procmgr"
	"github.com/kandev/octo/internal/runtime"
	"github.com/kandev/octo/internal/sandbox"
	"github.com/kandev/octo/internal/session"
)

// Run opens the database, builds the runtime adapter and session/invite
// services, starts the idle reaper and admin HTTP server, and blocks
// until ctx is canceled or SIGINT/SIGTERM arrives, then shuts down
// gracefully. It is the single entry point both server binaries call.
func Run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	db, driver, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	sessionStore := session.NewSQLStore(db, driver)
	if _, err := db.ExecContext(ctx, sessionStore.Schema()); err != nil {
		return fmt.Errorf("applying session schema: %w", err)
	}
	inviteStore := invite.NewSQLStore(db, driver)
	if _, err := db.ExecContext(ctx, inviteStore.Schema()); err != nil {
		return fmt.Errorf("applying invite schema: %w", err)
	}

	inviteSvc := invite.NewService(inviteStore)

	rt, err := BuildRuntime(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building runtime adapter: %w", err)
	}

	sessionSvc := session.NewService(sessionStore, rt, session.Config{
		PortRangeStart: cfg.Ports.Start,
		PortRangeEnd:   cfg.Ports.End,
		MaxAgents:      cfg.Ports.MaxAgents,
		IdleTimeout:    cfg.Runtime.IdleTimeout(),
	}, log)

	publisher, err := BuildEventPublisher(cfg, log)
	if err != nil {
		return fmt.Errorf("building event publisher: %w", err)
	}
	defer publisher.Close()
	sessionSvc.SetEventPublisher(publisher)

	agentSup := BuildAgentSupervisor(cfg, log)
	agentSup.SetEventPublisher(publisher)
	defer agentSup.Stop()

	if n, err := sessionSvc.StartupCleanup(ctx); err != nil {
		log.Warn("startup cleanup encountered an error", zap.Error(err))
	} else if n > 0 {
		log.Info("startup cleanup demoted stale sessions", zap.Int("count", n))
	}

	reapTicker := time.NewTicker(cfg.Runtime.ReapInterval())
	defer reapTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reapTicker.C:
				if n := sessionSvc.ReapIdle(ctx); n > 0 {
					log.Info("idle reaper stopped sessions", zap.Int("count", n))
				}
			}
		}
	}()

	router := BuildRouter(cfg, log, sessionSvc, inviteSvc, agentSup)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Info("admin/health server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("admin server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("admin server shutdown error", zap.Error(err))
	}
	return nil
}

// BuildEventPublisher selects the NATS-backed publisher when
// nats.url is configured, falling back to the in-memory (log-only)
// publisher for local/test deployments.
func BuildEventPublisher(cfg *config.Config, log *logger.Logger) (eventbus.Publisher, error) {
	if cfg.NATS.URL == "" {
		return eventbus.NewMemoryPublisher(log), nil
	}
	pub, err := eventbus.NewNATSPublisher(cfg.NATS, log)
	if err != nil {
		return nil, err
	}
	return pub, nil
}

// BuildRuntime wires the Session Orchestrator's Runtime Adapter per
// config: the local backend composes the Process Manager, Sandbox
// Composer, and Linux User Provisioner, the container backend talks to
// Docker directly.
func BuildRuntime(ctx context.Context, cfg *config.Config) (runtime.Runtime, error) {
	if cfg.Runtime.Mode == "container" {
		if !cfg.Docker.Enabled {
			return nil, apperr.Internalf("container runtime mode requires docker.enabled=true")
		}
		cli, err := dockerclient.NewClientWithOpts(
			dockerclient.WithHost(cfg.Docker.Host),
			dockerclient.WithVersion(cfg.Docker.APIVersion),
		)
		if err != nil {
			return nil, apperr.RuntimeFailure(err, "creating docker client")
		}
		if _, err := cli.Ping(ctx); err != nil {
			return nil, apperr.RuntimeFailure(err, "pinging docker daemon")
		}
		return runtime.NewContainer(cli, runtime.ContainerConfig{
			DefaultNetwork: cfg.Docker.DefaultNetwork,
			UsesPasta:      cfg.Docker.UsesPasta,
			Labels:         map[string]string{"managed-by": "octo"},
		}), nil
	}

	procs := procmgr.New()
	var users *linuxuser.Provisioner
	if cfg.Platform.Enabled {
		users = linuxuser.New(linuxuser.Config{
			Enabled:       true,
			Prefix:        cfg.Platform.UsernamePfx,
			UIDStart:      cfg.Platform.UIDStart,
			Group:         cfg.Platform.Group,
			Shell:         cfg.Platform.Shell,
			GecosPrefix:   cfg.Platform.GecosPrefix,
			RunnerSockDir: cfg.Platform.RunnerSockDir,
		})
	}
	policy := sandbox.DefaultPolicy()
	policy.Enabled = cfg.Sandbox.Enabled
	policy.DenyRead = append(policy.DenyRead, cfg.Sandbox.DenyRead...)
	policy.DenyWrite = append(policy.DenyWrite, cfg.Sandbox.DenyWrite...)
	policy.AllowWrite = append(policy.AllowWrite, cfg.Sandbox.AllowWrite...)
	policy.IsolateNet = cfg.Sandbox.IsolateNet
	policy.IsolatePID = cfg.Sandbox.IsolatePID
	policy.CPUSeconds = cfg.Sandbox.CPUSeconds
	policy.MaxMemoryBytes = cfg.Sandbox.MaxMemoryBytes
	policy.MaxOpenFiles = cfg.Sandbox.MaxOpenFiles

	return runtime.NewLocal(runtime.LocalConfig{
		AgentBinary: cfg.Agent.Binary,
		Isolate:     cfg.Platform.Enabled,
	}, procs, users, policy), nil
}

// BuildRouter assembles the admin/health HTTP surface: health check,
// session listing, and invite-code administration. This is the one
// in-scope HTTP surface; the control-plane API gateway itself is out
// of scope.
func BuildRouter(cfg *config.Config, log *logger.Logger, sessions *session.Service, invites *invite.Service, agentSup *agent.Supervisor) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "octo-server"})
	})

	admin := router.Group("/admin")
	{
		admin.POST("/invite-codes", func(c *gin.Context) {
			var req invite.CreateRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			code, err := invites.Create(c.Request.Context(), req, "admin")
			if err != nil {
				WriteAppErr(c, err)
				return
			}
			c.JSON(http.StatusCreated, code)
		})

		admin.GET("/invite-codes", func(c *gin.Context) {
			codes, err := invites.List(c.Request.Context())
			if err != nil {
				WriteAppErr(c, err)
				return
			}
			c.JSON(http.StatusOK, codes)
		})

		admin.DELETE("/invite-codes/:id", func(c *gin.Context) {
			if err := invites.Delete(c.Request.Context(), c.Param("id")); err != nil {
				WriteAppErr(c, err)
				return
			}
			c.Status(http.StatusNoContent)
		})

		admin.POST("/invite-codes/:id/revoke", func(c *gin.Context) {
			if err := invites.Revoke(c.Request.Context(), c.Param("id")); err != nil {
				WriteAppErr(c, err)
				return
			}
			c.Status(http.StatusNoContent)
		})

		admin.GET("/sessions", func(c *gin.Context) {
			list, err := sessions.ListForUser(c.Request.Context(), c.Query("user_id"))
			if err != nil {
				WriteAppErr(c, err)
				return
			}
			c.JSON(http.StatusOK, list)
		})

		admin.POST("/sessions/:id/stop", func(c *gin.Context) {
			if err := sessions.Stop(c.Request.Context(), c.Param("id")); err != nil {
				WriteAppErr(c, err)
				return
			}
			c.Status(http.StatusNoContent)
		})
	}

	registerStreamRoute(router, log, sessions)
	registerAgentChatRoute(router, log, cfg, agentSup)

	return router
}

// WriteAppErr maps an apperr.Kind to its HTTP status and writes a JSON
// error body.
func WriteAppErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.Validation:
		status = http.StatusBadRequest
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.Conflict:
		status = http.StatusConflict
	case apperr.Forbidden:
		status = http.StatusForbidden
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
