package serverapp

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/octo/internal/agent"
	"github.com/kandev/octo/internal/common/config"
	"github.com/kandev/octo/internal/common/logger"
)

// stdioSpawner closes over the backend logger and adapts
// agent.SpawnStdio's concrete *stdioCoprocess return type to the
// agent.Spawner function type, which speaks in terms of the
// agent.Coprocess interface.
func stdioSpawner(log *logger.Logger) agent.Spawner {
	return func(ctx context.Context, cfg agent.SpawnConfig) (agent.Coprocess, error) {
		return agent.SpawnStdio(ctx, cfg, log)
	}
}

// BuildAgentSupervisor constructs the main-chat coprocess supervisor
// and starts its idle-reap background loop. Callers are responsible
// for calling Stop on shutdown.
func BuildAgentSupervisor(cfg *config.Config, log *logger.Logger) *agent.Supervisor {
	sup := agent.NewSupervisor(stdioSpawner(log), log)
	sup.StartCleanupTask()
	return sup
}

type chatInbound struct {
	Type    string `json:"type"` // "prompt" | "abort" | "steer"
	Message string `json:"message,omitempty"`
}

// registerAgentChatRoute exposes the main-chat coprocess supervisor
// over a WebSocket: one connection per (user, workspace), resuming the
// most recently persisted session file if present and otherwise
// starting fresh, mirroring ResumeOrFresh's continuation decision.
func registerAgentChatRoute(router *gin.Engine, log *logger.Logger, cfg *config.Config, sup *agent.Supervisor) {
	router.GET("/agents/:user/:workspace/stream", func(c *gin.Context) {
		key := agent.Key{UserID: c.Param("user"), Workspace: c.Param("workspace")}

		spawnCfg := agent.SpawnConfig{
			Binary:  cfg.Agent.Binary,
			Workdir: key.Workspace,
		}

		sess, err := sup.ResumeOrFresh(c.Request.Context(), key, c.Query("last_session_file"), spawnCfg)
		if err != nil {
			WriteAppErr(c, err)
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn("agent chat: websocket upgrade failed", zap.Error(err))
			return
		}
		defer ws.Close()

		for _, ev := range sess.ReplayEvents() {
			if err := ws.WriteJSON(ev); err != nil {
				return
			}
		}

		for {
			var msg chatInbound
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case "prompt":
				_ = sess.Prompt(c.Request.Context(), msg.Message)
			case "abort":
				_ = sess.Abort(c.Request.Context())
			case "steer":
				_ = sess.Steer(c.Request.Context(), msg.Message)
			}
		}
	})
}
