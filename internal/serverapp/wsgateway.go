package serverapp

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/octo/internal/agentbackend"
	"github.com/kandev/octo/internal/common/logger"
	"github.com/kandev/octo/internal/session"
)

// upgrader allows any origin: this admin surface sits behind
// operator-controlled network access rather than a public browser
// origin policy.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// inbound is a command a connected client can send over the stream
// socket: either a prompt or a permission reply.
type inbound struct {
	Type         string `json:"type"` // "prompt" | "permission_reply"
	Text         string `json:"text,omitempty"`
	PermissionID string `json:"permission_id,omitempty"`
	Reply        string `json:"reply,omitempty"`
}

// registerStreamRoute wires GET /admin/sessions/:id/stream: it
// resolves the session's backend endpoint, opens an agentbackend.Conn
// to its HTTP+SSE API, and relays translated events to the websocket
// client while forwarding the client's prompt/permission-reply
// commands back to the backend.
func registerStreamRoute(router *gin.Engine, log *logger.Logger, sessions *session.Service) {
	router.GET("/admin/sessions/:id/stream", func(c *gin.Context) {
		sess, err := sessions.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			WriteAppErr(c, err)
			return
		}
		if sess == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}

		var backend agentbackend.Backend
		connInfo := agentbackend.ConnInfo{Port: sess.OpenCodePort}
		if sess.Runtime == session.RuntimeContainer {
			backend = agentbackend.NewContainerBackend()
			connInfo.Host = sess.Handle // container sessions are addressed by container name on the default network
		} else {
			backend = agentbackend.NewLocalBackend()
		}

		endpoint, err := backend.Resolve(c.Request.Context(), sess.ID, connInfo)
		if err != nil {
			WriteAppErr(c, err)
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn("stream: websocket upgrade failed", zap.Error(err))
			return
		}
		defer ws.Close()

		conn := agentbackend.Connect(endpoint, sess.ID, log)
		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()

		go conn.Run(ctx, func(ev *agentbackend.Event) {
			if err := ws.WriteJSON(ev); err != nil {
				cancel()
			}
		})

		for {
			var msg inbound
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case "prompt":
				_ = conn.Prompt(ctx, msg.Text)
			case "permission_reply":
				_ = conn.ReplyPermission(ctx, msg.PermissionID, msg.Reply)
			}
		}
	})
}

