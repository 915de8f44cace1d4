package agentbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kandev/octo/internal/common/apperr"
	"github.com/kandev/octo/internal/common/logger"
)

// Endpoint is the address of a running backend's HTTP+SSE API:
// resolved differently by the Local and Container backends, but
// opaque past that point.
type Endpoint struct {
	BaseURL string // e.g. http://127.0.0.1:41820 or http://10.0.4.2:41820
	Headers map[string]string
}

// Backend resolves a session's Endpoint from whatever the Runtime
// Adapter handed back when the workload was started, and connects to
// its event stream.
type Backend interface {
	// Resolve returns the HTTP+SSE endpoint for a running session,
	// given the runtime-specific connection info recorded for it.
	Resolve(ctx context.Context, sessionID string, connInfo ConnInfo) (Endpoint, error)
}

// ConnInfo is the minimal addressing data the Session Orchestrator
// hands to a Backend: a loopback port for local sessions, or a
// container network address for container sessions.
type ConnInfo struct {
	Host string
	Port int
}

// LocalBackend resolves sessions started by the local Runtime Adapter:
// the coding-agent process always binds loopback, so the endpoint is
// just 127.0.0.1:port.
type LocalBackend struct{}

func NewLocalBackend() *LocalBackend { return &LocalBackend{} }

func (b *LocalBackend) Resolve(_ context.Context, _ string, conn ConnInfo) (Endpoint, error) {
	host := conn.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return Endpoint{BaseURL: fmt.Sprintf("http://%s:%d", host, conn.Port)}, nil
}

// ContainerBackend resolves sessions started by the container Runtime
// Adapter: the coding-agent listens on the container's published port,
// reached through the container's network address rather than
// loopback.
type ContainerBackend struct{}

func NewContainerBackend() *ContainerBackend { return &ContainerBackend{} }

func (b *ContainerBackend) Resolve(_ context.Context, _ string, conn ConnInfo) (Endpoint, error) {
	if conn.Host == "" {
		return Endpoint{}, apperr.RuntimeFailure(nil, "container backend: missing container network address")
	}
	return Endpoint{BaseURL: fmt.Sprintf("http://%s:%d", conn.Host, conn.Port)}, nil
}

// Conn is one live connection to a resolved backend endpoint: an HTTP
// client for request/response calls (prompt, abort, permission reply)
// plus the persistent SSE stream of translated Events.
type Conn struct {
	endpoint   Endpoint
	sessionID  string
	httpClient *http.Client
	sse        *SSEClient
	log        *logger.Logger
}

// Connect builds a Conn for a resolved endpoint together with its
// underlying SSE client, but does not begin streaming until Run is
// called — the caller controls the subscription's lifetime.
func Connect(endpoint Endpoint, sessionID string, log *logger.Logger) *Conn {
	return &Conn{
		endpoint:   endpoint,
		sessionID:  sessionID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		sse:        NewSSEClient(sessionID, endpoint.BaseURL+"/event", endpoint.Headers, log),
		log:        log,
	}
}

// Run streams translated events from the backend to onEvent until ctx
// is cancelled. Blocks; callers should run it in its own goroutine.
func (c *Conn) Run(ctx context.Context, onEvent func(*Event)) {
	c.sse.Run(ctx, onEvent)
}

// Prompt posts a new user message to the backend's active session.
func (c *Conn) Prompt(ctx context.Context, text string) error {
	return c.post(ctx, "/session/message", map[string]any{"text": text})
}

// ReplyPermission answers a pending permission request.
func (c *Conn) ReplyPermission(ctx context.Context, permissionID, reply string) error {
	return c.post(ctx, "/permission/"+permissionID+"/reply", map[string]any{"reply": reply})
}

func (c *Conn) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.endpoint.Headers {
		req.Header.Set(k, v)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.RuntimeFailure(err, "calling agent backend %s", path)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apperr.RuntimeFailure(nil, "agent backend %s returned HTTP %d", path, resp.StatusCode)
	}
	return nil
}
