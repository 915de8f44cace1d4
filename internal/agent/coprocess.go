package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/acp-go-sdk"

	"github.com/kandev/octo/internal/common/apperr"
	"github.com/kandev/octo/internal/common/logger"
)

// SpawnConfig describes one coprocess invocation: the long-running
// agent process backing a main-chat conversation.
type SpawnConfig struct {
	Binary              string
	Workdir             string
	SessionFile         string // non-empty when resuming a specific on-disk session
	Provider            string
	Model               string
	AppendSystemPrompts []string // ONBOARD.md/PERSONALITY.md/USER.md paths present in Workdir
	Extensions          []string
	Env                 map[string]string
	Sandboxed           bool
}

// Coprocess is the control surface of one spawned agent process.
type Coprocess interface {
	Prompt(ctx context.Context, message string) error
	Abort(ctx context.Context) error
	Steer(ctx context.Context, message string) error
	SessionID() string
	Subscribe() <-chan Event
	Close() error
}

// clientInfo identifies this backend to agents during the ACP
// handshake.
var clientInfo = &acp.Implementation{Name: "octo-agent-supervisor", Version: "1.0.0"}

// stdioCoprocess drives a coprocess over the Agent Client Protocol: an
// acp.ClientSideConnection owns the JSON-RPC framing on the
// subprocess's stdin/stdout, acpClient answers the agent's callbacks
// (session updates, permission prompts, file I/O), and the session
// updates it receives are translated into the normalized Event stream
// Subscribe exposes.
type stdioCoprocess struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	conn      *acp.ClientSideConnection
	client    *acpClient
	sessionID string

	mu      sync.Mutex
	events  chan Event
	closeCh chan struct{}
}

// SpawnStdio starts the coprocess binary with argv built from cfg,
// performs the ACP initialize handshake over its stdio, and either
// loads the session named by cfg.SessionFile or creates a fresh one.
func SpawnStdio(ctx context.Context, cfg SpawnConfig, log *logger.Logger) (*stdioCoprocess, error) {
	args := buildArgv(cfg)
	cmd := exec.CommandContext(ctx, cfg.Binary, args...)
	cmd.Dir = cfg.Workdir
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apperr.RuntimeFailure(err, "opening coprocess stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperr.RuntimeFailure(err, "opening coprocess stdout")
	}
	if err := cmd.Start(); err != nil {
		return nil, apperr.RuntimeFailure(err, "spawning coprocess %s", cfg.Binary)
	}

	c := &stdioCoprocess{
		cmd:     cmd,
		stdin:   stdin,
		events:  make(chan Event, 64),
		closeCh: make(chan struct{}),
	}

	c.client = newACPClient(log, cfg.Workdir, c.emit, nil)
	c.conn = acp.NewClientSideConnection(c.client, stdin, stdout)
	c.conn.SetLogger(slog.Default().With("component", "agent-acp"))

	if _, err := c.conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientInfo:      clientInfo,
	}); err != nil {
		_ = cmd.Process.Kill()
		return nil, apperr.RuntimeFailure(err, "initializing agent client protocol connection")
	}

	if cfg.SessionFile != "" {
		if _, err := c.conn.LoadSession(ctx, acp.LoadSessionRequest{
			SessionId: acp.SessionId(cfg.SessionFile),
		}); err != nil {
			_ = cmd.Process.Kill()
			return nil, apperr.RuntimeFailure(err, "loading coprocess session %s", cfg.SessionFile)
		}
		c.sessionID = cfg.SessionFile
	} else {
		resp, err := c.conn.NewSession(ctx, acp.NewSessionRequest{
			Cwd:        cfg.Workdir,
			McpServers: []acp.McpServer{},
		})
		if err != nil {
			_ = cmd.Process.Kill()
			return nil, apperr.RuntimeFailure(err, "creating coprocess session")
		}
		c.sessionID = string(resp.SessionId)
	}

	return c, nil
}

// emit delivers one translated Event to Subscribe, dropping it rather
// than blocking the agent's RPC pump if no consumer is keeping up.
func (c *stdioCoprocess) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.closeCh:
	default:
	}
}

// Prompt sends the message and blocks until the agent's turn
// completes, as the Agent Client Protocol's prompt RPC does; turn
// boundaries are reported on Subscribe as synthesized agent_start and
// agent_end events since ACP itself carries no separate notification
// for them.
func (c *stdioCoprocess) Prompt(ctx context.Context, message string) error {
	c.emit(Event{Type: "agent_start"})
	_, err := c.conn.Prompt(ctx, acp.PromptRequest{
		SessionId: acp.SessionId(c.sessionID),
		Prompt:    []acp.ContentBlock{acp.TextBlock(message)},
	})
	c.emit(Event{Type: "agent_end"})
	if err != nil {
		return apperr.RuntimeFailure(err, "coprocess prompt")
	}
	return nil
}

// Abort cancels the in-progress turn, if any.
func (c *stdioCoprocess) Abort(ctx context.Context) error {
	return c.conn.Cancel(ctx, acp.CancelNotification{SessionId: acp.SessionId(c.sessionID)})
}

// Steer redirects the agent mid-turn. The Agent Client Protocol has no
// native steering RPC, so this cancels the current turn and
// immediately reprompts with the steering message, which is how the
// protocol's own cancel-then-prompt sequencing is meant to be used for
// redirecting an agent already at work.
func (c *stdioCoprocess) Steer(ctx context.Context, message string) error {
	if err := c.conn.Cancel(ctx, acp.CancelNotification{SessionId: acp.SessionId(c.sessionID)}); err != nil {
		return apperr.RuntimeFailure(err, "cancelling coprocess turn before steering")
	}
	return c.Prompt(ctx, message)
}

func (c *stdioCoprocess) SessionID() string { return c.sessionID }

func (c *stdioCoprocess) Subscribe() <-chan Event { return c.events }

func (c *stdioCoprocess) Close() error {
	c.mu.Lock()
	select {
	case <-c.closeCh:
	default:
		close(c.closeCh)
		close(c.events)
	}
	c.mu.Unlock()

	_ = c.conn.Close()
	_ = c.stdin.Close()
	if c.cmd.Process == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		_ = c.cmd.Process.Kill()
		return <-done
	}
}

// buildArgv assembles the coprocess argv: resumed session file (absent
// on a fresh start), system-prompt append files discovered in the
// workspace, provider/model defaults, the extension list, and the
// sandbox flag. The working directory is not part of argv; SpawnStdio
// sets it as the process's cwd.
func buildArgv(cfg SpawnConfig) []string {
	var args []string
	if cfg.SessionFile != "" {
		args = append(args, "--session-file", cfg.SessionFile)
	}
	for _, p := range cfg.AppendSystemPrompts {
		args = append(args, "--append-system-prompt", filepath.Clean(p))
	}
	if cfg.Provider != "" {
		args = append(args, "--provider", cfg.Provider)
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	for _, ext := range cfg.Extensions {
		args = append(args, "--extension", ext)
	}
	if cfg.Sandboxed {
		args = append(args, "--sandboxed")
	}
	return args
}
