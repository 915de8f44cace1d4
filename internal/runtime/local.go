package runtime

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/kandev/octo/internal/common/apperr"
	"github.com/kandev/octo/internal/linuxuser"
	"github.com/kandev/octo/internal/procmgr"
	"github.com/kandev/octo/internal/sandbox"
	"github.com/kandev/octo/internal/validate"
)

// LocalConfig configures the native-process-group backend.
type LocalConfig struct {
	OpenCodeBinary   string
	FileServerBinary string
	TTYDBinary       string
	AgentBinary      string
	Isolate          bool // whether to provision/run as a per-user Linux account
}

// Local implements Runtime by composing the Process Manager, the
// Sandbox Composer, and the Linux User Provisioner: it resolves the
// run-as principal, creates the workspace, and spawns the three
// standard services (file server, terminal, and the opencode agent),
// all bound to loopback.
type Local struct {
	cfg     LocalConfig
	procs   *procmgr.Manager
	users   *linuxuser.Provisioner
	sandbox sandbox.Policy
}

func NewLocal(cfg LocalConfig, procs *procmgr.Manager, users *linuxuser.Provisioner, policy sandbox.Policy) *Local {
	return &Local{cfg: cfg, procs: procs, users: users, sandbox: policy}
}

func (l *Local) StartSession(ctx context.Context, req StartRequest) (Handle, error) {
	runAs, err := l.resolveRunAs(req)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(req.Workspace, 0o750); err != nil {
		return "", apperr.RuntimeFailure(err, "creating workspace %s", req.Workspace)
	}
	if runAs != "" {
		if err := l.users.ChownToUser(req.Workspace, runAs); err != nil {
			return "", err
		}
	}

	env := envSlice(req.Env)
	policy := l.sandbox

	fsArgs := []string{"--addr", loopbackAddr(req.Ports.FileServer), "--root", req.Workspace}
	if err := procmgr.AssertLoopbackArgv(fsArgs); err != nil {
		return "", err
	}
	fsHandle, err := l.procs.Spawn(ctx, req.SessionID, procmgr.Spec{
		Service: "fileserver", Binary: l.cfg.FileServerBinary, Args: fsArgs,
		Cwd: req.Workspace, Env: env, Port: req.Ports.FileServer, RunAs: runAs,
	})
	if err != nil {
		return "", err
	}

	ttydArgs := []string{"--interface", loopbackAddr(req.Ports.TTYD), "-p", strconv.Itoa(req.Ports.TTYD), "bash"}
	if err := procmgr.AssertLoopbackArgv(ttydArgs); err != nil {
		return "", err
	}
	ttydHandle, err := l.procs.Spawn(ctx, req.SessionID, procmgr.Spec{
		Service: "ttyd", Binary: l.cfg.TTYDBinary, Args: ttydArgs,
		Cwd: req.Workspace, Env: env, Port: req.Ports.TTYD, RunAs: runAs,
	})
	if err != nil {
		return "", err
	}

	ocArgs := []string{"serve", "--hostname", loopbackAddr(req.Ports.OpenCode)}
	if err := procmgr.AssertLoopbackArgv(ocArgs); err != nil {
		return "", err
	}
	agentHandle, err := l.procs.Spawn(ctx, req.SessionID, procmgr.Spec{
		Service: "opencode", Binary: l.cfg.OpenCodeBinary, Args: ocArgs,
		Cwd: req.Workspace, Env: env, Port: req.Ports.OpenCode, RunAs: runAs,
		Sandbox: &policy, Workspace: req.Workspace,
	})
	if err != nil {
		return "", err
	}

	return Handle(fmt.Sprintf("%d,%d,%d", fsHandle.PID, ttydHandle.PID, agentHandle.PID)), nil
}

// ResumeSession for the local backend is semantically identical to
// starting fresh: native process groups don't persist across restarts.
func (l *Local) ResumeSession(ctx context.Context, req StartRequest, _ Handle) (Handle, error) {
	return l.StartSession(ctx, req)
}

// StopSession terminates the process group named by handle directly by
// pid, bypassing the Process Manager's session-id tracking: a resumed
// or reconciled handle may outlive the *procmgr.Handle objects that
// were live when the processes were spawned.
func (l *Local) StopSession(ctx context.Context, handle Handle, timeoutSec int) error {
	for _, p := range strings.Split(string(handle), ",") {
		pid, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		proc, err := os.FindProcess(pid)
		if err != nil {
			continue
		}
		_ = proc.Signal(syscall.SIGTERM)
	}
	return nil
}

// StopSessionByID kills every process tracked under sessionID via the
// Process Manager's session group, which also waits for reaping and
// escalates to SIGKILL per §4.5. Preferred over StopSession when the
// orchestrator still holds live *procmgr.Handle objects for the
// session (the common case — only post-restart reconciliation doesn't).
func (l *Local) StopSessionByID(sessionID string) []error {
	return l.procs.KillSession(sessionID)
}

// Inspect probes a pid-triple handle for liveness. This path is only
// exercised for handles rehydrated after a restart, where procmgr has
// no live *procmgr.Handle to ask; startup reconciliation (§4.7) uses
// this to decide which claimed-running sessions are actually ghosts.
func (l *Local) Inspect(ctx context.Context, handle Handle) (Status, error) {
	parts := strings.Split(string(handle), ",")
	if len(parts) == 0 {
		return StatusUnknown, nil
	}
	anyAlive := false
	for _, p := range parts {
		pid, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		proc, err := os.FindProcess(pid)
		if err != nil {
			continue
		}
		if proc.Signal(syscall.Signal(0)) == nil {
			anyAlive = true
		}
	}
	if anyAlive {
		return StatusRunning, nil
	}
	return StatusExited, nil
}

func (l *Local) resolveRunAs(req StartRequest) (string, error) {
	if !l.cfg.Isolate {
		return "", nil
	}
	var uid int
	var err error
	var username string
	if req.ProjectID != "" {
		uid, err = l.users.EnsureProjectUser(req.ProjectID, req.Workspace)
		username = l.users.ProjectUsername(req.ProjectID)
	} else {
		uid, err = l.users.EnsureUser(req.UserID)
		username = l.users.Username(req.UserID)
	}
	if err != nil {
		return "", err
	}
	if err := validate.UID(uid); err != nil {
		return "", err
	}
	return username, nil
}

func envSlice(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out
}

func loopbackAddr(port int) string {
	return fmt.Sprintf("%s:%d", procmgr.Loopback, port)
}
