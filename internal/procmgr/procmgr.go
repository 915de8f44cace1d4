// Package procmgr spawns, tracks, and reaps the native child processes
// (agent coprocess, terminal, file server) that make up a local-runtime
// session, and enforces the loopback-only bind discipline those
// services must honor regardless of sandbox policy.
package procmgr

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kandev/octo/internal/common/apperr"
	"github.com/kandev/octo/internal/common/logger"
	"github.com/kandev/octo/internal/sandbox"
	"go.uber.org/zap"
)

// Loopback is the only address the three standard services may bind.
const Loopback = "127.0.0.1"

// killWait bounds how long Kill waits after SIGTERM for the process to
// exit before escalating to SIGKILL.
const killWait = 5 * time.Second

// shellSafe matches characters that never need escaping when
// assembling a shell-visible command line for logging/diagnostics.
var shellSafe = regexp.MustCompile(`^[A-Za-z0-9_.\-/]+$`)

// ShellEscape quotes s for safe inclusion in a shell-assembled command
// line, used only for the human-readable command log line — actual
// spawns always go through exec.Command's argv, never a shell.
func ShellEscape(s string) string {
	if shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Spec describes one process to spawn.
type Spec struct {
	Service   string // "opencode" | "fileserver" | "ttyd" | agent label
	Binary    string
	Args      []string
	Cwd       string
	Env       []string
	Port      int
	RunAs     string // Linux username; empty = current effective user
	UseSudo   bool
	Sandbox   *sandbox.Policy
	Workspace string
}

// Handle is a live managed process.
type Handle struct {
	PID     int
	Service string
	Port    int

	cmd *exec.Cmd
	mu  sync.Mutex
}

// IsRunning reports whether the process has not yet been reaped.
func (h *Handle) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd.ProcessState != nil {
		return false
	}
	return true
}

// ExitStatus returns (nil) while still running, or the exit code and/or
// signal once the process has been waited on.
type ExitStatus struct {
	Code   *int
	Signal *int
}

// CheckExitStatus returns nil while the process is still running.
func (h *Handle) CheckExitStatus() *ExitStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.cmd.ProcessState
	if st == nil {
		return nil
	}
	out := &ExitStatus{}
	if ws, ok := st.Sys().(syscall.WaitStatus); ok {
		if ws.Exited() {
			c := ws.ExitStatus()
			out.Code = &c
		} else if ws.Signaled() {
			s := int(ws.Signal())
			out.Signal = &s
		}
	} else if st.Success() {
		c := 0
		out.Code = &c
	}
	return out
}

// FormatExitStatus renders an ExitStatus the way operators expect to
// see it in logs: exit code, named signal, or raw signal number.
func FormatExitStatus(st *ExitStatus) string {
	if st == nil {
		return "running"
	}
	if st.Code != nil {
		return fmt.Sprintf("exited with code %d", *st.Code)
	}
	if st.Signal != nil {
		if name, ok := signalNames[*st.Signal]; ok {
			return fmt.Sprintf("killed by %s (signal %d)", name, *st.Signal)
		}
		return fmt.Sprintf("killed by signal %d", *st.Signal)
	}
	return "exited (unknown status)"
}

var signalNames = map[int]string{
	9:  "SIGKILL",
	15: "SIGTERM",
	11: "SIGSEGV",
	6:  "SIGABRT",
}

// Manager tracks spawned process handles grouped by session id.
type Manager struct {
	mu       sync.Mutex
	sessions map[string][]*Handle
	log      *logger.Logger
}

func New() *Manager {
	return &Manager{
		sessions: make(map[string][]*Handle),
		log:      logger.Default(),
	}
}

// Spawn starts spec's process under sessionID's tracking group. If
// spec.Sandbox is set and bwrap is available, the command is wrapped;
// otherwise it runs directly with a logged warning. If RunAs names a
// user other than the current effective one, the command is prefixed
// with runuser/sudo per §4.5's privilege model.
func (m *Manager) Spawn(ctx context.Context, sessionID string, spec Spec) (*Handle, error) {
	cmd, sandboxed := m.buildCommand(spec)
	if spec.Sandbox != nil && spec.Sandbox.Enabled && !sandboxed {
		m.log.Warn("sandbox requested but unavailable, spawning unsandboxed",
			zap.String("session_id", sessionID), zap.String("service", spec.Service))
	}
	if err := cmd.Start(); err != nil {
		return nil, apperr.RuntimeFailure(err, "spawning %s for session %s", spec.Service, sessionID)
	}
	h := &Handle{PID: cmd.Process.Pid, Service: spec.Service, Port: spec.Port, cmd: cmd}

	if spec.Sandbox != nil {
		if err := sandbox.ApplyResourceLimits(h.PID, *spec.Sandbox); err != nil {
			m.log.Warn("applying resource limits failed",
				zap.String("session_id", sessionID), zap.String("service", spec.Service), zap.Error(err))
		}
	}

	m.mu.Lock()
	m.sessions[sessionID] = append(m.sessions[sessionID], h)
	m.mu.Unlock()

	go func() {
		_ = cmd.Wait()
	}()

	return h, nil
}

func (m *Manager) buildCommand(spec Spec) (*exec.Cmd, bool) {
	sandboxed := false
	var cmd *exec.Cmd

	if spec.Sandbox != nil && spec.Sandbox.Enabled {
		c, ok := spec.Sandbox.Command(spec.Workspace, spec.RunAs, spec.Binary, spec.Args)
		cmd, sandboxed = c, ok
	} else {
		cmd = exec.Command(spec.Binary, spec.Args...)
	}

	if spec.RunAs != "" {
		cmd = wrapRunAs(cmd, spec.RunAs, spec.UseSudo)
	}

	cmd.Dir = spec.Cwd
	cmd.Env = spec.Env
	return cmd, sandboxed
}

// wrapRunAs rebuilds cmd to execute as a different Linux user: runuser
// when the caller is root, "sudo -n -u --preserve-env --" otherwise.
// Assumes root-detection is the caller's responsibility via
// linuxuser.Provisioner; procmgr itself only knows the chosen prefix.
func wrapRunAs(cmd *exec.Cmd, username string, useSudo bool) *exec.Cmd {
	full := append([]string{cmd.Path}, cmd.Args[1:]...)
	var wrapped *exec.Cmd
	if useSudo {
		args := append([]string{"-n", "-u", username, "--preserve-env", "--"}, full...)
		wrapped = exec.Command("sudo", args...)
	} else {
		args := append([]string{"-u", username, "--"}, full...)
		wrapped = exec.Command("runuser", args...)
	}
	return wrapped
}

// Kill sends SIGTERM then waits up to 5s, escalating to SIGKILL if the
// process hasn't exited, preventing zombies from accumulating.
func (h *Handle) Kill() error {
	h.mu.Lock()
	proc := h.cmd.Process
	h.mu.Unlock()
	if proc == nil {
		return nil
	}

	_ = proc.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_ = h.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(killWait):
		if err := proc.Kill(); err != nil {
			return apperr.RuntimeFailure(err, "SIGKILL pid %d", h.PID)
		}
		<-done
		return nil
	}
}

// KillSession kills every handle registered for sessionID and removes
// them from tracking.
func (m *Manager) KillSession(sessionID string) []error {
	m.mu.Lock()
	handles := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := h.Kill(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Handles returns the tracked handles for sessionID.
func (m *Manager) Handles(sessionID string) []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Handle(nil), m.sessions[sessionID]...)
}

// IsPortAvailable reports whether port can currently be bound.
func IsPortAvailable(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", Loopback, port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// ArePortsAvailable reports whether every port in ports can be bound.
func ArePortsAvailable(ports []int) bool {
	for _, p := range ports {
		if !IsPortAvailable(p) {
			return false
		}
	}
	return true
}

// AssertLoopbackArgv is the static-scan security check from §4.5 / §8.7:
// it fails if any argv element is or contains the literal "0.0.0.0",
// and succeeds only if the loopback address appears somewhere in argv.
func AssertLoopbackArgv(argv []string) error {
	hasLoopback := false
	for _, a := range argv {
		if strings.Contains(a, "0.0.0.0") {
			return apperr.Internalf("argv must never bind 0.0.0.0: %v", argv)
		}
		if strings.Contains(a, Loopback) {
			hasLoopback = true
		}
	}
	if !hasLoopback {
		return apperr.Internalf("argv must explicitly bind %s: %v", Loopback, argv)
	}
	return nil
}

// CleanupStalePorts best-effort reaps any listener on the given ports
// at startup: graceful SIGTERM, SIGKILL after 500ms if still present.
// Returns the number of ports it found and cleared.
func CleanupStalePorts(ports []int, findPID func(port int) (pid int, ok bool)) int {
	cleared := 0
	for _, p := range ports {
		pid, ok := findPID(p)
		if !ok {
			continue
		}
		_ = exec.Command("kill", fmt.Sprintf("%d", pid)).Run()
		time.Sleep(500 * time.Millisecond)
		if !IsPortAvailable(p) {
			_ = exec.Command("kill", "-9", fmt.Sprintf("%d", pid)).Run()
		}
		cleared++
	}
	return cleared
}
