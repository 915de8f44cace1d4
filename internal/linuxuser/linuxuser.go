// Package linuxuser provisions and idempotently reconciles the Linux
// accounts that back session isolation: one shared group, one account
// per platform user (or per shared project), sequential UIDs starting
// from a configured floor, and a per-user runner-socket directory that
// the agent coprocess supervisor connects through.
//
// Every operation here shells out to setuid helpers (useradd, groupadd,
// chown, mkdir) rather than touching /etc/passwd directly, following
// the same privilege-drop model the orchestrator uses elsewhere: run
// directly when already root, otherwise prepend "sudo -n" and fail
// closed if that isn't permitted.
package linuxuser

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kandev/octo/internal/common/apperr"
	"github.com/kandev/octo/internal/common/logger"
	"github.com/kandev/octo/internal/validate"
	"go.uber.org/zap"
)

const projectPrefix = "proj_"

// Config mirrors the platform section of the orchestrator's config file.
type Config struct {
	Enabled       bool
	Prefix        string
	UIDStart      int
	Group         string
	Shell         string
	UseSudo       bool
	CreateHome    bool
	GecosPrefix   string
	RunnerSockDir string
}

// Provisioner reconciles Linux accounts against the desired state
// described by Config. All methods are safe to call repeatedly; the
// underlying shell-outs are idempotent by construction (useradd/
// groupadd are only invoked when an existence check finds the account
// or group missing).
type Provisioner struct {
	cfg Config
	log *logger.Logger
}

func New(cfg Config) *Provisioner {
	return &Provisioner{cfg: cfg, log: logger.Default().WithFields()}
}

// Username returns the Linux account name for a platform user id. If a
// Linux user already exists with the bare sanitized id (no prefix),
// that account is reused — this lets admins bring their own Linux
// account without the platform prefix attached.
func (p *Provisioner) Username(userID string) string {
	sanitized := sanitizeUsername(userID)
	if userExists(sanitized) {
		return sanitized
	}
	return p.cfg.Prefix + sanitized
}

// ProjectUsername returns the Linux account name for a shared project.
func (p *Provisioner) ProjectUsername(projectID string) string {
	return p.cfg.Prefix + projectPrefix + sanitizeUsername(projectID)
}

// EnsureGroup creates the shared group if it doesn't already exist.
func (p *Provisioner) EnsureGroup() error {
	if !p.cfg.Enabled {
		return nil
	}
	if err := validate.Group(p.cfg.Group); err != nil {
		return err
	}
	exists, err := groupExists(p.cfg.Group)
	if err != nil {
		return apperr.RuntimeFailure(err, "checking group %q", p.cfg.Group)
	}
	if exists {
		return nil
	}
	if err := p.runPrivileged("groupadd", p.cfg.Group); err != nil {
		return apperr.RuntimeFailure(err, "creating group %q", p.cfg.Group)
	}
	return nil
}

// EnsureUser guarantees a Linux account exists for userID, creating the
// shared group and the account (with a sequential UID) if needed, then
// provisions the per-user runner socket directory; an error from that
// step fails the call. Calling
// it twice for the same userID returns the same UID both times.
func (p *Provisioner) EnsureUser(userID string) (int, error) {
	if !p.cfg.Enabled {
		return os.Getuid(), nil
	}
	if err := p.EnsureGroup(); err != nil {
		return 0, err
	}
	uid, err := p.createUser(userID, p.Username(userID), fmt.Sprintf("Platform user: %s", userID))
	if err != nil {
		return 0, err
	}
	username := p.Username(userID)
	if err := p.ensureRunnerSocket(username, uid); err != nil {
		return 0, apperr.RuntimeFailure(err, "ensuring runner socket for %q", username)
	}
	return uid, nil
}

// EnsureProjectUser guarantees a shared-project Linux account exists,
// creating it if needed and chowning projectPath to it either way.
func (p *Provisioner) EnsureProjectUser(projectID, projectPath string) (int, error) {
	if !p.cfg.Enabled {
		return os.Getuid(), nil
	}
	if err := p.EnsureGroup(); err != nil {
		return 0, err
	}
	username := p.ProjectUsername(projectID)
	uid, err := p.createUser(projectID, username, fmt.Sprintf("Shared project: %s", projectID))
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(projectPath, 0o750); err != nil {
		return 0, apperr.RuntimeFailure(err, "creating project directory %q", projectPath)
	}
	if err := p.ChownToUser(projectPath, username); err != nil {
		return 0, err
	}
	return uid, nil
}

// createUser looks up username, returning its existing UID, or
// allocates the next free UID >= UIDStart and runs useradd.
func (p *Provisioner) createUser(logicalID, username, gecosSuffix string) (int, error) {
	if uid, ok, err := getUserUID(username); err != nil {
		return 0, apperr.RuntimeFailure(err, "checking user %q", username)
	} else if ok {
		return uid, nil
	}

	uid, err := p.nextFreeUID()
	if err != nil {
		return 0, err
	}
	gecos := sanitizeGECOS(p.cfg.GecosPrefix + gecosSuffix)
	if err := validate.CreateUser(username, uid, p.cfg.Group, p.cfg.Shell, gecos); err != nil {
		return 0, err
	}

	args := []string{"-u", strconv.Itoa(uid), "-g", p.cfg.Group, "-s", p.cfg.Shell}
	if p.cfg.CreateHome {
		args = append(args, "-m")
	} else {
		args = append(args, "-M")
	}
	args = append(args, "-c", gecos, username)

	if err := p.runPrivileged("useradd", args...); err != nil {
		return 0, apperr.RuntimeFailure(err, "creating user %q", username)
	}
	p.log.Info("created linux user",
		zap.String("username", username), zap.Int("uid", uid), zap.String("logical_id", logicalID))
	return uid, nil
}

// ChownToUser recursively sets ownership of path to username:group.
func (p *Provisioner) ChownToUser(path, username string) error {
	if !p.cfg.Enabled {
		return nil
	}
	owner := username + ":" + p.cfg.Group
	if err := validate.Owner(owner); err != nil {
		return err
	}
	if err := p.runPrivileged("chown", "-R", owner, path); err != nil {
		return apperr.RuntimeFailure(err, "chown %q to %q", path, owner)
	}
	return nil
}

// ensureRunnerSocket makes the per-user octo-runner socket directory
// reachable. The base directory must already be provisioned (at boot,
// by tmpfiles or install) with mode 2770 and the shared group; this
// never attempts to create the base dir itself, since a request-time
// privilege prompt would hang the orchestrator.
func (p *Provisioner) ensureRunnerSocket(username string, uid int) error {
	baseDir := p.cfg.RunnerSockDir
	if _, err := os.Stat(baseDir); err != nil {
		return fmt.Errorf(
			"runner socket base dir missing at %s: provision it at boot (mode 2770, group %q) before provisioning users",
			baseDir, p.cfg.Group,
		)
	}

	userDir := filepath.Join(baseDir, username)
	sockPath := filepath.Join(userDir, "octo-runner.sock")
	if _, err := os.Stat(sockPath); err == nil {
		// Fast path: the runner is already up for this user.
		return nil
	}

	if _, err := os.Stat(userDir); err != nil {
		if username == currentUsername() {
			if err := os.MkdirAll(userDir, 0o2770); err != nil {
				return fmt.Errorf("creating %s: %w", userDir, err)
			}
			_ = os.Chmod(userDir, 0o2770)
		} else {
			if err := p.runPrivileged("mkdir", "-p", userDir); err != nil {
				return fmt.Errorf("creating runner socket dir: %w", err)
			}
			if err := p.runPrivileged("chown", username+":"+p.cfg.Group, userDir); err != nil {
				return fmt.Errorf("chown runner socket dir: %w", err)
			}
			if err := p.runPrivileged("chmod", "2770", userDir); err != nil {
				return fmt.Errorf("chmod runner socket dir: %w", err)
			}
		}
	}

	// Starting the per-user systemd unit that listens on the socket is
	// best-effort: we only hard-fail if the socket still isn't there
	// afterward.
	_ = p.runPrivileged("loginctl", "enable-linger", username)
	_ = p.runPrivileged("systemctl", "start", fmt.Sprintf("user@%d.service", uid))

	runtimeDir := fmt.Sprintf("/run/user/%d", uid)
	_ = p.runAsUser(username, "systemctl",
		[]string{"--user", "enable", "--now", "octo-runner"},
		[]string{"XDG_RUNTIME_DIR=" + runtimeDir, "DBUS_SESSION_BUS_ADDRESS=unix:path=" + runtimeDir + "/bus"},
	)

	if _, err := os.Stat(sockPath); err != nil {
		return fmt.Errorf("octo-runner socket not found at %s", sockPath)
	}
	return nil
}

func (p *Provisioner) nextFreeUID() (int, error) {
	f, err := os.Open("/etc/passwd")
	if err != nil {
		return 0, fmt.Errorf("reading /etc/passwd: %w", err)
	}
	defer f.Close()

	maxUID := p.cfg.UIDStart - 1
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.Split(scanner.Text(), ":")
		if len(parts) < 3 {
			continue
		}
		uid, err := strconv.Atoi(parts[2])
		if err != nil {
			continue
		}
		if uid >= p.cfg.UIDStart && uid > maxUID {
			maxUID = uid
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return maxUID + 1, nil
}

// runPrivileged runs cmd directly when the current process is root,
// otherwise via "sudo -n" (non-interactive; fails closed rather than
// prompting). The probe for whether sudo is usable is left to the
// caller's first real invocation — there is no separate "can I sudo"
// check, because a trivial probe command (e.g. "sudo -n true") can
// pass under a restricted sudoers allowlist that wouldn't actually
// permit useradd, giving a false positive.
func (p *Provisioner) runPrivileged(cmd string, args ...string) error {
	var c *exec.Cmd
	if os.Geteuid() == 0 {
		c = exec.Command(cmd, args...)
	} else if p.cfg.UseSudo {
		c = exec.Command("sudo", append([]string{"-n", cmd}, args...)...)
	} else {
		return fmt.Errorf("must be root or have sudo enabled to run %q", cmd)
	}
	out, err := c.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w: %s", cmd, args, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// runAsUser runs cmd as username: via "runuser -u" when root, else via
// "sudo -n -u" when enabled.
func (p *Provisioner) runAsUser(username, cmd string, args, env []string) error {
	var c *exec.Cmd
	if os.Geteuid() == 0 {
		c = exec.Command("runuser", append([]string{"-u", username, "--", cmd}, args...)...)
	} else if p.cfg.UseSudo {
		c = exec.Command("sudo", append([]string{"-n", "-u", username, cmd}, args...)...)
	} else {
		return fmt.Errorf("must be root or have sudo enabled to run as user %q", username)
	}
	c.Env = append(os.Environ(), env...)
	out, err := c.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s as %s: %w: %s", cmd, username, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func currentUsername() string {
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	return ""
}

func userExists(username string) bool {
	_, ok, err := getUserUID(username)
	return err == nil && ok
}

func getUserUID(username string) (int, bool, error) {
	out, err := exec.Command("id", "-u", username).Output()
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return 0, false, nil
		}
		return 0, false, err
	}
	uid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, false, fmt.Errorf("parsing uid: %w", err)
	}
	return uid, true, nil
}

func groupExists(group string) (bool, error) {
	err := exec.Command("getent", "group", group).Run()
	if err == nil {
		return true, nil
	}
	if _, ok := err.(*exec.ExitError); ok {
		return false, nil
	}
	return false, err
}

// sanitizeUsername coerces an arbitrary platform id into a valid Linux
// username: lowercase, starts with a letter or underscore, and
// restricted to [a-z0-9_-], truncated to 32 characters.
func sanitizeUsername(id string) string {
	var b strings.Builder
	for i, r := range strings.ToLower(id) {
		if b.Len() >= 32 {
			break
		}
		switch {
		case i == 0 && (r >= 'a' && r <= 'z' || r == '_'):
			b.WriteRune(r)
		case i == 0 && r >= '0' && r <= '9':
			b.WriteByte('_')
			b.WriteRune(r)
		case i == 0:
			b.WriteByte('_')
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "user"
	}
	return b.String()
}

// sanitizeGECOS strips characters useradd's shadow backend rejects in
// the comment field (':' is the passwd field separator; control chars
// corrupt the record).
func sanitizeGECOS(input string) string {
	var b strings.Builder
	for _, r := range input {
		switch r {
		case ':', '\n', '\r', 0:
			b.WriteByte(' ')
		default:
			b.WriteRune(r)
		}
	}
	trimmed := strings.TrimSpace(b.String())
	if trimmed == "" {
		return "Octo user"
	}
	return trimmed
}
