package sandbox

import (
	"os"
	"os/exec"
	"os/user"
)

// BuildArgs composes the bwrap argv for running a command confined to
// workspace, optionally expanding "~/" policy paths against a target
// Linux user's home directory rather than the caller's own. The
// returned slice ends with "--", ready for the caller to append the
// command and its arguments. Returns (nil, false) if bwrap isn't
// installed — callers fall back to running the command unsandboxed
// with a logged warning, per spec §4.4.
//
// Mount order matters: later binds win, so restrictions are layered
// from broadest to narrowest:
//
//  1. system dirs read-only, /proc, /dev
//  2. home read-only
//  3. allow_write binds on top of home
//  4. deny_read as empty tmpfs on top of that
//  5. deny_write re-bound read-only, taking precedence over allow_write
//  6. workspace read-write (always wins over anything under home)
//  7. .octo/ read-only (or empty tmpfs if absent, to block creation)
//  8. /tmp tmpfs
//  9. extra ro/rw binds
//  10. namespace isolation flags, --die-with-parent, "--"
func (p Policy) BuildArgs(workspace, targetUser string) ([]string, bool) {
	if !IsBwrapAvailable() {
		return nil, false
	}

	var args []string
	bind := func(flag, src, dst string) { args = append(args, flag, src, dst) }

	for _, dir := range []string{"/usr", "/lib", "/lib64", "/bin", "/sbin", "/etc"} {
		if pathExists(dir) {
			bind("--ro-bind", dir, dir)
		}
	}
	args = append(args, "--proc", "/proc", "--dev", "/dev")

	home := homeDirFor(targetUser)
	if home != "" {
		bind("--ro-bind", home, home)

		for _, path := range p.AllowWrite {
			expanded := expandHome(path, home)
			if isHomeRelative(path) || pathExists(expanded) {
				bind("--bind", expanded, expanded)
			}
		}
		for _, path := range p.DenyRead {
			expanded := expandHome(path, home)
			if pathExists(expanded) {
				args = append(args, "--tmpfs", expanded)
			}
		}
		// Deny-write is applied after allow_write so it takes precedence.
		for _, path := range p.DenyWrite {
			expanded := expandHome(path, home)
			if pathExists(expanded) {
				bind("--ro-bind", expanded, expanded)
			}
		}
	}

	// Workspace read-write always comes after the home binds so it
	// wins for any overlap under home.
	bind("--bind", workspace, workspace)

	octoDir := workspace + "/.octo"
	if pathExists(octoDir) {
		bind("--ro-bind", octoDir, octoDir)
	} else {
		args = append(args, "--tmpfs", octoDir)
	}

	args = append(args, "--tmpfs", "/tmp")

	for _, path := range p.ExtraROBind {
		expanded := expandHome(path, home)
		if pathExists(expanded) {
			bind("--ro-bind", expanded, expanded)
		}
	}
	for _, path := range p.ExtraRWBind {
		expanded := expandHome(path, home)
		if pathExists(expanded) {
			bind("--bind", expanded, expanded)
		}
	}

	if p.IsolatePID {
		args = append(args, "--unshare-pid")
	}
	if p.IsolateNet {
		args = append(args, "--unshare-net")
	}
	args = append(args, "--die-with-parent", "--")

	return args, true
}

// Command builds an *exec.Cmd that runs name/args under bwrap confined
// to workspace per the policy, or runs it unsandboxed with ok=false if
// bwrap isn't available or the policy is disabled.
func (p Policy) Command(workspace, targetUser, name string, cmdArgs []string) (cmd *exec.Cmd, sandboxed bool) {
	if !p.Enabled {
		return exec.Command(name, cmdArgs...), false
	}
	bwrapArgs, ok := p.BuildArgs(workspace, targetUser)
	if !ok {
		return exec.Command(name, cmdArgs...), false
	}
	full := append(bwrapArgs, name)
	full = append(full, cmdArgs...)
	return exec.Command("bwrap", full...), true
}

func isHomeRelative(path string) bool {
	return len(path) >= 2 && path[0] == '~' && path[1] == '/'
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func homeDirFor(username string) string {
	if username == "" {
		if h, err := os.UserHomeDir(); err == nil {
			return h
		}
		return ""
	}
	u, err := user.Lookup(username)
	if err != nil {
		return ""
	}
	return u.HomeDir
}
