// Package sandbox composes bubblewrap (bwrap) invocations that confine
// a session's process tree to its workspace, plus the two-level
// (global + per-workspace) policy merge that lets a workspace add
// restrictions but never remove ones the admin-controlled global
// policy set.
package sandbox

import (
	"os/exec"
	"path/filepath"
	"strings"
)

// Policy is a sandbox configuration, mergeable at two levels: a global
// (admin-controlled) policy and a per-workspace (.octo/sandbox) policy.
type Policy struct {
	Enabled       bool
	Profile       string
	DenyRead      []string
	AllowWrite    []string
	DenyWrite     []string
	IsolateNet    bool
	IsolatePID    bool
	ExtraROBind   []string
	ExtraRWBind   []string

	// CPUSeconds, MaxMemoryBytes, and MaxOpenFiles bound the spawned
	// process's own resource consumption after bwrap starts it; zero
	// means "leave the inherited limit alone". These apply even when
	// bwrap itself is unavailable, since they're enforced directly on
	// the child PID rather than through the sandbox wrapper.
	CPUSeconds     uint64
	MaxMemoryBytes uint64
	MaxOpenFiles   uint64
}

const defaultProfile = "development"

// DefaultPolicy mirrors the orchestrator's built-in defaults: deny
// credential directories, allow toolchain/package-manager caches to
// stay writable, isolate the PID namespace but not the network by
// default.
func DefaultPolicy() Policy {
	return Policy{
		Enabled: false,
		Profile: defaultProfile,
		DenyRead: []string{
			"~/.ssh", "~/.gnupg", "~/.aws",
		},
		AllowWrite: []string{
			"~/.cargo", "~/.rustup", "~/.npm", "~/.bun", "~/.local/bin",
			"~/.local/share/skdlr", "~/.local/share/mmry", "~/.local/share/mailz",
			"~/.config/skdlr", "~/.config/mmry", "~/.config/mailz",
			"~/.config/byt", "~/.config/octo", "/tmp",
		},
		DenyWrite:   []string{"~/.config/octo/sandbox.toml"},
		IsolateNet:  false,
		IsolatePID:  true,
		ExtraROBind: nil,
		ExtraRWBind: nil,
	}
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func intersect(a, b []string) []string {
	inB := make(map[string]struct{}, len(b))
	for _, s := range b {
		inB[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := inB[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// MergeWithWorkspace combines the receiver (treated as the global
// policy) with a workspace-supplied policy such that the result can
// only be as strict or stricter than either input: deny sets union,
// allow-write and the extra bind lists intersect, isolation flags and
// Enabled OR together.
func (p Policy) MergeWithWorkspace(ws Policy) Policy {
	profile := p.Profile
	if ws.Profile != "" && ws.Profile != defaultProfile {
		profile = ws.Profile
	}
	return Policy{
		Enabled:        p.Enabled || ws.Enabled,
		Profile:        profile,
		DenyRead:       union(p.DenyRead, ws.DenyRead),
		DenyWrite:      union(p.DenyWrite, ws.DenyWrite),
		AllowWrite:     intersect(p.AllowWrite, ws.AllowWrite),
		IsolateNet:     p.IsolateNet || ws.IsolateNet,
		IsolatePID:     p.IsolatePID || ws.IsolatePID,
		ExtraROBind:    intersect(p.ExtraROBind, ws.ExtraROBind),
		ExtraRWBind:    intersect(p.ExtraRWBind, ws.ExtraRWBind),
		CPUSeconds:     tighterLimit(p.CPUSeconds, ws.CPUSeconds),
		MaxMemoryBytes: tighterLimit(p.MaxMemoryBytes, ws.MaxMemoryBytes),
		MaxOpenFiles:   tighterLimit(p.MaxOpenFiles, ws.MaxOpenFiles),
	}
}

// tighterLimit returns the smaller of two resource limits, treating 0
// as "no limit set" rather than "limit of zero".
func tighterLimit(a, b uint64) uint64 {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}

// IsBwrapAvailable reports whether bubblewrap is on PATH and runnable.
func IsBwrapAvailable() bool {
	cmd := exec.Command("bwrap", "--version")
	return cmd.Run() == nil
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") && home != "" {
		return filepath.Join(home, path[2:])
	}
	return path
}
