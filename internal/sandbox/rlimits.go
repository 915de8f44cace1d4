//go:build linux

package sandbox

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ApplyResourceLimits sets the hard/soft rlimits configured on p for an
// already-running process, the way a sandbox wrapper would set them on
// itself just after exec. It's called on the spawned PID directly so
// the limits apply even when bwrap is unavailable and the process runs
// unwrapped.
func ApplyResourceLimits(pid int, p Policy) error {
	for _, lim := range p.rlimits() {
		if err := unix.Prlimit(pid, lim.resource, &lim.value, nil); err != nil {
			return fmt.Errorf("setting rlimit %d on pid %d: %w", lim.resource, pid, err)
		}
	}
	return nil
}

type namedRlimit struct {
	resource int
	value    unix.Rlimit
}

// rlimits returns the non-zero limits configured on p as unix.Rlimit
// values, soft and hard set equal so the child cannot raise its own
// ceiling back up.
func (p Policy) rlimits() []namedRlimit {
	var out []namedRlimit
	if p.CPUSeconds > 0 {
		out = append(out, namedRlimit{unix.RLIMIT_CPU, unix.Rlimit{Cur: p.CPUSeconds, Max: p.CPUSeconds}})
	}
	if p.MaxMemoryBytes > 0 {
		out = append(out, namedRlimit{unix.RLIMIT_AS, unix.Rlimit{Cur: p.MaxMemoryBytes, Max: p.MaxMemoryBytes}})
	}
	if p.MaxOpenFiles > 0 {
		out = append(out, namedRlimit{unix.RLIMIT_NOFILE, unix.Rlimit{Cur: p.MaxOpenFiles, Max: p.MaxOpenFiles}})
	}
	return out
}
