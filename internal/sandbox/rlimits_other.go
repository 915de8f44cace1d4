//go:build !linux

package sandbox

// ApplyResourceLimits is a no-op outside Linux; prlimit(2) has no
// portable equivalent and the orchestrator's local runtime is
// Linux-only in production.
func ApplyResourceLimits(pid int, p Policy) error {
	return nil
}
