package session

import "fmt"

// usedRange is the port footprint of one active session: its port
// triple plus its agent sub-port window.
type usedRange struct {
	triple    [3]int
	agentBase int
	agentEnd  int
}

// AllocatePortRange finds the lowest free base >= start such that the
// candidate window [base, base+3+maxAgents) overlaps neither another
// session's port triple nor its agent range. On conflict the scan
// skips straight past the end of every conflicting session's ports
// (triple and agent range) rather than moving forward by one: each
// session's ports are contiguous, so no base below that end can avoid
// overlapping it.
func AllocatePortRange(active []*Session, start, end, maxAgents int) (int, error) {
	needed := 3 + maxAgents
	used := make([]usedRange, 0, len(active))
	for _, s := range active {
		used = append(used, usedRange{
			triple:    s.PortTriple(),
			agentBase: s.AgentBasePort,
			agentEnd:  s.AgentBasePort + s.MaxAgents,
		})
	}

	base := start
	for base+needed <= end {
		rangeEnd := base + needed
		next := base
		for _, u := range used {
			if inRange(u.triple[0], base, rangeEnd) ||
				inRange(u.triple[1], base, rangeEnd) ||
				inRange(u.triple[2], base, rangeEnd) ||
				(base < u.agentEnd && rangeEnd > u.agentBase) {
				next = max(next, u.triple[0]+1, u.triple[1]+1, u.triple[2]+1, u.agentEnd)
			}
		}
		if next == base {
			return base, nil
		}
		base = next
	}
	return 0, fmt.Errorf("no free port range available in [%d, %d)", start, end)
}

func inRange(v, lo, hi int) bool { return v >= lo && v < hi }
