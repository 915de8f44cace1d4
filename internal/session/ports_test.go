package session

import "testing"

func sessAt(base, maxAgents int) *Session {
	return &Session{
		OpenCodePort:   base,
		FileServerPort: base + 1,
		TTYDPort:       base + 2,
		AgentBasePort:  base + 3,
		MaxAgents:      maxAgents,
	}
}

func TestAllocatePortRange_EmptyPicksFloor(t *testing.T) {
	base, err := AllocatePortRange(nil, 20000, 30000, 4)
	if err != nil {
		t.Fatal(err)
	}
	if base != 20000 {
		t.Errorf("got base %d, want 20000", base)
	}
}

func TestAllocatePortRange_JumpsByWindowSizeOnConflict(t *testing.T) {
	active := []*Session{sessAt(20000, 4)} // occupies [20000, 20007)
	base, err := AllocatePortRange(active, 20000, 30000, 4)
	if err != nil {
		t.Fatal(err)
	}
	if base != 20007 {
		t.Errorf("got base %d, want 20007 (jump by full window, not by 1)", base)
	}
}

func TestAllocatePortRange_DetectsAgentRangeOverlap(t *testing.T) {
	// Window needed: 3+2=5. The active session's triple sits at
	// 20000-20002 and its agent range is [20003, 20012), so every base
	// from 20003 to 20011 is blocked by the agent range alone even
	// though the triple lies below it; the lowest free base is 20012.
	active := []*Session{sessAt(20000, 9)} // triple at 20000-20002, agents [20003, 20012)
	base, err := AllocatePortRange(active, 20000, 30000, 2)
	if err != nil {
		t.Fatal(err)
	}
	if base != 20012 {
		t.Errorf("got base %d, want 20012", base)
	}
}

func TestAllocatePortRange_ExhaustedRangeErrors(t *testing.T) {
	active := []*Session{sessAt(20000, 4)}
	_, err := AllocatePortRange(active, 20000, 20007, 4)
	if err == nil {
		t.Fatal("expected error for exhausted range")
	}
}
