//go:build linux

package sandbox

import "testing"

func TestRlimitsSkipsUnsetFields(t *testing.T) {
	p := Policy{CPUSeconds: 10}
	limits := p.rlimits()
	if len(limits) != 1 {
		t.Fatalf("expected exactly one configured rlimit, got %d", len(limits))
	}
	if limits[0].value.Cur != 10 || limits[0].value.Max != 10 {
		t.Errorf("expected soft and hard CPU limit both set to 10, got %+v", limits[0].value)
	}
}

func TestRlimitsIncludesAllConfiguredLimits(t *testing.T) {
	p := Policy{CPUSeconds: 10, MaxMemoryBytes: 1 << 30, MaxOpenFiles: 512}
	limits := p.rlimits()
	if len(limits) != 3 {
		t.Fatalf("expected three configured rlimits, got %d", len(limits))
	}
}
