package runtime

import "testing"

func TestPortBindingsLoopbackOnly(t *testing.T) {
	_, bindings := portBindings(map[string]int{"opencode": 41820})
	for port, bs := range bindings {
		for _, b := range bs {
			if b.HostIP != "127.0.0.1" {
				t.Errorf("port %s bound to %s, want 127.0.0.1", port, b.HostIP)
			}
		}
	}
}

func TestMergeLabelsPreservesBaseAndAddsIdentity(t *testing.T) {
	base := map[string]string{"app": "octo"}
	out := mergeLabels(base, "sess-1", "user-1")
	if out["app"] != "octo" {
		t.Errorf("expected base label preserved")
	}
	if out["octo.session_id"] != "sess-1" || out["octo.user_id"] != "user-1" {
		t.Errorf("expected identity labels set, got %v", out)
	}
}
