package runtime

import "testing"

func TestLoopbackAddr(t *testing.T) {
	if got := loopbackAddr(41820); got != "127.0.0.1:41820" {
		t.Errorf("got %q", got)
	}
}

func TestEnvSlice(t *testing.T) {
	out := envSlice(map[string]string{"FOO": "bar"})
	if len(out) != 1 || out[0] != "FOO=bar" {
		t.Errorf("got %v", out)
	}
}
