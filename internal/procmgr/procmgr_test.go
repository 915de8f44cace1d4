package procmgr

import (
	"net"
	"testing"
)

func TestShellEscape(t *testing.T) {
	if got := ShellEscape("simple-file_name.txt"); got != "simple-file_name.txt" {
		t.Errorf("safe string should pass through unescaped, got %q", got)
	}
	if got := ShellEscape("has space"); got != `'has space'` {
		t.Errorf("unsafe string should be single-quoted, got %q", got)
	}
	if got := ShellEscape("o'brien"); got != `'o'\''brien'` {
		t.Errorf("embedded quote should be escaped, got %q", got)
	}
}

func TestFormatExitStatus(t *testing.T) {
	code := 1
	if got := FormatExitStatus(&ExitStatus{Code: &code}); got != "exited with code 1" {
		t.Errorf("got %q", got)
	}
	sig := 9
	if got := FormatExitStatus(&ExitStatus{Signal: &sig}); got != "killed by SIGKILL (signal 9)" {
		t.Errorf("got %q", got)
	}
	unknown := 99
	if got := FormatExitStatus(&ExitStatus{Signal: &unknown}); got != "killed by signal 99" {
		t.Errorf("got %q", got)
	}
	if got := FormatExitStatus(nil); got != "running" {
		t.Errorf("got %q", got)
	}
}

func TestAssertLoopbackArgv(t *testing.T) {
	if err := AssertLoopbackArgv([]string{"--bind", "127.0.0.1:8080"}); err != nil {
		t.Errorf("expected loopback bind to pass: %v", err)
	}
	if err := AssertLoopbackArgv([]string{"--bind", "0.0.0.0:8080"}); err == nil {
		t.Error("expected 0.0.0.0 bind to be rejected")
	}
	if err := AssertLoopbackArgv([]string{"--bind", "localhost:8080"}); err == nil {
		t.Error("expected missing explicit loopback address to be rejected")
	}
}

func TestPortAvailability(t *testing.T) {
	const port = 48213
	if !IsPortAvailable(port) {
		t.Skipf("port %d unexpectedly busy on test host", port)
	}
	l, err := net.Listen("tcp", "127.0.0.1:48213")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	if IsPortAvailable(port) {
		t.Errorf("expected port %d to be reported busy while held", port)
	}
}
