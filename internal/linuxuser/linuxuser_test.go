package linuxuser

import (
	"strings"
	"testing"
)

func TestSanitizeUsername(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"lowercases", "Alice", "alice"},
		{"leading_digit_gets_underscore", "123abc", "_123abc"},
		{"invalid_chars_become_underscore", "alice@example.com", "alice_example_com"},
		{"hyphen_preserved", "alice-bob", "alice-bob"},
		{"empty_becomes_user", "", "user"},
		{"truncated_to_32", strings.Repeat("a", 40), strings.Repeat("a", 32)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := sanitizeUsername(c.input)
			if got != c.want {
				t.Errorf("sanitizeUsername(%q) = %q, want %q", c.input, got, c.want)
			}
			if len(got) > 32 {
				t.Errorf("sanitizeUsername(%q) exceeds 32 chars: %q", c.input, got)
			}
		})
	}
}

func TestSanitizeUsernameIdempotent(t *testing.T) {
	for _, in := range []string{"Alice", "123abc", "weird!!name", ""} {
		once := sanitizeUsername(in)
		twice := sanitizeUsername(once)
		if once != twice {
			t.Errorf("sanitizeUsername not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func TestSanitizeGECOS(t *testing.T) {
	if got := sanitizeGECOS("alice:admin"); strings.ContainsRune(got, ':') {
		t.Errorf("colon should be stripped, got %q", got)
	}
	if got := sanitizeGECOS(""); got != "Octo user" {
		t.Errorf("empty input should fall back to default, got %q", got)
	}
	if got := sanitizeGECOS("line1\nline2"); strings.ContainsAny(got, "\n\r") {
		t.Errorf("newlines should be stripped, got %q", got)
	}
}

func TestProjectUsernamePrefix(t *testing.T) {
	p := New(Config{Prefix: "octo_", UIDStart: 2000, Group: "octo"})
	got := p.ProjectUsername("myproject")
	want := "octo_proj_myproject"
	if got != want {
		t.Errorf("ProjectUsername = %q, want %q", got, want)
	}
}
