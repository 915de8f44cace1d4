package validate

import (
	"strings"
	"testing"

	"github.com/kandev/octo/internal/common/apperr"
)

func TestUsername(t *testing.T) {
	cases := []struct {
		name  string
		input string
		ok    bool
	}{
		{"simple", "octo_admin", true},
		{"hyphen", "octo_hans-gerd", true},
		{"digits", "octo_user123", true},
		{"nanoid_suffix", "octo_admin-a1b2", true},
		{"underscore", "octo_my_user", true},
		{"empty", "", false},
		{"no_prefix", "admin", false},
		{"wrong_prefix", "root_admin", false},
		{"just_prefix", "octo_", false},
		{"traversal", "octo_../etc/passwd", false},
		{"uppercase", "octo_Admin", false},
		{"at_boundary_32", "octo_" + strings.Repeat("a", 27), true},  // 5 + 27 = 32
		{"over_boundary_33", "octo_" + strings.Repeat("a", 28), false}, // 33
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := Username(c.input)
			if c.ok && err != nil {
				t.Errorf("expected ok, got error: %v", err)
			}
			if !c.ok && err == nil {
				t.Errorf("expected error, got nil")
			}
		})
	}
}

func TestUsernameBoundaryLengths(t *testing.T) {
	exactly32 := "octo_" + strings.Repeat("a", UsernameMaxLen-len(UsernamePrefix))
	if len(exactly32) != 32 {
		t.Fatalf("test setup bug: len=%d", len(exactly32))
	}
	if err := Username(exactly32); err != nil {
		t.Errorf("32-char username should be accepted: %v", err)
	}
	over33 := exactly32 + "a"
	if err := Username(over33); err == nil {
		t.Errorf("33-char username should be rejected")
	}
}

func TestUID(t *testing.T) {
	if err := UID(2000); err != nil {
		t.Errorf("2000 should be valid: %v", err)
	}
	if err := UID(60000); err != nil {
		t.Errorf("60000 should be valid: %v", err)
	}
	if err := UID(1999); err == nil {
		t.Errorf("1999 should be invalid")
	}
	if err := UID(65534); err == nil {
		t.Errorf("65534 should be invalid (above range)")
	}
}

func TestPath(t *testing.T) {
	allowed := []string{"/home/octo_"}
	cases := []struct {
		name  string
		path  string
		ok    bool
	}{
		{"valid", "/home/octo_admin/workspace", true},
		{"traversal", "/home/octo_admin/../root", false},
		{"double_slash", "/home/octo_admin//etc", false},
		{"relative", "home/octo_admin", false},
		{"empty", "", false},
		{"not_in_prefix", "/etc/passwd", false},
		{"null_byte", "/home/octo_admin\x00/etc/passwd", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := Path(c.path, allowed)
			if c.ok && err != nil {
				t.Errorf("expected ok, got %v", err)
			}
			if !c.ok && err == nil {
				t.Errorf("expected error, got nil")
			}
		})
	}
}

func TestChmodMode(t *testing.T) {
	if err := ChmodMode("4755"); err == nil {
		t.Error("4755 is not in the allow-list and must be rejected")
	}
	for _, m := range AllowedChmodModes {
		if err := ChmodMode(m); err != nil {
			t.Errorf("%s should be allowed: %v", m, err)
		}
	}
}

func TestOwner(t *testing.T) {
	if err := Owner("octo_admin:octo"); err != nil {
		t.Errorf("expected valid owner: %v", err)
	}
	if err := Owner("octo_admin"); err == nil {
		t.Error("missing group should fail")
	}
	if err := Owner("octo_admin:wrong"); err == nil {
		t.Error("wrong group should fail")
	}
}

func TestGECOS(t *testing.T) {
	if err := GECOS(GECOSPrefix + "alice"); err != nil {
		t.Errorf("expected valid: %v", err)
	}
	if err := GECOS("alice"); err == nil {
		t.Error("missing prefix should fail")
	}
	if err := GECOS(GECOSPrefix + "alice:admin"); err == nil {
		t.Error("colon should fail")
	}
}

func TestContainerID(t *testing.T) {
	if err := ContainerID("abc123_-DEF"); err != nil {
		t.Errorf("expected valid: %v", err)
	}
	if err := ContainerID(""); err == nil {
		t.Error("empty should fail")
	}
	if err := ContainerID("has a space"); err == nil {
		t.Error("space should fail")
	}
}

func TestErrorKindIsValidation(t *testing.T) {
	err := Username("")
	if apperr.KindOf(err) != apperr.Validation {
		t.Errorf("expected Validation kind, got %v", apperr.KindOf(err))
	}
}
