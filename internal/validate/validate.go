// Package validate implements pure, side-effect-free predicates gating
// every externally supplied identifier the orchestrator touches:
// usernames, UIDs, group names, shells, paths, GECOS fields, owner
// strings, permission modes, container ids/names, and image names.
//
// Every function returns a human-readable error on rejection; the
// first violated rule wins, there is no aggregation.
package validate

import (
	"strings"
	"unicode"

	"github.com/kandev/octo/internal/common/apperr"
)

const (
	UsernamePrefix  = "octo_"
	RequiredGroup   = "octo"
	UIDMin          = 2000
	UIDMax          = 60000
	UsernameMaxLen  = 32
	GECOSMaxLen     = 256
	GECOSPrefix     = "Octo platform user "
	ContainerIDMax  = 128
)

// AllowedShells is the shell allow-list.
var AllowedShells = []string{
	"/bin/bash",
	"/bin/sh",
	"/usr/bin/bash",
	"/usr/bin/sh",
	"/bin/false",
	"/usr/sbin/nologin",
}

// AllowedChmodModes is the octal-mode allow-list.
var AllowedChmodModes = []string{"700", "750", "755", "770", "2770"}

// Username validates a Linux username managed by the platform.
//
// Rules: must start with UsernamePrefix; remainder in [a-z0-9_-]+;
// total length <= 32; non-empty after the prefix; no control chars,
// uppercase, combining marks, or zero-width characters slip through
// because the character class below is an explicit allow-list, not a
// denylist.
func Username(name string) error {
	if name == "" {
		return apperr.Validationf("username is empty")
	}
	if !strings.HasPrefix(name, UsernamePrefix) {
		return apperr.Validationf("username %q must start with %q prefix", name, UsernamePrefix)
	}
	if len(name) > UsernameMaxLen {
		return apperr.Validationf("username too long (%d > %d)", len(name), UsernameMaxLen)
	}
	if len(name) <= len(UsernamePrefix) {
		return apperr.Validationf("username has nothing after prefix")
	}
	for _, r := range name {
		if !isUsernameRune(r) {
			return apperr.Validationf("username contains invalid characters (allowed: a-z, 0-9, _, -)")
		}
	}
	return nil
}

func isUsernameRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-'
}

// UID validates that uid falls in the allowed range.
func UID(uid int) error {
	if uid < UIDMin || uid > UIDMax {
		return apperr.Validationf("UID %d out of allowed range (%d-%d)", uid, UIDMin, UIDMax)
	}
	return nil
}

// Group validates the group name; the platform uses a single shared group.
func Group(group string) error {
	if group != RequiredGroup {
		return apperr.Validationf("group must be %q, got %q", RequiredGroup, group)
	}
	return nil
}

// Shell validates shell against the allow-list.
func Shell(shell string) error {
	for _, s := range AllowedShells {
		if s == shell {
			return nil
		}
	}
	return apperr.Validationf("shell %q not in allowlist", shell)
}

// Path validates a filesystem path against a caller-supplied set of
// allowed prefixes. The check is purely textual, which also rejects
// percent-encoded traversal attempts (they never decode to a prefix
// match because '%' itself isn't stripped).
func Path(path string, allowedPrefixes []string) error {
	if path == "" {
		return apperr.Validationf("path is empty")
	}
	if strings.ContainsRune(path, 0) {
		return apperr.Validationf("path contains null byte")
	}
	if !strings.HasPrefix(path, "/") {
		return apperr.Validationf("path must be absolute")
	}
	if strings.Contains(path, "..") {
		return apperr.Validationf("path contains '..' (path traversal)")
	}
	if strings.Contains(path, "//") {
		return apperr.Validationf("path contains '//'")
	}
	for _, r := range path {
		if unicode.IsControl(r) {
			return apperr.Validationf("path contains control characters")
		}
	}
	for _, prefix := range allowedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return nil
		}
	}
	return apperr.Validationf("path %q not in allowed directories", path)
}

// GECOS validates a /etc/passwd comment field.
func GECOS(gecos string) error {
	if gecos == "" {
		return apperr.Validationf("GECOS is empty")
	}
	if !strings.HasPrefix(gecos, GECOSPrefix) {
		return apperr.Validationf("GECOS must start with %q", GECOSPrefix)
	}
	if len(gecos) > GECOSMaxLen {
		return apperr.Validationf("GECOS too long (%d > %d)", len(gecos), GECOSMaxLen)
	}
	if strings.ContainsRune(gecos, ':') {
		return apperr.Validationf("GECOS contains ':' (passwd field separator)")
	}
	if strings.ContainsRune(gecos, '\n') {
		return apperr.Validationf("GECOS contains newline")
	}
	if strings.ContainsRune(gecos, '\r') {
		return apperr.Validationf("GECOS contains carriage return")
	}
	if strings.ContainsRune(gecos, 0) {
		return apperr.Validationf("GECOS contains null byte")
	}
	return nil
}

// Owner validates a "user:group" chown target.
func Owner(owner string) error {
	parts := strings.Split(owner, ":")
	if len(parts) != 2 {
		return apperr.Validationf("owner must be in user:group format, got %q", owner)
	}
	if err := Username(parts[0]); err != nil {
		return err
	}
	return Group(parts[1])
}

// ChmodMode validates an octal mode string against the allow-list.
func ChmodMode(mode string) error {
	for _, m := range AllowedChmodModes {
		if m == mode {
			return nil
		}
	}
	return apperr.Validationf("mode %q not in allowlist %v", mode, AllowedChmodModes)
}

// ContainerID validates a container id or name.
func ContainerID(id string) error {
	if id == "" {
		return apperr.Validationf("container id is empty")
	}
	if len(id) > ContainerIDMax {
		return apperr.Validationf("container id too long (%d > %d)", len(id), ContainerIDMax)
	}
	for _, r := range id {
		if !(r >= 'A' && r <= 'Z') && !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '_' && r != '-' {
			return apperr.Validationf("container id %q contains invalid characters", id)
		}
	}
	return nil
}

// ImageName validates an image reference before it is ever handed to
// the runtime adapter: non-empty, at most 256 bytes, and free of
// control characters and spaces. Unlike ContainerID it accepts every
// other character, so registry, tag and digest syntax ('/', ':', '@',
// '.') passes through unchanged.
func ImageName(name string) error {
	if name == "" {
		return apperr.Validationf("image name is empty")
	}
	if len(name) > 256 {
		return apperr.Validationf("image name too long (%d > 256)", len(name))
	}
	for _, r := range name {
		if unicode.IsControl(r) || r == ' ' {
			return apperr.Validationf("image name %q contains invalid characters", name)
		}
	}
	return nil
}

// CreateUser validates the full field set needed to provision a Linux
// account in one call, returning the first violated rule.
func CreateUser(username string, uid int, group, shell, gecos string) error {
	if err := Username(username); err != nil {
		return err
	}
	if err := UID(uid); err != nil {
		return err
	}
	if err := Group(group); err != nil {
		return err
	}
	if err := Shell(shell); err != nil {
		return err
	}
	return GECOS(gecos)
}
