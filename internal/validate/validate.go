// Package validate supplies the pure, total validators the user-manager
// daemon runs before any privileged side effect. Every function here
// either returns nil or a *types.Error with kind ValidationFailed;
// none of them touch the filesystem or spawn a process.
package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/octoplane/octoplane/pkg/types"
)

var usernameRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)

// MinUID and MaxUID bound the reserved uid range for platform accounts.
const (
	MinUID = 2000
	MaxUID = 60000

	maxUsernameLen = 32
	maxGecosLen    = 256
)

// AllowedShells is the static shell allowlist.
var AllowedShells = map[string]bool{
	"/bin/bash": true,
	"/usr/bin/bash": true,
	"/bin/sh":   true,
	"/usr/sbin/nologin": true,
}

func fail(message string) error {
	return types.NewError(types.ErrValidationFailed, message)
}

// Username requires username to begin with prefix, contain only
// lowercase letters/digits/underscore, and stay within the POSIX
// username length budget.
func Username(username, prefix string) error {
	if !strings.HasPrefix(username, prefix) {
		return fail(fmt.Sprintf("username %q must begin with %q", username, prefix))
	}
	if len(username) > maxUsernameLen {
		return fail("username too long")
	}
	if !usernameRe.MatchString(username) {
		return fail(fmt.Sprintf("username %q contains invalid characters", username))
	}
	return nil
}

// UID requires uid to fall inside the reserved platform range.
func UID(uid int) error {
	if uid < MinUID || uid > MaxUID {
		return fail(fmt.Sprintf("uid %d outside allowed range [%d,%d]", uid, MinUID, MaxUID))
	}
	return nil
}

// Group requires group to equal the platform's single fixed group name.
func Group(group, expected string) error {
	if group != expected {
		return fail(fmt.Sprintf("group %q is not the platform group %q", group, expected))
	}
	return nil
}

// Shell requires shell to be a member of AllowedShells.
func Shell(shell string) error {
	if !AllowedShells[shell] {
		return fail(fmt.Sprintf("shell %q is not in the allowlist", shell))
	}
	return nil
}

// Gecos requires gecos to begin with the fixed platform phrase and
// contain no control bytes.
func Gecos(gecos, requiredPrefix string) error {
	if len(gecos) > maxGecosLen {
		return fail("gecos too long")
	}
	if !strings.HasPrefix(gecos, requiredPrefix) {
		return fail(fmt.Sprintf("gecos must begin with %q", requiredPrefix))
	}
	for _, r := range gecos {
		if r < 0x20 || r == 0x7f {
			return fail("gecos contains control bytes")
		}
	}
	return nil
}

// Path requires path to be absolute, free of ".." traversal segments,
// and prefixed by one of allowedPrefixes. Symlink resolution is
// deliberately not performed here — the caller must not follow
// symlinks when acting on the path either.
func Path(path string, allowedPrefixes []string) error {
	if !strings.HasPrefix(path, "/") {
		return fail(fmt.Sprintf("path %q is not absolute", path))
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return fail(fmt.Sprintf("path %q contains a traversal segment", path))
		}
	}
	for _, prefix := range allowedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return nil
		}
	}
	return fail(fmt.Sprintf("path %q is not under an allowed prefix", path))
}

// Mode requires mode to be a three- or four-digit octal string with no
// "word" (other-writable-by-everyone-via-sticky-tricks) surprises beyond
// the digits themselves — i.e. strictly numeric octal, 3-4 digits.
func Mode(mode string) error {
	if len(mode) != 3 && len(mode) != 4 {
		return fail(fmt.Sprintf("mode %q must be 3 or 4 octal digits", mode))
	}
	for _, r := range mode {
		if r < '0' || r > '7' {
			return fail(fmt.Sprintf("mode %q is not valid octal", mode))
		}
	}
	if _, err := strconv.ParseUint(mode, 8, 32); err != nil {
		return fail(fmt.Sprintf("mode %q is not valid octal", mode))
	}
	return nil
}

// Owner requires owner to be "name:name" where both the user and group
// components pass Username/Group respectively.
func Owner(owner, usernamePrefix, group string) error {
	parts := strings.SplitN(owner, ":", 2)
	if len(parts) != 2 {
		return fail(fmt.Sprintf("owner %q must be of the form user:group", owner))
	}
	if err := Username(parts[0], usernamePrefix); err != nil {
		return err
	}
	return Group(parts[1], group)
}
