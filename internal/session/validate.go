package session

import (
	"fmt"
	"regexp"
)

const maxNameLen = 64

// Session names become directory names under the state root, so the
// charset is deliberately narrow.
var namePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// ValidateName checks that name is usable as a session name.
func ValidateName(name string) error {
	if name == "" || len(name) > maxNameLen {
		return fmt.Errorf("session name must be 1-%d characters", maxNameLen)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("session name %q may only contain lowercase letters, digits, '-' and '_'", name)
	}
	return nil
}
