package model

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/oklog/ulid/v2"
)

// ErrInvalidID is returned for agent or thread ids that cannot name a
// storage location.
var ErrInvalidID = errors.New("invalid id")

var agentIDRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidateAgentID rejects ids that are not short lowercase slugs.
func ValidateAgentID(id string) error {
	if !agentIDRegex.MatchString(id) {
		return fmt.Errorf("%w: agent id %q (use lowercase letters, digits, '-' or '_')", ErrInvalidID, id)
	}
	return nil
}

// ValidateThreadID rejects anything that is not a ULID.
func ValidateThreadID(id string) error {
	if _, err := ulid.ParseStrict(id); err != nil {
		return fmt.Errorf("%w: thread id %q: %v", ErrInvalidID, id, err)
	}
	return nil
}
