// Package ids generates and validates the 32-character lowercase hex
// identifiers used for jobs, tasks and events.
package ids

import (
	"encoding/hex"
	"regexp"

	"github.com/google/uuid"
)

var idPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// New returns a fresh identifier: a random UUID rendered as 32 lowercase hex
// characters without dashes.
func New() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// Valid reports whether s is a well-formed identifier.
func Valid(s string) bool {
	return idPattern.MatchString(s)
}
