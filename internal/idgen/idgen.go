// Package idgen generates identifiers for ledger records.
package idgen

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars, e.g. "esc_9f0c...".
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether id parses as a UUID.
func Valid(id string) bool {
	return uuid.Validate(id) == nil
}

// Reference returns a numeric user-facing reference: the leading digit tags
// the record kind and the rest is the current unix time in nanoseconds.
func Reference(kind byte, now time.Time) string {
	return string(kind) + strconv.FormatInt(now.UnixNano(), 10)
}
