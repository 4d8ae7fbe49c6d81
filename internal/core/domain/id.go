package domain

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// Identifier prefixes.
const (
	// BatchIDPrefix prefixes local batch session ids.
	BatchIDPrefix = "ksb-"

	// RunIDPrefix prefixes sync run ids.
	RunIDPrefix = "ksr-"
)

// GenerateID returns prefix followed by a lowercase ULID.
//
// Format: {prefix}{ulid_lowercase}; ids sort by creation time.
func GenerateID(prefix string) string {
	return prefix + strings.ToLower(ulid.Make().String())
}

// ValidateID checks that id carries prefix and a well-formed ULID.
func ValidateID(id, prefix string) error {
	if !strings.HasPrefix(id, prefix) {
		return ErrValidation.WithDetailsf("id %q must start with %q", id, prefix)
	}
	if _, err := ulid.Parse(strings.ToUpper(id[len(prefix):])); err != nil {
		return ErrValidation.WithDetailsf("id %q is not a valid ulid", id).WithCause(err)
	}
	return nil
}
