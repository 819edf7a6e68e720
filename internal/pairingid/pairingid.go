package pairingid

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// CodeLen is the number of decimal digits in a pairing code.
const CodeLen = 6

var (
	// ErrMissing indicates the id is empty after normalization.
	ErrMissing = errors.New("missing id")
	// ErrNotUUID indicates the id is not a valid UUID.
	ErrNotUUID = errors.New("id is not a UUID")
	// ErrBadCode indicates the pairing code is not exactly CodeLen decimal digits.
	ErrBadCode = errors.New("pairing code must be 6 decimal digits")
)

// Normalize trims leading/trailing whitespace from an id or code.
func Normalize(id string) string {
	return strings.TrimSpace(id)
}

// Validate validates a normalized pairingId or watchId.
func Validate(id string) error {
	if id == "" {
		return ErrMissing
	}
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotUUID
	}
	return nil
}

// New returns a fresh random id.
func New() string {
	return uuid.NewString()
}

// ValidateCode validates a normalized 6-digit pairing code.
func ValidateCode(code string) error {
	if len(code) != CodeLen {
		return ErrBadCode
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return ErrBadCode
		}
	}
	return nil
}
