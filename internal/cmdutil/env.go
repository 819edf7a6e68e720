// Package cmdutil carries the small pieces every wristlink binary repeats:
// environment lookups with typed parsing, JSON output, and usage-error
// plumbing for exit codes.
package cmdutil

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// lookup returns the trimmed value of key and whether it is set to anything
// non-blank. Blank counts as unset so `FOO= wristlink-relay` behaves like an
// absent variable.
func lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

// EnvString reads key, falling back when unset or blank.
func EnvString(key, fallback string) string {
	if v, ok := lookup(key); ok {
		return v
	}
	return fallback
}

// EnvBool reads a boolean from key. Unset means fallback; a set but
// unparsable value is an error, not a silent default.
func EnvBool(key string, fallback bool) (bool, error) {
	v, ok := lookup(key)
	if !ok {
		return fallback, nil
	}
	return strconv.ParseBool(v)
}

// EnvInt reads an integer from key with the same unset/parse rules as
// EnvBool.
func EnvInt(key string, fallback int) (int, error) {
	v, ok := lookup(key)
	if !ok {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

// EnvDuration reads a time.Duration ("30s", "5m") from key with the same
// unset/parse rules as EnvBool.
func EnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := lookup(key)
	if !ok {
		return fallback, nil
	}
	return time.ParseDuration(v)
}
