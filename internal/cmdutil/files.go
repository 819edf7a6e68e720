package cmdutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// UsageError distinguishes operator mistakes (bad flags, missing config)
// from runtime failures; launchers map it to exit code 1.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return e.Msg }

// Usagef builds a UsageError the way fmt.Errorf builds an error.
func Usagef(format string, args ...any) error {
	return &UsageError{Msg: fmt.Sprintf(format, args...)}
}

// IsUsage reports whether err is, or wraps, a UsageError.
func IsUsage(err error) bool {
	var ue *UsageError
	return errors.As(err, &ue)
}

// RefuseOverwrite guards key and config writers: an existing file at path is
// a usage error unless overwrite was requested. Stat failures other than
// not-exist pass through untouched.
func RefuseOverwrite(path string, overwrite bool) error {
	if path == "" || overwrite {
		return nil
	}
	switch _, err := os.Stat(path); {
	case err == nil:
		return Usagef("%s already exists; pass -overwrite to replace it", path)
	case errors.Is(err, fs.ErrNotExist):
		return nil
	default:
		return err
	}
}
