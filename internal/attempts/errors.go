package attempts

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is, or wraps, a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

var (
	ErrNotRunning   = errors.New("attempt is not running")
	ErrNoLauncher   = errors.New("no launcher configured")
	ErrStillRunning = errors.New("attempt is still running")
)
