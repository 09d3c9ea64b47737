package audit

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed query filter or record. Surfaced to
// the caller so the viewer can render it; never logged-and-swallowed on
// the read path.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err wraps a *ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
