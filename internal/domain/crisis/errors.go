package crisis

import (
	"errors"
	"fmt"
)

var (
	// ErrCaseNotFound is returned when no case exists for the given id.
	ErrCaseNotFound = errors.New("crisis case not found")
	// ErrAlreadyResolved is returned when resolve is called on a resolved case.
	ErrAlreadyResolved = errors.New("crisis case already resolved")
	// ErrNotAuthorized is returned when the caller may not act on the case.
	ErrNotAuthorized = errors.New("not authorized for this crisis case")
)

// ValidationError rejects a request before any side effect happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func newValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}
