package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("dispatch: validation failed")
	ErrInvalidTenant     = errors.New("dispatch: invalid tenant name")
	ErrUnknownAction     = errors.New("dispatch: unknown action")
	ErrMalformedJobID    = errors.New("dispatch: malformed job id")
	ErrSubmissionFailed  = errors.New("dispatch: submission failed")
	ErrJobNotFound       = errors.New("dispatch: job not found")
	ErrJobExists         = errors.New("dispatch: job already exists")
	ErrInvalidState      = errors.New("dispatch: invalid state transition")
	ErrBrokerUnavailable = errors.New("dispatch: broker unavailable")
)

// ValidationError reports a missing or empty required field.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("dispatch: missing required field %q", e.Field)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// IsValidation reports whether err should be surfaced to a caller as a bad request.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidTenant) ||
		errors.Is(err, ErrUnknownAction)
}
