package common

import (
	"errors"
	"fmt"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrValidation = errors.New("validation failed")
	ErrDatabase   = errors.New("database error")
	ErrInternal   = errors.New("internal error")

	// ErrJobNotFound is returned when a job ID matches no row.
	ErrJobNotFound = errors.New("job not found")

	// ErrProcessNotFound is returned when a port matches no live render process.
	ErrProcessNotFound = errors.New("render process not found")

	// ErrInvalidTransition is returned when a status change is not permitted
	// by the transition table, including any attempt to leave a terminal
	// status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrResourceExhausted is returned when the configured port range has no
	// allocatable port left.
	ErrResourceExhausted = errors.New("no ports available in configured range")

	// ErrDirClaimed is returned when another record already holds the live
	// claim for a case directory.
	ErrDirClaimed = errors.New("case directory already claimed")
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// ValidationErrorf builds an ErrValidation-wrapping error for a rejected
// request field.
func ValidationErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
