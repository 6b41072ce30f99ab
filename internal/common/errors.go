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
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInternal     = errors.New("internal error")
	ErrDatabase     = errors.New("database error")

	// ErrTimedOut marks a caller-side give-up on a call whose underlying
	// work may still complete server-side. It is deliberately not a
	// failure class: the authoritative status arrives via the
	// change-stream.
	ErrTimedOut = errors.New("caller stopped waiting")
)

// NewAppError constructs an AppError.
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

// CallerError marks synchronous contract violations (wrong status guard,
// wrong category, bad batch size). No retry, no state mutation.
func CallerError(format string, args ...any) error {
	return NewAppError("CALLER_ERROR", fmt.Sprintf(format, args...), ErrInvalidInput)
}

// IsCallerError reports whether err is a contract violation by the caller.
func IsCallerError(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsTimeout reports whether err is a caller-side give-up signal.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimedOut)
}
