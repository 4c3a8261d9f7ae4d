package errors

import (
	"errors"
	"fmt"
)

// ErrorCode classifies an error for retry and health decisions.
type ErrorCode int

const (
	// ErrValidation marks permanently bad input: malformed recipients,
	// unknown payload shapes, missing workflows. Never retried.
	ErrValidation ErrorCode = iota + 1000
	// ErrTransient marks failures worth retrying with backoff: provider
	// timeouts, network errors.
	ErrTransient
	// ErrConfiguration marks bad operator-supplied configuration, fatal
	// for the one rule or component it belongs to.
	ErrConfiguration
	// ErrInfrastructure marks shared-dependency failures (record store,
	// broker unreachable) surfaced through health rather than retried
	// inline.
	ErrInfrastructure
	// ErrNotFound marks a missing record.
	ErrNotFound
)

// AppError carries a code alongside the wrapped cause.
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NewValidation(message string, err error) *AppError {
	return &AppError{Code: ErrValidation, Message: message, Err: err}
}

func NewTransient(message string, err error) *AppError {
	return &AppError{Code: ErrTransient, Message: message, Err: err}
}

func NewConfiguration(message string, err error) *AppError {
	return &AppError{Code: ErrConfiguration, Message: message, Err: err}
}

func NewInfrastructure(message string, err error) *AppError {
	return &AppError{Code: ErrInfrastructure, Message: message, Err: err}
}

func NewNotFound(resource string, err error) *AppError {
	return &AppError{Code: ErrNotFound, Message: fmt.Sprintf("%s not found", resource), Err: err}
}

func codeOf(err error) (ErrorCode, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code, true
	}
	return 0, false
}

// IsValidation reports whether err is a permanent validation failure.
func IsValidation(err error) bool {
	code, ok := codeOf(err)
	return ok && (code == ErrValidation || code == ErrNotFound)
}

// IsTransient reports whether err should be retried. Unclassified errors
// are treated as transient so an unknown provider failure still gets its
// retry budget.
func IsTransient(err error) bool {
	code, ok := codeOf(err)
	if !ok {
		return true
	}
	return code == ErrTransient || code == ErrInfrastructure
}

// IsConfiguration reports whether err is an operator configuration error.
func IsConfiguration(err error) bool {
	code, ok := codeOf(err)
	return ok && code == ErrConfiguration
}
