package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeExecution        = "EXECUTION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeStore            = "STORE_ERROR"
	ErrCodeMissingKey       = "MISSING_KEY"
	ErrCodeInvalidKey       = "INVALID_KEY"
	ErrCodePasswordMismatch = "PASSWORD_MISMATCH"
)

// SkvError is the structured error type for all skv operations.
type SkvError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *SkvError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *SkvError) Unwrap() error {
	return e.Cause
}

// NewError creates a new SkvError.
func NewError(code, message string) *SkvError {
	return &SkvError{Code: code, Message: message}
}

// NewErrorf creates a new SkvError with a formatted message.
func NewErrorf(code, format string, args ...any) *SkvError {
	return &SkvError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches an underlying cause.
func (e *SkvError) WithCause(err error) *SkvError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *SkvError) WithDetails(details map[string]any) *SkvError {
	e.Details = details
	return e
}

// HasCode reports whether any SkvError in err's chain carries code.
func HasCode(err error, code string) bool {
	var se *SkvError
	for err != nil {
		if !errors.As(err, &se) {
			return false
		}
		if se.Code == code {
			return true
		}
		err = se.Cause
	}
	return false
}
