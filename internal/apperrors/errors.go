// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation    = errors.New("validation error")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrInternal      = errors.New("internal error")
	ErrConfigMissing = errors.New("config missing")
	ErrCorruptSecret = errors.New("corrupt secret")
	ErrParse         = errors.New("parse error")
	ErrRemote        = errors.New("remote error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation and parse errors (e.g., "max_frequency")
	Resource string // For not found/conflict (e.g., "job"), or the missing file path
	Op       string // Operation that failed (e.g., "batch.queryJob")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes the sentinel for classification and the cause, so
// errors.Is also sees context cancellation and the like.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// ConfigMissing reports a required settings file that does not exist.
func ConfigMissing(path string) error {
	return &Error{
		Sentinel: ErrConfigMissing,
		Message:  fmt.Sprintf("config file %s does not exist", path),
		Resource: path,
	}
}

// CorruptSecret reports a secret blob that cannot be decoded.
func CorruptSecret(cause error) error {
	return &Error{
		Sentinel: ErrCorruptSecret,
		Message:  fmt.Sprintf("secret blob could not be decrypted: %v", cause),
		Cause:    cause,
	}
}

// Parse reports a stored setting whose value is malformed.
func Parse(key, value string, cause error) error {
	return &Error{
		Sentinel: ErrParse,
		Message:  fmt.Sprintf("invalid value %q for %s: %v", value, key, cause),
		Field:    key,
		Cause:    cause,
	}
}

// Remote wraps a failure reported by, or while talking to, the compute service.
func Remote(op string, cause error) error {
	return &Error{
		Sentinel: ErrRemote,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
