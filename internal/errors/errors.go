// Package errors holds the error vocabulary shared by every nodescope
// component: sentinel errors, category checks, wrapping helpers and the
// ValidationErrors collector used by the config loader.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Not found errors
	ErrNotFound         = errors.New("not found")
	ErrAlertNotFound    = errors.New("alert not found")
	ErrBaselineNotFound = errors.New("baseline not found")
	ErrNodeNotFound     = errors.New("node not found")

	// Validation errors
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrMissingField    = errors.New("missing required field")
	ErrInvalidNodeSpec = errors.New("invalid node spec")
	ErrInvalidInterval = errors.New("invalid interval")

	// Input errors. Lines that fail with these are skipped, never retried.
	ErrMalformedLine   = errors.New("malformed log line")
	ErrUnknownAction   = errors.New("unknown action")
	ErrUnknownMessage  = errors.New("unknown message")
	ErrBadTimestamp    = errors.New("bad timestamp")
	ErrMalformedStatus = errors.New("malformed status response")

	// Analytics errors
	ErrInsufficientData     = errors.New("insufficient data")
	ErrInsufficientVariance = errors.New("insufficient variance")

	// State errors
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrStopped           = errors.New("stopped")
	ErrMaxAttempts       = errors.New("max attempts reached")

	// Transport errors
	ErrTimeout          = errors.New("timeout")
	ErrConnectionFailed = errors.New("connection failed")
	ErrConnectionClosed = errors.New("connection closed")
	ErrHealthCheck      = errors.New("health check failed")
	ErrStatusCode       = errors.New("unexpected status code")

	// Internal errors
	ErrInternal   = errors.New("internal error")
	ErrDatabase   = errors.New("database error")
	ErrBufferFull = errors.New("buffer full")
	ErrClosed     = errors.New("closed")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlertNotFound) ||
		errors.Is(err, ErrBaselineNotFound) ||
		errors.Is(err, ErrNodeNotFound)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidNodeSpec) ||
		errors.Is(err, ErrInvalidInterval)
}

// IsInputError returns true if err was caused by a line or payload that
// cannot be interpreted. Such input is dropped.
func IsInputError(err error) bool {
	return errors.Is(err, ErrMalformedLine) ||
		errors.Is(err, ErrUnknownAction) ||
		errors.Is(err, ErrUnknownMessage) ||
		errors.Is(err, ErrBadTimestamp) ||
		errors.Is(err, ErrMalformedStatus)
}

// IsRetriable returns true if the error is potentially retriable.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, ErrHealthCheck) ||
		errors.Is(err, ErrStatusCode) ||
		errors.Is(err, ErrBufferFull)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewNotFound creates a not-found error with context.
func NewNotFound(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrNotFound)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}

// NewMalformed tags a rejected input line with the reason it was rejected.
func NewMalformed(reason string) error {
	return fmt.Errorf("%s: %w", reason, ErrMalformedLine)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	switch len(v.Errors) {
	case 0:
		return ""
	case 1:
		return v.Errors[0].Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Err returns nil when nothing was collected, the collector otherwise.
func (v *ValidationErrors) Err() error {
	if !v.HasErrors() {
		return nil
	}
	return v
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
