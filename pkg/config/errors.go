package config

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFileNotFound indicates the queue file was not found.
	ErrQueueFileNotFound = errors.New("queue file not found")

	// ErrInvalidSyntax indicates YAML/JSON parsing failed.
	ErrInvalidSyntax = errors.New("invalid queue file syntax")

	// ErrValidationFailed indicates queue file validation failed.
	ErrValidationFailed = errors.New("queue file validation failed")

	// ErrSkipPermissionsInFile indicates the queue file tried to set the
	// skipPermissions flag, which may only come from process flags.
	ErrSkipPermissionsInFile = errors.New("skipPermissions may not be set from queue-file data")

	// ErrUnacknowledgedAutonomy indicates skipPermissions and autoApprove
	// were combined without the explicit autonomous-risk acknowledgment.
	ErrUnacknowledgedAutonomy = errors.New("skipPermissions with autoApprove requires the autonomous-risk acknowledgment flag")

	// ErrMissingRequiredField indicates a required field is missing.
	ErrMissingRequiredField = errors.New("missing required field")

	// ErrInvalidValue indicates a field has an invalid value.
	ErrInvalidValue = errors.New("invalid field value")
)

// ValidationError wraps queue-file validation errors with context.
type ValidationError struct {
	Component string // Component being validated (ticket, config, hooks)
	ID        string // ID of the component (ticket id, empty for config)
	Field     string // Field name (optional)
	Err       error  // Underlying error
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	switch {
	case e.ID != "" && e.Field != "":
		return fmt.Sprintf("%s '%s': field '%s': %v", e.Component, e.ID, e.Field, e.Err)
	case e.ID != "":
		return fmt.Sprintf("%s '%s': %v", e.Component, e.ID, e.Err)
	case e.Field != "":
		return fmt.Sprintf("%s: field '%s': %v", e.Component, e.Field, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Component, e.Err)
	}
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError creates a new validation error.
func NewValidationError(component, id, field string, err error) *ValidationError {
	return &ValidationError{Component: component, ID: id, Field: field, Err: err}
}

// LoadError wraps queue-file loading errors with file context.
type LoadError struct {
	File string
	Err  error
}

// Error returns the formatted error message.
func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.File, e.Err)
}

// Unwrap returns the underlying error.
func (e *LoadError) Unwrap() error { return e.Err }

// NewLoadError creates a new load error.
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{File: file, Err: err}
}
