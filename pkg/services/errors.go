// Package services provides the business operations behind the API surface.
package services

import (
	"errors"
	"fmt"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest          = errors.New("invalid request")
	ErrInvalidStatus           = errors.New("invalid automation status")
	ErrInvalidAudienceCriteria = errors.New("invalid audience criteria")
	ErrScheduleNeverFires      = errors.New("schedule never fires")
	ErrAutomationNil           = errors.New("automation cannot be nil")

	// Business Logic Conflicts (409 Conflict).
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrAutomationRunning       = errors.New("automation has a run in flight")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrInvalidAudienceCriteria) ||
		errors.Is(err, ErrScheduleNeverFires) ||
		errors.Is(err, ErrAutomationNil)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrInvalidStatusTransition) ||
		errors.Is(err, ErrAutomationRunning)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
