// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrAutomationNotFound indicates an automation was not found by the given identifier.
	ErrAutomationNotFound = errors.New("automation not found")

	// ErrExecutionNotFound indicates an execution ledger row was not found.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionTerminal indicates an update was attempted on a terminal execution row.
	ErrExecutionTerminal = errors.New("execution is terminal")

	// ErrExecutionAlreadyExists indicates an append reused an existing execution id.
	ErrExecutionAlreadyExists = errors.New("execution already exists")
)

// ExecutionError wraps ledger errors with operation context.
type ExecutionError struct {
	Op          string // Operation being performed (e.g., "Append", "Update")
	ExecutionID string
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s operation failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// NewExecutionError creates a new execution error with context.
func NewExecutionError(op, executionID string, err error) *ExecutionError {
	return &ExecutionError{Op: op, ExecutionID: executionID, Err: err}
}

// IsAutomationNotFound checks if the error indicates a missing automation.
func IsAutomationNotFound(err error) bool {
	return errors.Is(err, ErrAutomationNotFound)
}

// IsExecutionNotFound checks if the error indicates a missing execution row.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsExecutionTerminal checks if the error indicates a write to a finalized row.
func IsExecutionTerminal(err error) bool {
	return errors.Is(err, ErrExecutionTerminal)
}
