package domain

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

// ValidationError reports malformed or unsupported input. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// ConflictError reports a business-rule violation such as a duplicate open position.
type ConflictError struct {
	Reason  string
	Message string
}

func (e *ConflictError) Error() string {
	if e.Message == "" {
		return "conflict: " + e.Reason
	}
	return fmt.Sprintf("conflict: %s: %s", e.Reason, e.Message)
}

// TransientError wraps a failure that is worth retrying.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks an exhausted retry budget. The operation is left in CLOSE_FAILED.
type FatalError struct {
	OperationID string
	Attempts    int
	Err         error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("operation %s close failed after %d attempt(s): %v", e.OperationID, e.Attempts, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// ConflictReason returns the reason code of a wrapped ConflictError, or "".
func ConflictReason(err error) string {
	var target *ConflictError
	if errors.As(err, &target) {
		return target.Reason
	}
	return ""
}
