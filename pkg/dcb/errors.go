package dcb

import (
	"errors"
	"fmt"
)

type (
	// EventStoreError is the base error type for event store operations.
	EventStoreError struct {
		Op  string // Operation that failed
		Err error  // The underlying error
	}

	// ValidationError reports invalid input rejected before any database work.
	ValidationError struct {
		EventStoreError
		Field string // The field that failed validation
		Value string // The invalid value
	}

	// ConcurrencyError reports that the consistency clause of an
	// AppendCondition matched: events conflicting with the decision model
	// were committed past the condition's cursor.
	ConcurrencyError struct {
		EventStoreError
		MatchingEvents int
	}

	// IdempotencyError reports that the idempotency clause of an
	// AppendCondition matched: the operation has already been performed.
	IdempotencyError struct {
		EventStoreError
		MatchingEvents int
	}

	// ResourceError reports an infrastructure failure (connection loss,
	// timeout, serialization failure). Retryable at the caller's discretion.
	ResourceError struct {
		EventStoreError
		Resource string // The resource that caused the error
	}

	// TableStructureError reports a storage table with an unexpected shape.
	TableStructureError struct {
		EventStoreError
		TableName  string
		ColumnName string
		Issue      string
	}
)

func (e *EventStoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op
}

func (e *EventStoreError) Unwrap() error {
	return e.Err
}

// IsValidationError reports whether err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsConcurrencyError reports whether err is or wraps a ConcurrencyError.
func IsConcurrencyError(err error) bool {
	var target *ConcurrencyError
	return errors.As(err, &target)
}

// IsIdempotencyError reports whether err is or wraps an IdempotencyError.
func IsIdempotencyError(err error) bool {
	var target *IdempotencyError
	return errors.As(err, &target)
}

// IsResourceError reports whether err is or wraps a ResourceError.
func IsResourceError(err error) bool {
	var target *ResourceError
	return errors.As(err, &target)
}

// AsConcurrencyError extracts a ConcurrencyError from the error chain.
func AsConcurrencyError(err error) (*ConcurrencyError, bool) {
	var target *ConcurrencyError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// AsIdempotencyError extracts an IdempotencyError from the error chain.
func AsIdempotencyError(err error) (*IdempotencyError, bool) {
	var target *IdempotencyError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// ClassifyError maps an error to the label used in failure signals.
func ClassifyError(err error) string {
	switch {
	case IsValidationError(err):
		return "validation"
	case IsConcurrencyError(err):
		return "concurrency"
	case IsIdempotencyError(err):
		return "idempotent"
	case IsResourceError(err):
		return "infrastructure"
	default:
		return "domain"
	}
}

func validationErr(op, field, value string, err error) *ValidationError {
	return &ValidationError{
		EventStoreError: EventStoreError{Op: op, Err: err},
		Field:           field,
		Value:           value,
	}
}

func resourceErr(op, resource string, err error) *ResourceError {
	return &ResourceError{
		EventStoreError: EventStoreError{Op: op, Err: err},
		Resource:        resource,
	}
}
