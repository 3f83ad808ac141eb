package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Sentinels matched through errors.Is by the transport layer.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrLimitExceeded     = errors.New("refund limit exceeded")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrPersistence       = errors.New("persistence failure")
)

// ValidationError reports malformed or missing input.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError reports a missing order or refund.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError is returned when the active-refund guard or the aggregate
// guard trips. Callers may retry.
type ConflictError struct {
	OrderID string
	Reason  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on order %s: %s", e.OrderID, e.Reason)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// LimitExceededError carries the balance still available for refund so the
// operator can correct the request.
type LimitExceededError struct {
	OrderID   string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("refund of %s exceeds available %s on order %s",
		e.Requested.StringFixed(2), e.Available.StringFixed(2), e.OrderID)
}

func (e *LimitExceededError) Is(target error) bool { return target == ErrLimitExceeded }

// InvalidTransitionError reports a move the state machine does not allow.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot transition from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// InvalidStatusError reports a status outside the accepted set.
type InvalidStatusError struct {
	Status string
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("invalid status %q", e.Status)
}

func (e *InvalidStatusError) Is(target error) bool { return target == ErrInvalidStatus }

// PersistenceError wraps a storage failure. PaymentID is set when the failure
// happened after the gateway captured money, which requires manual
// reconciliation.
type PersistenceError struct {
	Op        string
	PaymentID string
	Err       error
}

func (e *PersistenceError) Error() string {
	if e.PaymentID != "" {
		return fmt.Sprintf("%s: payment %s captured but not recorded: %v", e.Op, e.PaymentID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }
