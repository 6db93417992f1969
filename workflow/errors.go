/*
errors.go - Typed failures reported by the engine

ERROR CATEGORIES:
  1. InvalidInput        - rejected before anything is persisted
  2. NotFound            - unknown request or user
  3. Forbidden           - caller lacks the role or ownership
  4. InsufficientBalance - leave approval exceeding the remaining balance
  5. Unavailable         - store or channel unreachable (wraps the raw cause)

Callers classify with errors.Is against the sentinels below. Structured
errors carry details and unwrap to their sentinel.
*/
package workflow

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInvalidInput = errors.New("invalid input")

	ErrNotFound = errors.New("not found")

	ErrForbidden = errors.New("forbidden")

	// ErrInsufficientBalance is returned when an approval would drive the
	// owner's paid leave balance negative. The transition is not applied.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrUnavailable wraps failures of the store or the realtime channel.
	ErrUnavailable = errors.New("service unavailable")

	// ErrConcurrentModification is returned by the store when a conditional
	// status write finds the request no longer in the expected state.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrAlreadyAccrued is returned when the accrual for a month already ran.
	ErrAlreadyAccrued = errors.New("accrual already applied for period")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	UserID    UserID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s",
		e.Available.String(), e.Requested.String())
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// NotFoundError says which kind of record was missing.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// Unavailable wraps a raw storage or transport error.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to the caller's input or state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrAlreadyAccrued) ||
		errors.Is(err, ErrConcurrentModification)
}
