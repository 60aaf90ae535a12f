/*
errors.go - Error taxonomy for the ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers branch on the sentinels with errors.Is and pull details out of the
  structured types with errors.As.

ERROR CATEGORIES:
  1. Client errors - Validation, unknown event type, insufficient balance,
     cap exceeded, unauthorized, already processed
  2. Lookup errors - Missing transaction, event or allocation
  3. Store errors - Lock contention and timeouts (retryable)

PROPAGATION:
  Every business-rule failure is detected before any persistent mutation.
  Store errors roll the whole unit back; the ledger never retries by itself.

SEE ALSO:
  - store.go: Stores map driver errors onto these sentinels
  - api/handlers.go: Maps the taxonomy to HTTP statuses
*/
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed or out-of-range input.
	ErrValidation = errors.New("validation failed")

	// ErrUnknownEventType is returned when no active earning rule exists.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrInsufficientBalance is returned when a debit exceeds available balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrCapExceeded is returned when a purchase would pass a per-person or global cap.
	ErrCapExceeded = errors.New("cap exceeded")

	// ErrNotFound is returned for a missing transaction, event or allocation.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized is returned when the wrong party attempts a party-restricted action.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAlreadyProcessed is returned when a state transition was already taken.
	ErrAlreadyProcessed = errors.New("already processed")

	// ErrDuplicateEvent is returned by stores when a dedup key already exists.
	// The earning engine resolves it as an idempotent success.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrConcurrencyConflict is returned on lock contention. Safe to retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	MemberID  MemberID
	Currency  Currency
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance for %s: available %s, requested %s",
		e.Currency, e.MemberID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// Shortfall is how much more the member would need.
func (e *InsufficientBalanceError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

type CapKind string

const (
	CapPerPerson CapKind = "per_person"
	CapGlobal    CapKind = "global"
)

// CapExceededError reports which cap a purchase ran into.
type CapExceededError struct {
	EventID   EventID
	Kind      CapKind
	Cap       decimal.Decimal
	Current   decimal.Decimal
	Requested decimal.Decimal
}

func (e *CapExceededError) Error() string {
	return fmt.Sprintf("%s cap exceeded for event %s: cap %s, current %s, requested %s",
		e.Kind, e.EventID, e.Cap, e.Current, e.Requested)
}

func (e *CapExceededError) Unwrap() error { return ErrCapExceeded }

type NotFoundError struct {
	Kind string // "timebank_transaction", "event", "allocation"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsClientError returns true if the error is due to the caller's input or
// the state the caller is acting on.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrUnknownEventType) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrCapExceeded) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrAlreadyProcessed)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
