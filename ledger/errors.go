/*
errors.go - Centralized error types for the coin ledger

PURPOSE:
  All ledger error types in one place. Feature packages and the HTTP
  layer classify failures with errors.Is / errors.As against these.

ERROR CATEGORIES:
  1. Client errors  - InsufficientFunds, InvalidOperation, ReferenceConflict
  2. Lookup errors  - AccountNotFound
  3. Retryable      - Contention, CreditPending
  4. Store signals  - Conflict, DuplicateReference (consumed by the engine)

SEE ALSO:
  - engine.go: Produces these errors
  - api/handlers.go: Maps them to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientFunds is returned when a debit exceeds purchased + free.
	// Nothing is debited.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAccountNotFound is returned when a referenced account doesn't exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInvalidOperation is returned for malformed operations.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrContention is returned when compare-and-swap retries are exhausted.
	ErrContention = errors.New("too much contention on account")

	// ErrReferenceConflict is returned when a reference id was already used
	// for a different amount or account.
	ErrReferenceConflict = errors.New("reference id reused with different parameters")

	// ErrCreditPending is returned when the debit side of a transfer
	// committed but the paired credit did not. Settlement completes it.
	ErrCreditPending = errors.New("transfer credit pending")

	// ErrConflict is returned by stores when the expected version is stale.
	ErrConflict = errors.New("account version conflict")

	// ErrDuplicateReference is returned by stores when an entry with the
	// same reference id and kind already exists.
	ErrDuplicateReference = errors.New("duplicate reference")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError provides details about a shortfall.
type InsufficientFundsError struct {
	AccountID AccountID
	Available int64
	Requested int64
	Shortfall int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on %s: available %d, requested %d, shortfall %d",
		e.AccountID, e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// ReferenceConflictError names the reference and what was already recorded.
type ReferenceConflictError struct {
	ReferenceID     string
	Kind            Kind
	ExistingAccount AccountID
	ExistingAmount  int64
	Requested       int64
}

func (e *ReferenceConflictError) Error() string {
	return fmt.Sprintf("reference %s (%s) already recorded for %s with amount %d, got %d",
		e.ReferenceID, e.Kind, e.ExistingAccount, e.ExistingAmount, e.Requested)
}

func (e *ReferenceConflictError) Unwrap() error {
	return ErrReferenceConflict
}

// ValidationError describes why an operation was rejected before execution.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid operation: %s %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidOperation
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrContention) ||
		errors.Is(err, ErrCreditPending) ||
		errors.Is(err, ErrConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidOperation) ||
		errors.Is(err, ErrReferenceConflict)
}

// IsNotFound returns true if the error indicates a missing account.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound)
}
