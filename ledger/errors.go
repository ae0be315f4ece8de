/*
errors.go - Centralized error types for the reward ledger

ERROR CATEGORIES:
  1. Caller errors    - ErrInvalidInput, ErrInsufficientBalance
  2. Success-shaped   - ErrDuplicateOperation, ErrDailyLimitExceeded,
                        ErrNoApplicablePolicy. Callers treat these as a
                        successful no-op. They never enter the retry queue.
  3. Side effects     - ErrExternalSideEffect, ErrCriticalRollback
  4. Store failures   - ErrTransientStore (safe to retry the whole operation)

USAGE:
  if ledger.IsSuccessShaped(err) {
      // nothing to retry
  }

SEE ALSO:
  - purchase/errors.go: SideEffectError / CriticalRollbackError
  - retry/queue.go:     ErrorCode() stored as LastErrorCode
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
	// ErrInvalidInput is returned for bad amounts or ids, before any transaction.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInsufficientBalance is returned when a debit exceeds available,
	// non-expired funds. No state is mutated.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateOperation is returned when the idempotency key was already
	// applied. Expected on retries.
	ErrDuplicateOperation = errors.New("duplicate operation")

	// ErrDailyLimitExceeded is returned when a rate-limited action already hit
	// its cap for the day.
	ErrDailyLimitExceeded = errors.New("daily limit exceeded")

	// ErrNoApplicablePolicy is returned when no active reward policy exists.
	ErrNoApplicablePolicy = errors.New("no applicable policy")

	// ErrExternalSideEffect marks a failed side effect that was compensated.
	ErrExternalSideEffect = errors.New("external side effect failed")

	// ErrCriticalRollback marks a compensating transaction that itself failed.
	// Requires manual reconciliation.
	ErrCriticalRollback = errors.New("critical rollback failure")

	// ErrTransientStore is returned when the transaction layer is unavailable.
	ErrTransientStore = errors.New("transient store failure")

	// ErrRollbackConflict is returned when a deduction can no longer be
	// reversed exactly (a remainder it created was spent since).
	ErrRollbackConflict = errors.New("rollback conflict")

	// ErrEntryNotFound is returned when a referenced entry doesn't exist.
	ErrEntryNotFound = errors.New("entry not found")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// InsufficientBalanceError provides details about a shortage.
type InsufficientBalanceError struct {
	UserID    UserID
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %d, requested %d, shortfall %d",
		e.UserID, e.Available, e.Requested, e.Requested-e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// InvalidInputError names the offending field.
type InvalidInputError struct {
	Field   string
	Message string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *InvalidInputError) Unwrap() error {
	return ErrInvalidInput
}

func invalid(field, message string) error {
	return &InvalidInputError{Field: field, Message: message}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsSuccessShaped returns true for outcomes callers treat as a successful no-op.
func IsSuccessShaped(err error) bool {
	return errors.Is(err, ErrDuplicateOperation) ||
		errors.Is(err, ErrDailyLimitExceeded) ||
		errors.Is(err, ErrNoApplicablePolicy)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInsufficientBalance)
}

// IsRetryable returns true if the whole operation may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil || IsSuccessShaped(err) || IsClientError(err) {
		return false
	}
	return !errors.Is(err, ErrCriticalRollback)
}

// ErrorCode maps an error to a stable short code for storage and APIs.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrDuplicateOperation):
		return "duplicate_operation"
	case errors.Is(err, ErrDailyLimitExceeded):
		return "daily_limit_exceeded"
	case errors.Is(err, ErrNoApplicablePolicy):
		return "no_applicable_policy"
	case errors.Is(err, ErrCriticalRollback):
		return "critical_rollback_failure"
	case errors.Is(err, ErrExternalSideEffect):
		return "external_side_effect_failure"
	case errors.Is(err, ErrTransientStore):
		return "transient_store_failure"
	default:
		return "unknown"
	}
}
