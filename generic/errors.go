/*
errors.go - Centralized error taxonomy for the calendar and payout engines

PURPOSE:
  All error kinds in one place for consistency and discoverability.
  Domain packages wrap these sentinels with context; the API maps them
  to HTTP status codes.

ERROR CATEGORIES:
  1. Client errors    - NotFound, BadRequest, Unauthorized, Forbidden, Conflict
  2. Irregular state  - payout cursor outside the known enumeration (manual review)
  3. Contention       - bounded lock wait exceeded (retry on the next run)

USAGE:
  if errors.Is(err, generic.ErrNotFound) { ... }

  var se *generic.StateError
  if errors.As(err, &se) { log se.TransactionID }

SEE ALSO:
  - api/handlers.go: statusFor maps these to HTTP codes
  - billing/machine.go: produces StateError
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced service, provider or
	// transaction does not exist or is soft-deleted.
	ErrNotFound = errors.New("not found")

	// ErrBadRequest is returned for invalid ranges, malformed input and
	// operations that are invalid for the current state.
	ErrBadRequest = errors.New("bad request")

	// ErrUnauthorized is returned when the caller does not own the resource.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when the caller lacks administrator rights.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict is returned when an idempotency key collides with a
	// genuinely different request.
	ErrConflict = errors.New("conflict")

	// ErrIrregularState is returned when a payout cursor holds a value
	// outside the known enumeration. Never retried automatically.
	ErrIrregularState = errors.New("irregular state")

	// ErrLockContention is returned when the bounded wait on the candidate
	// lock transaction is exceeded.
	ErrLockContention = errors.New("lock contention")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// RangeError describes a rejected date range.
type RangeError struct {
	From   string
	To     string
	Reason string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("invalid date range [%s, %s]: %s", e.From, e.To, e.Reason)
}

func (e *RangeError) Unwrap() error { return ErrBadRequest }

// StateError reports a payout cursor value the state machine cannot handle.
type StateError struct {
	TransactionID int64
	State         string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("transaction %d: irregular payout state %q", e.TransactionID, e.State)
}

func (e *StateError) Unwrap() error { return ErrIrregularState }

// TransferError wraps a failed call to the external transfer gateway. The
// transaction stays locked for manual triage.
type TransferError struct {
	TransactionID  int64
	GroupKey       string
	IdempotencyKey string
	Err            error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer for transaction %d (group %s) failed: %v", e.TransactionID, e.GroupKey, e.Err)
}

// Unwrap exposes both the BadRequest class and the gateway cause.
func (e *TransferError) Unwrap() []error { return []error{ErrBadRequest, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on a later run.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockContention)
}

// IsClientError returns true if the error is due to the caller's input or rights.
func IsClientError(err error) bool {
	return errors.Is(err, ErrBadRequest) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrNotFound)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
