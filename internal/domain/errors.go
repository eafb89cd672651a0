package domain

import "fmt"

// Error types for consistent error handling across the engine.

// ErrNotFound indicates a commission, payment or verification id is
// unknown. Fatal to the single call, never retried automatically.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrValidation indicates a bad input (empty id, invalid slot name,
// non-positive amount).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrIllegalTransition indicates the requested slot is not the legal
// next slot for the commission's current status. Surfaced to the caller,
// never silently corrected.
type ErrIllegalTransition struct {
	CommissionID string
	From         VerificationStatus
	Slot         InstallmentSlot
	Reason       string
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal transition for commission %s: cannot verify slot '%s' from status '%s': %s",
		e.CommissionID, e.Slot, e.From, e.Reason)
}

// ErrInvalidReference indicates an entity points at something it should
// not (e.g. a payment that belongs to a different contract than the
// commission's).
type ErrInvalidReference struct {
	Resource string
	ID       string
	Detail   string
}

func (e *ErrInvalidReference) Error() string {
	return fmt.Sprintf("invalid reference [%s %s]: %s", e.Resource, e.ID, e.Detail)
}

// ErrConcurrencyConflict indicates an optimistic-lock failure on a
// commission write; the caller should retry once with fresh state.
type ErrConcurrencyConflict struct {
	Resource string
	ID       string
}

func (e *ErrConcurrencyConflict) Error() string {
	return fmt.Sprintf("concurrent update detected on %s %s", e.Resource, e.ID)
}

// ErrExternalService indicates a failure in the store or another
// external collaborator.
type ErrExternalService struct {
	Service string
	Err     error
}

func (e *ErrExternalService) Error() string {
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ErrExternalService) Unwrap() error {
	return e.Err
}

// ErrTimeout indicates an operation exceeded its deadline. A timed-out
// commission write leaves the status unchanged.
type ErrTimeout struct {
	Operation string
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("operation timed out: %s", e.Operation)
}

// ErrCircuitOpen indicates the circuit breaker is open for a backend.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}
