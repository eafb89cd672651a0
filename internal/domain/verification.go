package domain

import "time"

// ============================================================
// Verification records (audit trail)
// ============================================================

// PaymentVerification binds one classified payment to one commission
// installment slot. Rows are never hard-deleted: undoing a verification
// sets ReversedAt instead, preserving the audit trail. At most one
// active (non-reversed) row may exist per (commission, slot) pair; a
// reversed row does not block re-verification of the same slot.
type PaymentVerification struct {
	ID                 string          `json:"id"`
	CommissionID       string          `json:"commission_id"`
	CustomerPaymentID  string          `json:"customer_payment_id"`
	PaymentInstallment InstallmentSlot `json:"payment_installment"`

	VerifiedAt        time.Time `json:"verified_at"`
	VerifiedBy        string    `json:"verified_by,omitempty"`
	AutoVerified      bool      `json:"auto_verified"`
	VerificationNotes string    `json:"verification_notes,omitempty"`

	ReversedAt     *time.Time `json:"reversed_at,omitempty"`
	ReversalReason string     `json:"reversal_reason,omitempty"`
}

// Active reports whether the verification still counts toward the
// commission's status.
func (v *PaymentVerification) Active() bool {
	return v.ReversedAt == nil
}

// VerificationResult is returned by the manual and automatic verify
// paths. AlreadyVerified is set when the requested slot was satisfied
// before the call; the existing record is returned instead of an error
// so retried batches stay safe.
type VerificationResult struct {
	Commission      *Commission          `json:"commission"`
	Verification    *PaymentVerification `json:"verification"`
	AlreadyVerified bool                 `json:"already_verified,omitempty"`
}

// BatchOutcome says what the automatic pass did to one commission.
type BatchOutcome string

const (
	// OutcomeVerified: at least one new slot was verified.
	OutcomeVerified BatchOutcome = "verified"
	// OutcomeNoPayments: the contract has no payments yet; the commission
	// stays pending. Distinct from failure by design of the callers.
	OutcomeNoPayments BatchOutcome = "no_payments"
	// OutcomeNoQualifying: payments exist but none qualifies for the next
	// slot; the commission is marked verification_failed.
	OutcomeNoQualifying BatchOutcome = "no_qualifying_payment"
	// OutcomeSkipped: commission already terminal, or every pending slot
	// was satisfied before this run.
	OutcomeSkipped BatchOutcome = "skipped"
	// OutcomeError: this commission's pass failed; Error carries the
	// reason. Other commissions in the batch are unaffected.
	OutcomeError BatchOutcome = "error"
)

// CommissionBatchResult is the per-commission entry in a BatchResult.
type CommissionBatchResult struct {
	CommissionID  string             `json:"commission_id"`
	Outcome       BatchOutcome       `json:"outcome"`
	Status        VerificationStatus `json:"status,omitempty"`
	VerifiedSlots int                `json:"verified_slots,omitempty"`
	Error         string             `json:"error,omitempty"`
}

// BatchResult reports an automatic verification pass. ProcessedCount is
// the number of newly verified slots across the batch, so an immediate
// re-run with no new payments reports zero.
type BatchResult struct {
	ProcessedCount int                     `json:"processed_count"`
	Results        []CommissionBatchResult `json:"results"`
}

// VerificationStats aggregates commissions by verification bucket for
// the dashboard. Derived on read, never stored.
type VerificationStats struct {
	PendingCount  int     `json:"pending_count"`
	PendingAmount float64 `json:"pending_amount"`

	// Verified covers first_payment_verified, second_payment_verified and
	// fully_verified.
	VerifiedCount  int     `json:"verified_count"`
	VerifiedAmount float64 `json:"verified_amount"`

	FailedCount  int     `json:"failed_count"`
	FailedAmount float64 `json:"failed_amount"`

	TotalCount int `json:"total_count"`
}
