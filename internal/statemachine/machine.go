// Package statemachine owns the lifecycle of a commission's payment
// verification status. It is a pure transition table: callers load the
// commission, ask for the next state, and persist it themselves.
package statemachine

import (
	"github.com/habitaplus/commission-verify-go/internal/domain"
)

// Machine validates and computes status transitions for a commission
// that requires a given number of qualifying installments. How many
// installments are required varies per contract policy, so it is a
// parameter here, never a constant.
type Machine struct {
	requiredSlots int
}

// New creates a machine for a commission requiring the given number of
// installment slots. Values outside 1..2 fall back to 2.
func New(requiredSlots int) *Machine {
	if requiredSlots != 1 {
		requiredSlots = 2
	}
	return &Machine{requiredSlots: requiredSlots}
}

// RequiredSlots returns the number of qualifying installments needed to
// reach fully_verified.
func (m *Machine) RequiredSlots() int {
	return m.requiredSlots
}

// NextSlot returns the slot a verification must fill next from the given
// status. ok is false when the status accepts no further verifications.
func (m *Machine) NextSlot(status domain.VerificationStatus) (domain.InstallmentSlot, bool) {
	switch status {
	case domain.StatusPendingVerification:
		return domain.SlotFirst, true
	case domain.StatusFirstPaymentVerified:
		if m.requiredSlots == 2 {
			return domain.SlotSecond, true
		}
		return "", false
	default:
		return "", false
	}
}

// Verify computes the status after binding a payment to the given slot.
// The slot must be exactly the next legal slot; anything else returns
// ErrIllegalTransition rather than silently reclassifying.
func (m *Machine) Verify(commissionID string, status domain.VerificationStatus, slot domain.InstallmentSlot) (domain.VerificationStatus, error) {
	if !slot.Valid() {
		return status, &domain.ErrValidation{Field: "installment_slot", Message: "slot must be 'first' or 'second'"}
	}
	if status.Terminal() {
		return status, &domain.ErrIllegalTransition{
			CommissionID: commissionID, From: status, Slot: slot,
			Reason: "status is terminal",
		}
	}

	next, ok := m.NextSlot(status)
	if !ok {
		return status, &domain.ErrIllegalTransition{
			CommissionID: commissionID, From: status, Slot: slot,
			Reason: "all required slots are already verified",
		}
	}
	if slot != next {
		return status, &domain.ErrIllegalTransition{
			CommissionID: commissionID, From: status, Slot: slot,
			Reason: "next legal slot is '" + string(next) + "'",
		}
	}

	switch slot {
	case domain.SlotFirst:
		if m.requiredSlots == 1 {
			return domain.StatusFullyVerified, nil
		}
		return domain.StatusFirstPaymentVerified, nil
	default: // SlotSecond
		return domain.StatusFullyVerified, nil
	}
}

// MarkFailed moves a non-terminal commission to verification_failed.
// Used by the automatic path when payments exist but none qualifies.
func (m *Machine) MarkFailed(commissionID string, status domain.VerificationStatus) (domain.VerificationStatus, error) {
	if status.Terminal() {
		return status, &domain.ErrIllegalTransition{
			CommissionID: commissionID, From: status,
			Reason: "status is terminal",
		}
	}
	return domain.StatusVerificationFailed, nil
}

// Reverse computes the status after undoing the verification of the
// given slot. The slot must be the most recently verified one, so the
// commission steps back exactly one slot. Reversal never re-validates
// the classifier.
func (m *Machine) Reverse(commissionID string, status domain.VerificationStatus, slot domain.InstallmentSlot) (domain.VerificationStatus, error) {
	if !slot.Valid() {
		return status, &domain.ErrValidation{Field: "installment_slot", Message: "slot must be 'first' or 'second'"}
	}

	switch status {
	case domain.StatusFirstPaymentVerified:
		if slot == domain.SlotFirst {
			return domain.StatusPendingVerification, nil
		}
	case domain.StatusSecondPaymentVerified:
		if slot == domain.SlotSecond {
			return domain.StatusFirstPaymentVerified, nil
		}
	case domain.StatusFullyVerified:
		if m.requiredSlots == 1 {
			if slot == domain.SlotFirst {
				return domain.StatusPendingVerification, nil
			}
		} else if slot == domain.SlotSecond {
			return domain.StatusFirstPaymentVerified, nil
		}
	}

	return status, &domain.ErrIllegalTransition{
		CommissionID: commissionID, From: status, Slot: slot,
		Reason: "slot is not the most recently verified slot",
	}
}
