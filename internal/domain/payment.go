package domain

import "time"

// ============================================================
// Customer payments & classification
// ============================================================

// InstallmentType is the semantic role the classifier assigns to a raw
// customer payment.
type InstallmentType string

const (
	InstallmentFirst        InstallmentType = "first"
	InstallmentSecond       InstallmentType = "second"
	InstallmentRegular      InstallmentType = "regular"
	InstallmentUndetermined InstallmentType = "undetermined"
)

// InstallmentSlot is a named position in the sequence of qualifying
// payments a commission depends on. Only first and second exist.
type InstallmentSlot string

const (
	SlotFirst  InstallmentSlot = "first"
	SlotSecond InstallmentSlot = "second"
)

// Valid reports whether s names a real slot.
func (s InstallmentSlot) Valid() bool {
	return s == SlotFirst || s == SlotSecond
}

// CustomerPayment is a payment registered against a sales contract.
// The raw attributes (amount, date, method) are written by the payments
// back office; the derived classification fields below them are owned by
// this engine and may be recomputed at any time (re-detection overwrites
// them but never the raw attributes).
type CustomerPayment struct {
	ID            string    `json:"id"`
	ContractID    string    `json:"contract_id"`
	ClientID      string    `json:"client_id"`
	Amount        float64   `json:"amount"`
	PaymentDate   time.Time `json:"payment_date"`
	PaymentMethod string    `json:"payment_method"`
	Reference     string    `json:"reference,omitempty"`
	Notes         string    `json:"notes,omitempty"`

	// Derived fields, written by the classifier.
	InstallmentType       InstallmentType    `json:"installment_type,omitempty"`
	AffectsCommissions    bool               `json:"affects_commissions"`
	DetectionNotes        string             `json:"detection_notes,omitempty"`
	DetectionMetadata     *DetectionMetadata `json:"detection_metadata,omitempty"`
	CommissionProcessedAt *time.Time         `json:"commission_processed_at,omitempty"`
	LastDetectionRun      *time.Time         `json:"last_detection_run,omitempty"`
}

// DetectionMetadata snapshots the configuration and history the
// classifier saw, so a result stays reproducible even after the global
// thresholds change.
type DetectionMetadata struct {
	GracePeriodDays          int     `json:"grace_period_days"`
	MinimumAmountThreshold   float64 `json:"minimum_amount_threshold"`
	PriorPayments            int     `json:"prior_payments"`
	PriorCommissionAffecting int     `json:"prior_commission_affecting"`
}

// ClassificationResult is the classifier's verdict for one payment.
// An undetermined type is a normal result variant, not an error, so
// batch processing can skip gracefully instead of aborting.
type ClassificationResult struct {
	PaymentID          string            `json:"payment_id"`
	InstallmentType    InstallmentType   `json:"installment_type"`
	AffectsCommissions bool              `json:"affects_commissions"`
	Notes              string            `json:"notes,omitempty"`
	Metadata           DetectionMetadata `json:"metadata"`
}
