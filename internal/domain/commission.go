// Package domain defines the core business entities for the commission
// verification engine. These models are independent of storage and
// transport and represent the canonical data structures used throughout
// the engine.
package domain

import "time"

// ============================================================
// Commission
// ============================================================

// VerificationStatus is the lifecycle state of a commission's payment
// verification.
type VerificationStatus string

const (
	StatusPendingVerification   VerificationStatus = "pending_verification"
	StatusFirstPaymentVerified  VerificationStatus = "first_payment_verified"
	StatusSecondPaymentVerified VerificationStatus = "second_payment_verified"
	StatusFullyVerified         VerificationStatus = "fully_verified"
	StatusVerificationFailed    VerificationStatus = "verification_failed"
)

// Terminal reports whether the status accepts no further verifications.
func (s VerificationStatus) Terminal() bool {
	return s == StatusFullyVerified || s == StatusVerificationFailed
}

// Valid reports whether s is one of the known statuses.
func (s VerificationStatus) Valid() bool {
	switch s {
	case StatusPendingVerification, StatusFirstPaymentVerified,
		StatusSecondPaymentVerified, StatusFullyVerified, StatusVerificationFailed:
		return true
	}
	return false
}

// Commission is the amount owed to a salesperson for a contract,
// conditioned on verified customer payments. Rows are created by the
// sales back office when a contract's commission is generated; this
// engine only ever mutates PaymentVerificationStatus and the verified-at
// timestamps, and never deletes them (terminal states are kept for audit).
type Commission struct {
	ID               string  `json:"id"`
	EmployeeID       string  `json:"employee_id"`
	EmployeeName     string  `json:"employee_name"`
	ContractID       string  `json:"contract_id"`
	ClientName       string  `json:"client_name"`
	CommissionAmount float64 `json:"commission_amount"`

	// RequiredSlots is how many qualifying installments this commission
	// depends on (1 or 2). Zero means "use the configured default" —
	// the policy varies per contract terms, so it is data, not a constant.
	RequiredSlots int `json:"required_slots,omitempty"`

	PaymentVerificationStatus VerificationStatus `json:"payment_verification_status"`
	FirstPaymentVerifiedAt    *time.Time         `json:"first_payment_verified_at,omitempty"`
	SecondPaymentVerifiedAt   *time.Time         `json:"second_payment_verified_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt doubles as the optimistic-concurrency token: writes carry
	// the value they read, and a stale write matches zero rows.
	UpdatedAt time.Time `json:"updated_at"`
}

// SlotsRequired resolves RequiredSlots against the configured default.
func (c *Commission) SlotsRequired(defaultSlots int) int {
	if c.RequiredSlots == 1 || c.RequiredSlots == 2 {
		return c.RequiredSlots
	}
	if defaultSlots == 1 {
		return 1
	}
	return 2
}

// CommissionFilters narrows ListRequiringVerification queries.
type CommissionFilters struct {
	Status     VerificationStatus
	EmployeeID string
	Client     string
	From       *time.Time
	To         *time.Time
}

// Page wraps offset-paginated list results.
type Page[T any] struct {
	Data     []T  `json:"data"`
	Total    int  `json:"total"`
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasMore  bool `json:"has_more"`
}
