package domain

import "time"

// ============================================================
// Events emitted by the engine
// ============================================================

// EventType names the engine's outbound events.
type EventType string

const (
	EventVerificationProcessed EventType = "verification.processed"
	EventVerificationFailed    EventType = "verification.failed"
	EventBatchCompleted        EventType = "verification.batch.completed"

	// EventVerificationReversed is informational, for the audit trail;
	// it is never a forward verification.
	EventVerificationReversed EventType = "verification.reversed"
)

// Event is published synchronously after each successful orchestrator
// operation, exactly once per causing operation. The state transition is
// authoritative; delivery failures are logged but never roll it back.
// Fields not relevant to a given type stay empty.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`

	// verification.processed / verification.reversed
	CommissionID string             `json:"commission_id,omitempty"`
	PaymentID    string             `json:"payment_id,omitempty"`
	NewStatus    VerificationStatus `json:"new_status,omitempty"`

	// verification.failed; also the operator's reason on a reversal
	Reason string `json:"reason,omitempty"`

	// verification.batch.completed
	ProcessedCount int `json:"processed_count,omitempty"`
}
