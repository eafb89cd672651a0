// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the domain and
// service layers from concrete implementations.
package port

import (
	"context"
	"time"

	"github.com/habitaplus/commission-verify-go/internal/domain"
)

// CommissionStore reads and writes commission rows. Implemented by the
// PostgREST adapter (or any other persistence layer).
type CommissionStore interface {
	GetCommission(ctx context.Context, commissionID string) (*domain.Commission, error)

	// ListCommissions answers filtered, offset-paginated queries ordered
	// by created_at desc, id desc. Returns the page and the total count
	// matching the filters.
	ListCommissions(ctx context.Context, filters domain.CommissionFilters, page, pageSize int) ([]domain.Commission, int, error)

	// ListEligibleCommissions returns every commission whose status is
	// not terminal, in created_at order, for the automatic batch.
	ListEligibleCommissions(ctx context.Context) ([]domain.Commission, error)

	// ListAllCommissions returns every commission row; the stats view
	// aggregates over it.
	ListAllCommissions(ctx context.Context) ([]domain.Commission, error)

	// UpdateCommissionVerification persists the commission's verification
	// status and timestamps. expectedUpdatedAt is the optimistic
	// concurrency token read earlier; a stale token matches no rows and
	// yields ErrConcurrencyConflict, leaving the row untouched.
	UpdateCommissionVerification(ctx context.Context, c *domain.Commission, expectedUpdatedAt time.Time) (*domain.Commission, error)
}

// PaymentStore reads contract payment history and writes the derived
// classification fields on payments.
type PaymentStore interface {
	GetPayment(ctx context.Context, paymentID string) (*domain.CustomerPayment, error)

	// ListContractPayments returns all payments for a contract ordered by
	// payment_date asc, id asc (the classifier's deterministic order).
	ListContractPayments(ctx context.Context, contractID string) ([]domain.CustomerPayment, error)

	// UpdatePaymentClassification overwrites the derived classification
	// fields; raw payment attributes are never touched.
	UpdatePaymentClassification(ctx context.Context, p *domain.CustomerPayment) error
}

// VerificationStore owns the commission-payment verification audit rows.
type VerificationStore interface {
	CreateVerification(ctx context.Context, v *domain.PaymentVerification) (*domain.PaymentVerification, error)
	GetVerification(ctx context.Context, verificationID string) (*domain.PaymentVerification, error)

	// GetActiveVerification returns the non-reversed verification for the
	// (commission, slot) pair, or ErrNotFound when the slot is open.
	GetActiveVerification(ctx context.Context, commissionID string, slot domain.InstallmentSlot) (*domain.PaymentVerification, error)

	// ListVerifications returns all rows for a commission, reversed ones
	// included, newest first.
	ListVerifications(ctx context.Context, commissionID string) ([]domain.PaymentVerification, error)

	// ListActiveVerificationsByPayment reports which slots a payment is
	// currently bound to, across all commissions.
	ListActiveVerificationsByPayment(ctx context.Context, paymentID string) ([]domain.PaymentVerification, error)

	// ReverseVerification soft-deletes a verification row. Rows are never
	// hard-deleted.
	ReverseVerification(ctx context.Context, verificationID, reason string, reversedAt time.Time) error
}

// EventPublisher delivers engine events to the outside world. The engine
// publishes each event exactly once, synchronously after the causing
// state write; delivery guarantees beyond that are the transport's
// problem.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
}
