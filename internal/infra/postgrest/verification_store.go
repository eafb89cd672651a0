package postgrest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/habitaplus/commission-verify-go/internal/domain"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// ============================================================
// VerificationStore implementation (port.VerificationStore)
// ============================================================

// verificationRow maps the commission_payment_verifications table.
type verificationRow struct {
	ID                 string `json:"id"`
	CommissionID       string `json:"commission_id"`
	CustomerPaymentID  string `json:"customer_payment_id"`
	PaymentInstallment string `json:"payment_installment"`

	VerifiedAt        string `json:"verified_at"`
	VerifiedBy        string `json:"verified_by"`
	AutoVerified      bool   `json:"auto_verified"`
	VerificationNotes string `json:"verification_notes"`

	ReversedAt     *string `json:"reversed_at"`
	ReversalReason string  `json:"reversal_reason"`
}

func (r verificationRow) toDomain() domain.PaymentVerification {
	return domain.PaymentVerification{
		ID:                 r.ID,
		CommissionID:       r.CommissionID,
		CustomerPaymentID:  r.CustomerPaymentID,
		PaymentInstallment: domain.InstallmentSlot(r.PaymentInstallment),
		VerifiedAt:         parseTimestamp(r.VerifiedAt),
		VerifiedBy:         r.VerifiedBy,
		AutoVerified:       r.AutoVerified,
		VerificationNotes:  r.VerificationNotes,
		ReversedAt:         parseTimestampPtr(r.ReversedAt),
		ReversalReason:     r.ReversalReason,
	}
}

// CreateVerification inserts a verification row. The id is generated
// here when the caller did not set one.
func (c *Client) CreateVerification(ctx context.Context, v *domain.PaymentVerification) (*domain.PaymentVerification, error) {
	ctx, span := tracer.Start(ctx, "PostgREST.CreateVerification")
	defer span.End()
	span.SetAttributes(
		attribute.String("commission.id", v.CommissionID),
		attribute.String("verification.slot", string(v.PaymentInstallment)),
	)

	id := v.ID
	if id == "" {
		id = uuid.NewString()
	}

	row := map[string]any{
		"id":                  id,
		"commission_id":       v.CommissionID,
		"customer_payment_id": v.CustomerPaymentID,
		"payment_installment": string(v.PaymentInstallment),
		"verified_at":         v.VerifiedAt.UTC().Format(time.RFC3339Nano),
		"verified_by":         v.VerifiedBy,
		"auto_verified":       v.AutoVerified,
		"verification_notes":  v.VerificationNotes,
	}

	body, err := c.doPost(ctx, "commission_payment_verifications", row)
	if err != nil {
		return nil, wrapStoreError("commission_payment_verifications", err)
	}

	var rows []verificationRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode created verification: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("postgrest returned no representation for verification insert")
	}

	created := rows[0].toDomain()
	return &created, nil
}

// GetVerification fetches a verification row by id, reversed or not.
func (c *Client) GetVerification(ctx context.Context, verificationID string) (*domain.PaymentVerification, error) {
	ctx, span := tracer.Start(ctx, "PostgREST.GetVerification")
	defer span.End()
	span.SetAttributes(attribute.String("verification.id", verificationID))

	path := fmt.Sprintf("commission_payment_verifications?id=eq.%s&limit=1", url.QueryEscape(verificationID))
	rows, err := c.listVerifications(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &domain.ErrNotFound{Resource: "verification", ID: verificationID}
	}
	return &rows[0], nil
}

// GetActiveVerification returns the non-reversed row for the
// (commission, slot) pair, or ErrNotFound when the slot is open.
func (c *Client) GetActiveVerification(ctx context.Context, commissionID string, slot domain.InstallmentSlot) (*domain.PaymentVerification, error) {
	ctx, span := tracer.Start(ctx, "PostgREST.GetActiveVerification")
	defer span.End()
	span.SetAttributes(
		attribute.String("commission.id", commissionID),
		attribute.String("verification.slot", string(slot)),
	)

	path := fmt.Sprintf("commission_payment_verifications?commission_id=eq.%s&payment_installment=eq.%s&reversed_at=is.null&limit=1",
		url.QueryEscape(commissionID), slot)
	rows, err := c.listVerifications(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &domain.ErrNotFound{Resource: "verification", ID: commissionID + "/" + string(slot)}
	}
	return &rows[0], nil
}

// ListVerifications returns all rows for a commission, reversed ones
// included, newest first.
func (c *Client) ListVerifications(ctx context.Context, commissionID string) ([]domain.PaymentVerification, error) {
	ctx, span := tracer.Start(ctx, "PostgREST.ListVerifications")
	defer span.End()
	span.SetAttributes(attribute.String("commission.id", commissionID))

	path := fmt.Sprintf("commission_payment_verifications?commission_id=eq.%s&order=verified_at.desc,id.desc",
		url.QueryEscape(commissionID))
	return c.listVerifications(ctx, path)
}

// ListActiveVerificationsByPayment reports which slots a payment is
// currently bound to, across all commissions.
func (c *Client) ListActiveVerificationsByPayment(ctx context.Context, paymentID string) ([]domain.PaymentVerification, error) {
	ctx, span := tracer.Start(ctx, "PostgREST.ListActiveVerificationsByPayment")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", paymentID))

	path := fmt.Sprintf("commission_payment_verifications?customer_payment_id=eq.%s&reversed_at=is.null",
		url.QueryEscape(paymentID))
	return c.listVerifications(ctx, path)
}

// ReverseVerification soft-deletes a verification row. The reversed_at
// filter in the path makes the call a no-op on already-reversed rows,
// so a double reverse surfaces as not-found instead of overwriting the
// original reversal.
func (c *Client) ReverseVerification(ctx context.Context, verificationID, reason string, reversedAt time.Time) error {
	ctx, span := tracer.Start(ctx, "PostgREST.ReverseVerification")
	defer span.End()
	span.SetAttributes(attribute.String("verification.id", verificationID))

	patch := map[string]any{
		"reversed_at":     reversedAt.UTC().Format(time.RFC3339Nano),
		"reversal_reason": reason,
	}

	path := fmt.Sprintf("commission_payment_verifications?id=eq.%s&reversed_at=is.null",
		url.QueryEscape(verificationID))
	body, err := c.doPatch(ctx, path, patch)
	if err != nil {
		return wrapStoreError("commission_payment_verifications", err)
	}

	var rows []verificationRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return fmt.Errorf("decode reversed verification: %w", err)
	}
	if len(rows) == 0 {
		return &domain.ErrNotFound{Resource: "verification", ID: verificationID}
	}
	return nil
}

func (c *Client) listVerifications(ctx context.Context, path string) ([]domain.PaymentVerification, error) {
	var verifications []domain.PaymentVerification

	err := c.withResilience(ctx, func() error {
		body, _, err := c.doGet(ctx, path, false)
		if err != nil {
			return err
		}

		var rows []verificationRow
		if err := json.Unmarshal(body, &rows); err != nil {
			return fmt.Errorf("decode verifications: %w", err)
		}

		verifications = make([]domain.PaymentVerification, 0, len(rows))
		for _, r := range rows {
			verifications = append(verifications, r.toDomain())
		}
		return nil
	})
	if err != nil {
		return nil, wrapStoreError("commission_payment_verifications", err)
	}
	return verifications, nil
}
