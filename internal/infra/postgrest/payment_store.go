package postgrest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/habitaplus/commission-verify-go/internal/domain"

	"go.opentelemetry.io/otel/attribute"
)

// ============================================================
// PaymentStore implementation (port.PaymentStore)
// ============================================================

// paymentRow maps the customer_payments table columns. Classification
// metadata is stored as a jsonb column.
type paymentRow struct {
	ID            string  `json:"id"`
	ContractID    string  `json:"contract_id"`
	ClientID      string  `json:"client_id"`
	Amount        float64 `json:"amount"`
	PaymentDate   string  `json:"payment_date"`
	PaymentMethod string  `json:"payment_method"`
	Reference     string  `json:"reference"`
	Notes         string  `json:"notes"`

	InstallmentType       string                    `json:"installment_type"`
	AffectsCommissions    bool                      `json:"affects_commissions"`
	DetectionNotes        string                    `json:"detection_notes"`
	DetectionMetadata     *domain.DetectionMetadata `json:"detection_metadata"`
	CommissionProcessedAt *string                   `json:"commission_processed_at"`
	LastDetectionRun      *string                   `json:"last_detection_run"`
}

func (r paymentRow) toDomain() domain.CustomerPayment {
	return domain.CustomerPayment{
		ID:            r.ID,
		ContractID:    r.ContractID,
		ClientID:      r.ClientID,
		Amount:        r.Amount,
		PaymentDate:   parseTimestamp(r.PaymentDate),
		PaymentMethod: r.PaymentMethod,
		Reference:     r.Reference,
		Notes:         r.Notes,

		InstallmentType:       domain.InstallmentType(r.InstallmentType),
		AffectsCommissions:    r.AffectsCommissions,
		DetectionNotes:        r.DetectionNotes,
		DetectionMetadata:     r.DetectionMetadata,
		CommissionProcessedAt: parseTimestampPtr(r.CommissionProcessedAt),
		LastDetectionRun:      parseTimestampPtr(r.LastDetectionRun),
	}
}

// GetPayment fetches a single customer payment by id.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*domain.CustomerPayment, error) {
	ctx, span := tracer.Start(ctx, "PostgREST.GetPayment")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", paymentID))

	var payment *domain.CustomerPayment

	err := c.withResilience(ctx, func() error {
		path := fmt.Sprintf("customer_payments?id=eq.%s&limit=1", url.QueryEscape(paymentID))
		body, _, err := c.doGet(ctx, path, false)
		if err != nil {
			return err
		}

		var rows []paymentRow
		if err := json.Unmarshal(body, &rows); err != nil {
			return fmt.Errorf("decode payment: %w", err)
		}
		if len(rows) == 0 {
			return &domain.ErrNotFound{Resource: "payment", ID: paymentID}
		}

		p := rows[0].toDomain()
		payment = &p
		return nil
	})
	if err != nil {
		return nil, wrapStoreError("customer_payments", err)
	}
	return payment, nil
}

// ListContractPayments returns all payments for a contract ordered by
// payment_date asc, id asc. The secondary id sort keeps same-day
// payments in a deterministic order for the classifier.
func (c *Client) ListContractPayments(ctx context.Context, contractID string) ([]domain.CustomerPayment, error) {
	ctx, span := tracer.Start(ctx, "PostgREST.ListContractPayments")
	defer span.End()
	span.SetAttributes(attribute.String("contract.id", contractID))

	var payments []domain.CustomerPayment

	err := c.withResilience(ctx, func() error {
		path := fmt.Sprintf("customer_payments?contract_id=eq.%s&order=payment_date.asc,id.asc",
			url.QueryEscape(contractID))
		body, _, err := c.doGet(ctx, path, false)
		if err != nil {
			return err
		}

		var rows []paymentRow
		if err := json.Unmarshal(body, &rows); err != nil {
			return fmt.Errorf("decode payments: %w", err)
		}

		payments = make([]domain.CustomerPayment, 0, len(rows))
		for _, r := range rows {
			payments = append(payments, r.toDomain())
		}
		return nil
	})
	if err != nil {
		return nil, wrapStoreError("customer_payments", err)
	}
	return payments, nil
}

// UpdatePaymentClassification overwrites the derived classification
// columns. The raw payment attributes never appear in the patch.
func (c *Client) UpdatePaymentClassification(ctx context.Context, p *domain.CustomerPayment) error {
	ctx, span := tracer.Start(ctx, "PostgREST.UpdatePaymentClassification")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.id", p.ID),
		attribute.String("payment.installment_type", string(p.InstallmentType)),
	)

	patch := map[string]any{
		"installment_type":        string(p.InstallmentType),
		"affects_commissions":     p.AffectsCommissions,
		"detection_notes":         p.DetectionNotes,
		"detection_metadata":      p.DetectionMetadata,
		"commission_processed_at": timestampPtrString(p.CommissionProcessedAt),
		"last_detection_run":      timestampPtrString(p.LastDetectionRun),
	}

	path := fmt.Sprintf("customer_payments?id=eq.%s", url.QueryEscape(p.ID))
	body, err := c.doPatch(ctx, path, patch)
	if err != nil {
		return wrapStoreError("customer_payments", err)
	}

	var rows []paymentRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return fmt.Errorf("decode updated payment: %w", err)
	}
	if len(rows) == 0 {
		return &domain.ErrNotFound{Resource: "payment", ID: p.ID}
	}
	return nil
}
