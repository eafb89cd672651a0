package postgrest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/habitaplus/commission-verify-go/internal/domain"

	"go.opentelemetry.io/otel/attribute"
)

// ============================================================
// CommissionStore implementation (port.CommissionStore)
// ============================================================

// commissionRow maps the commissions table columns.
type commissionRow struct {
	ID                        string  `json:"id"`
	EmployeeID                string  `json:"employee_id"`
	EmployeeName              string  `json:"employee_name"`
	ContractID                string  `json:"contract_id"`
	ClientName                string  `json:"client_name"`
	CommissionAmount          float64 `json:"commission_amount"`
	RequiredSlots             int     `json:"required_slots"`
	PaymentVerificationStatus string  `json:"payment_verification_status"`
	FirstPaymentVerifiedAt    *string `json:"first_payment_verified_at"`
	SecondPaymentVerifiedAt   *string `json:"second_payment_verified_at"`
	CreatedAt                 string  `json:"created_at"`
	UpdatedAt                 string  `json:"updated_at"`
}

func (r commissionRow) toDomain() domain.Commission {
	return domain.Commission{
		ID:                        r.ID,
		EmployeeID:                r.EmployeeID,
		EmployeeName:              r.EmployeeName,
		ContractID:                r.ContractID,
		ClientName:                r.ClientName,
		CommissionAmount:          r.CommissionAmount,
		RequiredSlots:             r.RequiredSlots,
		PaymentVerificationStatus: domain.VerificationStatus(r.PaymentVerificationStatus),
		FirstPaymentVerifiedAt:    parseTimestampPtr(r.FirstPaymentVerifiedAt),
		SecondPaymentVerifiedAt:   parseTimestampPtr(r.SecondPaymentVerifiedAt),
		CreatedAt:                 parseTimestamp(r.CreatedAt),
		UpdatedAt:                 parseTimestamp(r.UpdatedAt),
	}
}

// GetCommission fetches a single commission by id.
func (c *Client) GetCommission(ctx context.Context, commissionID string) (*domain.Commission, error) {
	ctx, span := tracer.Start(ctx, "PostgREST.GetCommission")
	defer span.End()
	span.SetAttributes(attribute.String("commission.id", commissionID))

	var commission *domain.Commission

	err := c.withResilience(ctx, func() error {
		path := fmt.Sprintf("commissions?id=eq.%s&limit=1", url.QueryEscape(commissionID))
		body, _, err := c.doGet(ctx, path, false)
		if err != nil {
			return err
		}

		var rows []commissionRow
		if err := json.Unmarshal(body, &rows); err != nil {
			return fmt.Errorf("decode commission: %w", err)
		}
		if len(rows) == 0 {
			return &domain.ErrNotFound{Resource: "commission", ID: commissionID}
		}

		cm := rows[0].toDomain()
		commission = &cm
		return nil
	})
	if err != nil {
		return nil, wrapStoreError("commissions", err)
	}
	return commission, nil
}

// ListCommissions answers filtered, offset-paginated queries ordered by
// created_at desc, id desc, with the exact total for the filter.
func (c *Client) ListCommissions(ctx context.Context, filters domain.CommissionFilters, page, pageSize int) ([]domain.Commission, int, error) {
	ctx, span := tracer.Start(ctx, "PostgREST.ListCommissions")
	defer span.End()

	offset := (page - 1) * pageSize
	path := fmt.Sprintf("commissions?%s&order=created_at.desc,id.desc&offset=%d&limit=%d",
		commissionFilterQuery(filters), offset, pageSize)

	var (
		commissions []domain.Commission
		total       int
	)

	err := c.withResilience(ctx, func() error {
		body, count, err := c.doGet(ctx, path, true)
		if err != nil {
			return err
		}

		var rows []commissionRow
		if err := json.Unmarshal(body, &rows); err != nil {
			return fmt.Errorf("decode commissions: %w", err)
		}

		commissions = make([]domain.Commission, 0, len(rows))
		for _, r := range rows {
			commissions = append(commissions, r.toDomain())
		}
		total = count
		if total < 0 {
			total = len(commissions)
		}
		return nil
	})
	if err != nil {
		return nil, 0, wrapStoreError("commissions", err)
	}
	return commissions, total, nil
}

// ListEligibleCommissions returns every non-terminal commission in
// created_at order for the automatic batch.
func (c *Client) ListEligibleCommissions(ctx context.Context) ([]domain.Commission, error) {
	ctx, span := tracer.Start(ctx, "PostgREST.ListEligibleCommissions")
	defer span.End()

	path := fmt.Sprintf("commissions?payment_verification_status=not.in.(%s,%s)&order=created_at.asc,id.asc",
		domain.StatusFullyVerified, domain.StatusVerificationFailed)

	return c.listCommissions(ctx, path)
}

// ListAllCommissions returns every commission row for aggregation.
func (c *Client) ListAllCommissions(ctx context.Context) ([]domain.Commission, error) {
	ctx, span := tracer.Start(ctx, "PostgREST.ListAllCommissions")
	defer span.End()

	return c.listCommissions(ctx, "commissions?order=created_at.asc,id.asc")
}

func (c *Client) listCommissions(ctx context.Context, path string) ([]domain.Commission, error) {
	var commissions []domain.Commission

	err := c.withResilience(ctx, func() error {
		body, _, err := c.doGet(ctx, path, false)
		if err != nil {
			return err
		}

		var rows []commissionRow
		if err := json.Unmarshal(body, &rows); err != nil {
			return fmt.Errorf("decode commissions: %w", err)
		}

		commissions = make([]domain.Commission, 0, len(rows))
		for _, r := range rows {
			commissions = append(commissions, r.toDomain())
		}
		return nil
	})
	if err != nil {
		return nil, wrapStoreError("commissions", err)
	}
	return commissions, nil
}

// UpdateCommissionVerification persists the verification status and
// timestamps behind an optimistic-concurrency check: the PATCH filter
// includes the updated_at value read earlier, so a concurrent writer
// makes the filter match zero rows and the write is rejected instead of
// clobbering.
func (c *Client) UpdateCommissionVerification(ctx context.Context, cm *domain.Commission, expectedUpdatedAt time.Time) (*domain.Commission, error) {
	ctx, span := tracer.Start(ctx, "PostgREST.UpdateCommissionVerification")
	defer span.End()
	span.SetAttributes(
		attribute.String("commission.id", cm.ID),
		attribute.String("commission.status", string(cm.PaymentVerificationStatus)),
	)

	now := time.Now().UTC()
	patch := map[string]any{
		"payment_verification_status": string(cm.PaymentVerificationStatus),
		"first_payment_verified_at":   timestampPtrString(cm.FirstPaymentVerifiedAt),
		"second_payment_verified_at":  timestampPtrString(cm.SecondPaymentVerifiedAt),
		"updated_at":                  now.Format(time.RFC3339Nano),
	}

	path := fmt.Sprintf("commissions?id=eq.%s&updated_at=eq.%s",
		url.QueryEscape(cm.ID),
		url.QueryEscape(expectedUpdatedAt.UTC().Format(time.RFC3339Nano)),
	)

	body, err := c.doPatch(ctx, path, patch)
	if err != nil {
		return nil, wrapStoreError("commissions", err)
	}

	var rows []commissionRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode updated commission: %w", err)
	}
	if len(rows) == 0 {
		// The id+token filter matched nothing. Distinguish a stale token
		// from a missing row so callers can retry the former.
		if _, getErr := c.GetCommission(ctx, cm.ID); getErr != nil {
			return nil, getErr
		}
		return nil, &domain.ErrConcurrencyConflict{Resource: "commission", ID: cm.ID}
	}

	updated := rows[0].toDomain()
	return &updated, nil
}

// commissionFilterQuery translates domain filters to PostgREST query
// operators.
func commissionFilterQuery(f domain.CommissionFilters) string {
	q := url.Values{}
	if f.Status != "" {
		q.Set("payment_verification_status", "eq."+string(f.Status))
	} else {
		q.Set("payment_verification_status", fmt.Sprintf("not.in.(%s,%s)",
			domain.StatusFullyVerified, domain.StatusVerificationFailed))
	}
	if f.EmployeeID != "" {
		q.Set("employee_id", "eq."+f.EmployeeID)
	}
	if f.Client != "" {
		q.Set("client_name", "ilike.*"+f.Client+"*")
	}
	if f.From != nil {
		q.Set("created_at", "gte."+f.From.UTC().Format(time.RFC3339))
	}
	if f.To != nil {
		q.Add("created_at", "lte."+f.To.UTC().Format(time.RFC3339))
	}
	return q.Encode()
}

// wrapStoreError hides transport noise behind ErrExternalService while
// letting domain errors pass through untouched.
func wrapStoreError(table string, err error) error {
	var notFound *domain.ErrNotFound
	var conflict *domain.ErrConcurrencyConflict
	var open *domain.ErrCircuitOpen
	if errors.As(err, &notFound) || errors.As(err, &conflict) || errors.As(err, &open) {
		return err
	}
	return &domain.ErrExternalService{Service: "postgrest/" + table, Err: err}
}
