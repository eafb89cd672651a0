package service

import (
	"context"
	"time"

	"github.com/habitaplus/commission-verify-go/internal/domain"
	"github.com/habitaplus/commission-verify-go/internal/infra/observability"
	"github.com/habitaplus/commission-verify-go/internal/port"

	"go.uber.org/zap"
)

// StatsService serves the read side: dashboard statistics and the
// commission/verification/payment listings. It never writes.
type StatsService struct {
	commissions   port.CommissionStore
	payments      port.PaymentStore
	verifications port.VerificationStore
	cache         port.Cache[domain.VerificationStats]
	metrics       *observability.Metrics
	logger        *zap.Logger
}

// NewStatsService creates the read-side service.
func NewStatsService(
	commissions port.CommissionStore,
	payments port.PaymentStore,
	verifications port.VerificationStore,
	cache port.Cache[domain.VerificationStats],
	metrics *observability.Metrics,
	logger *zap.Logger,
) *StatsService {
	return &StatsService{
		commissions:   commissions,
		payments:      payments,
		verifications: verifications,
		cache:         cache,
		metrics:       metrics,
		logger:        logger,
	}
}

// GetVerificationStats aggregates commissions into pending / verified /
// failed buckets with summed amounts. Computed on read and cached
// briefly; writes invalidate the cache so the dashboard never lags a
// full TTL behind a verification.
func (s *StatsService) GetVerificationStats(ctx context.Context) (*domain.VerificationStats, error) {
	ctx, span := tracer.Start(ctx, "Stats.GetVerificationStats")
	defer span.End()

	if cached, ok := s.cache.Get(statsCacheKey); ok {
		return &cached, nil
	}

	start := time.Now()
	defer func() {
		s.metrics.RecordRequestDuration("stats", time.Since(start))
	}()

	commissions, err := s.commissions.ListAllCommissions(ctx)
	if err != nil {
		return nil, err
	}

	var stats domain.VerificationStats
	for _, c := range commissions {
		stats.TotalCount++
		switch c.PaymentVerificationStatus {
		case domain.StatusPendingVerification:
			stats.PendingCount++
			stats.PendingAmount += c.CommissionAmount
		case domain.StatusFirstPaymentVerified, domain.StatusSecondPaymentVerified, domain.StatusFullyVerified:
			stats.VerifiedCount++
			stats.VerifiedAmount += c.CommissionAmount
		case domain.StatusVerificationFailed:
			stats.FailedCount++
			stats.FailedAmount += c.CommissionAmount
		}
	}

	s.cache.Set(statsCacheKey, stats)
	return &stats, nil
}

// ListCommissionsRequiringVerification answers the work-queue listing:
// filtered, offset-paginated, created_at desc. An empty status filter
// means every non-terminal commission.
func (s *StatsService) ListCommissionsRequiringVerification(ctx context.Context, filters domain.CommissionFilters, page, pageSize int) (*domain.Page[domain.Commission], error) {
	ctx, span := tracer.Start(ctx, "Stats.ListCommissionsRequiringVerification")
	defer span.End()

	if filters.Status != "" && !filters.Status.Valid() {
		return nil, &domain.ErrValidation{Field: "status", Message: "unknown verification status"}
	}

	commissions, total, err := s.commissions.ListCommissions(ctx, filters, page, pageSize)
	if err != nil {
		return nil, err
	}

	return &domain.Page[domain.Commission]{
		Data:     commissions,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		HasMore:  page*pageSize < total,
	}, nil
}

// ListCommissionVerifications returns the full audit trail for one
// commission, reversed rows included, newest first.
func (s *StatsService) ListCommissionVerifications(ctx context.Context, commissionID string) ([]domain.PaymentVerification, error) {
	ctx, span := tracer.Start(ctx, "Stats.ListCommissionVerifications")
	defer span.End()

	if commissionID == "" {
		return nil, &domain.ErrValidation{Field: "commission_id", Message: "commission id is required"}
	}

	// Surface a 404 for unknown commissions instead of an empty list.
	if _, err := s.commissions.GetCommission(ctx, commissionID); err != nil {
		return nil, err
	}
	return s.verifications.ListVerifications(ctx, commissionID)
}

// ListContractPayments returns a contract's classified payment history
// in chronological order.
func (s *StatsService) ListContractPayments(ctx context.Context, contractID string) ([]domain.CustomerPayment, error) {
	ctx, span := tracer.Start(ctx, "Stats.ListContractPayments")
	defer span.End()

	if contractID == "" {
		return nil, &domain.ErrValidation{Field: "contract_id", Message: "contract id is required"}
	}
	return s.payments.ListContractPayments(ctx, contractID)
}
