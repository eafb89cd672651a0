// Package service hosts the verification orchestrator and the read-side
// statistics service. The orchestrator is the only writer of commission
// verification state; all transitions go through the state machine and
// are persisted with optimistic concurrency.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/habitaplus/commission-verify-go/internal/classifier"
	"github.com/habitaplus/commission-verify-go/internal/domain"
	"github.com/habitaplus/commission-verify-go/internal/infra/observability"
	"github.com/habitaplus/commission-verify-go/internal/infra/resilience"
	"github.com/habitaplus/commission-verify-go/internal/port"
	"github.com/habitaplus/commission-verify-go/internal/statemachine"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("service/verification")

const statsCacheKey = "verification:stats"

// VerificationService orchestrates commission payment verification:
// the manual path, the automatic batch, reversal and re-detection.
type VerificationService struct {
	commissions   port.CommissionStore
	payments      port.PaymentStore
	verifications port.VerificationStore
	publisher     port.EventPublisher

	classifier *classifier.Classifier
	locks      *resilience.KeyedMutex
	statsCache port.Cache[domain.VerificationStats]

	defaultSlots     int
	batchConcurrency int

	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewVerificationService creates the orchestrator with all dependencies
// injected.
func NewVerificationService(
	commissions port.CommissionStore,
	payments port.PaymentStore,
	verifications port.VerificationStore,
	publisher port.EventPublisher,
	cls *classifier.Classifier,
	statsCache port.Cache[domain.VerificationStats],
	defaultSlots int,
	batchConcurrency int,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *VerificationService {
	if batchConcurrency < 1 {
		batchConcurrency = 1
	}
	return &VerificationService{
		commissions:      commissions,
		payments:         payments,
		verifications:    verifications,
		publisher:        publisher,
		classifier:       cls,
		locks:            resilience.NewKeyedMutex(),
		statsCache:       statsCache,
		defaultSlots:     defaultSlots,
		batchConcurrency: batchConcurrency,
		metrics:          metrics,
		logger:           logger,
	}
}

// VerifyPaymentManually binds a payment to a commission installment slot
// on behalf of an operator. The payment must belong to the commission's
// contract and the slot must be the next legal one. Verifying a slot
// that is already satisfied returns the existing active verification
// instead of failing, so double-submits are harmless.
func (s *VerificationService) VerifyPaymentManually(ctx context.Context, commissionID, paymentID string, slot domain.InstallmentSlot, notes, verifiedBy string) (*domain.VerificationResult, error) {
	ctx, span := tracer.Start(ctx, "Verification.VerifyPaymentManually")
	defer span.End()
	span.SetAttributes(
		attribute.String("commission.id", commissionID),
		attribute.String("payment.id", paymentID),
		attribute.String("slot", string(slot)),
	)

	start := time.Now()
	defer func() {
		s.metrics.RecordRequestDuration("verify_manual", time.Since(start))
	}()

	if commissionID == "" {
		return nil, &domain.ErrValidation{Field: "commission_id", Message: "commission id is required"}
	}
	if paymentID == "" {
		return nil, &domain.ErrValidation{Field: "payment_id", Message: "payment id is required"}
	}
	if !slot.Valid() {
		return nil, &domain.ErrValidation{Field: "slot", Message: "slot must be 'first' or 'second'"}
	}

	if err := s.locks.Lock(ctx, commissionID); err != nil {
		return nil, err
	}
	defer s.locks.Unlock(commissionID)

	commission, err := s.commissions.GetCommission(ctx, commissionID)
	if err != nil {
		return nil, err
	}
	payment, err := s.payments.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.ContractID != commission.ContractID {
		return nil, &domain.ErrInvalidReference{
			Resource: "payment",
			ID:       paymentID,
			Detail: fmt.Sprintf("payment belongs to contract %s, commission is for contract %s",
				payment.ContractID, commission.ContractID),
		}
	}

	machine := statemachine.New(commission.SlotsRequired(s.defaultSlots))

	newStatus, err := machine.Verify(commission.ID, commission.PaymentVerificationStatus, slot)
	if err != nil {
		// If the requested slot already carries an active verification,
		// report it back instead of the transition error: the operator's
		// intent is already satisfied.
		if existing, getErr := s.verifications.GetActiveVerification(ctx, commissionID, slot); getErr == nil {
			s.logger.Info("slot already verified, returning existing record",
				zap.String("commission_id", commissionID),
				zap.String("slot", string(slot)),
				zap.String("verification_id", existing.ID),
			)
			return &domain.VerificationResult{
				Commission:      commission,
				Verification:    existing,
				AlreadyVerified: true,
			}, nil
		}
		return nil, err
	}

	// A payment backs at most one active slot across all commissions.
	bound, err := s.verifications.ListActiveVerificationsByPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if len(bound) > 0 {
		return nil, &domain.ErrInvalidReference{
			Resource: "payment",
			ID:       paymentID,
			Detail: fmt.Sprintf("payment already consumed by commission %s slot '%s'",
				bound[0].CommissionID, bound[0].PaymentInstallment),
		}
	}

	now := time.Now().UTC()
	verification, err := s.verifications.CreateVerification(ctx, &domain.PaymentVerification{
		CommissionID:       commissionID,
		CustomerPaymentID:  paymentID,
		PaymentInstallment: slot,
		VerifiedAt:         now,
		VerifiedBy:         verifiedBy,
		AutoVerified:       false,
		VerificationNotes:  notes,
	})
	if err != nil {
		return nil, err
	}

	updated, err := s.advanceCommission(ctx, commission, newStatus, slot, now)
	if err != nil {
		return nil, err
	}

	s.markPaymentConsumed(ctx, payment, now)
	s.statsCache.Delete(statsCacheKey)
	s.metrics.IncrVerification("verified")

	s.emit(ctx, domain.Event{
		Type:         domain.EventVerificationProcessed,
		CommissionID: commissionID,
		PaymentID:    paymentID,
		NewStatus:    updated.PaymentVerificationStatus,
	})

	s.logger.Info("payment verified manually",
		zap.String("commission_id", commissionID),
		zap.String("payment_id", paymentID),
		zap.String("slot", string(slot)),
		zap.String("new_status", string(updated.PaymentVerificationStatus)),
		zap.String("verified_by", verifiedBy),
	)

	return &domain.VerificationResult{Commission: updated, Verification: verification}, nil
}

// ReverseVerification undoes one verification: the audit row is
// soft-reversed and the commission steps back exactly one slot. The
// reversed slot must be the most recently verified one.
func (s *VerificationService) ReverseVerification(ctx context.Context, verificationID, reason string) (*domain.VerificationResult, error) {
	ctx, span := tracer.Start(ctx, "Verification.ReverseVerification")
	defer span.End()
	span.SetAttributes(attribute.String("verification.id", verificationID))

	start := time.Now()
	defer func() {
		s.metrics.RecordRequestDuration("reverse", time.Since(start))
	}()

	if verificationID == "" {
		return nil, &domain.ErrValidation{Field: "verification_id", Message: "verification id is required"}
	}
	if reason == "" {
		return nil, &domain.ErrValidation{Field: "reason", Message: "a reversal reason is required"}
	}

	verification, err := s.verifications.GetVerification(ctx, verificationID)
	if err != nil {
		return nil, err
	}
	if !verification.Active() {
		return nil, &domain.ErrValidation{Field: "verification_id", Message: "verification is already reversed"}
	}

	commissionID := verification.CommissionID
	if err := s.locks.Lock(ctx, commissionID); err != nil {
		return nil, err
	}
	defer s.locks.Unlock(commissionID)

	commission, err := s.commissions.GetCommission(ctx, commissionID)
	if err != nil {
		return nil, err
	}

	machine := statemachine.New(commission.SlotsRequired(s.defaultSlots))
	newStatus, err := machine.Reverse(commission.ID, commission.PaymentVerificationStatus, verification.PaymentInstallment)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := s.verifications.ReverseVerification(ctx, verificationID, reason, now); err != nil {
		return nil, err
	}

	updated, err := s.retreatCommission(ctx, commission, newStatus, verification.PaymentInstallment)
	if err != nil {
		return nil, err
	}

	s.clearPaymentConsumed(ctx, verification.CustomerPaymentID)
	s.statsCache.Delete(statsCacheKey)
	s.metrics.IncrVerification("reversed")

	s.emit(ctx, domain.Event{
		Type:         domain.EventVerificationReversed,
		CommissionID: commissionID,
		PaymentID:    verification.CustomerPaymentID,
		NewStatus:    updated.PaymentVerificationStatus,
		Reason:       reason,
	})

	s.logger.Info("verification reversed",
		zap.String("verification_id", verificationID),
		zap.String("commission_id", commissionID),
		zap.String("slot", string(verification.PaymentInstallment)),
		zap.String("new_status", string(updated.PaymentVerificationStatus)),
		zap.String("reason", reason),
	)

	reversed := *verification
	reversed.ReversedAt = &now
	reversed.ReversalReason = reason

	return &domain.VerificationResult{Commission: updated, Verification: &reversed}, nil
}

// RedetectInstallmentType re-runs the classifier for one payment against
// its contract's current history and overwrites the derived fields. Raw
// payment attributes are never touched; running it twice with unchanged
// history is a no-op the second time.
func (s *VerificationService) RedetectInstallmentType(ctx context.Context, paymentID string) (*domain.CustomerPayment, error) {
	ctx, span := tracer.Start(ctx, "Verification.RedetectInstallmentType")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", paymentID))

	if paymentID == "" {
		return nil, &domain.ErrValidation{Field: "payment_id", Message: "payment id is required"}
	}

	payment, err := s.payments.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	history, err := s.payments.ListContractPayments(ctx, payment.ContractID)
	if err != nil {
		return nil, err
	}

	result, err := s.classifier.Classify(payment, history)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	payment.InstallmentType = result.InstallmentType
	payment.AffectsCommissions = result.AffectsCommissions
	payment.DetectionNotes = result.Notes
	meta := result.Metadata
	payment.DetectionMetadata = &meta
	payment.LastDetectionRun = &now

	if err := s.payments.UpdatePaymentClassification(ctx, payment); err != nil {
		return nil, err
	}

	s.metrics.IncrClassification(string(result.InstallmentType))
	s.logger.Info("payment re-detected",
		zap.String("payment_id", paymentID),
		zap.String("contract_id", payment.ContractID),
		zap.String("installment_type", string(result.InstallmentType)),
	)

	return payment, nil
}

// advanceCommission persists a forward transition, stamping the slot's
// verified-at timestamp. A concurrency conflict is retried once against
// fresh state; the retry re-validates the transition so a concurrent
// writer that already advanced the slot surfaces as ErrIllegalTransition
// rather than a double write.
func (s *VerificationService) advanceCommission(ctx context.Context, commission *domain.Commission, newStatus domain.VerificationStatus, slot domain.InstallmentSlot, at time.Time) (*domain.Commission, error) {
	next := *commission
	next.PaymentVerificationStatus = newStatus
	stampSlot(&next, slot, at)

	updated, err := s.commissions.UpdateCommissionVerification(ctx, &next, commission.UpdatedAt)
	if err == nil {
		return updated, nil
	}

	var conflict *domain.ErrConcurrencyConflict
	if !errors.As(err, &conflict) {
		return nil, err
	}

	s.logger.Warn("commission write conflicted, retrying with fresh state",
		zap.String("commission_id", commission.ID),
	)

	fresh, err := s.commissions.GetCommission(ctx, commission.ID)
	if err != nil {
		return nil, err
	}
	machine := statemachine.New(fresh.SlotsRequired(s.defaultSlots))
	revalidated, err := machine.Verify(fresh.ID, fresh.PaymentVerificationStatus, slot)
	if err != nil {
		return nil, err
	}

	retry := *fresh
	retry.PaymentVerificationStatus = revalidated
	stampSlot(&retry, slot, at)
	return s.commissions.UpdateCommissionVerification(ctx, &retry, fresh.UpdatedAt)
}

// retreatCommission persists a reversal, clearing the slot's verified-at
// timestamp. No retry: the caller holds the commission lock, so a
// conflict means an out-of-band writer and the reversal must be re-read.
func (s *VerificationService) retreatCommission(ctx context.Context, commission *domain.Commission, newStatus domain.VerificationStatus, slot domain.InstallmentSlot) (*domain.Commission, error) {
	next := *commission
	next.PaymentVerificationStatus = newStatus
	switch slot {
	case domain.SlotFirst:
		next.FirstPaymentVerifiedAt = nil
	case domain.SlotSecond:
		next.SecondPaymentVerifiedAt = nil
	}
	return s.commissions.UpdateCommissionVerification(ctx, &next, commission.UpdatedAt)
}

// markPaymentConsumed stamps commission_processed_at on the payment.
// Best effort: the verification row is the source of truth for
// consumption, so a failure here is logged and not propagated.
func (s *VerificationService) markPaymentConsumed(ctx context.Context, payment *domain.CustomerPayment, at time.Time) {
	payment.CommissionProcessedAt = &at
	if err := s.payments.UpdatePaymentClassification(ctx, payment); err != nil {
		s.logger.Warn("failed to stamp commission_processed_at",
			zap.String("payment_id", payment.ID),
			zap.Error(err),
		)
	}
}

// clearPaymentConsumed releases a reversed payment so it can back a slot
// again. Best effort, like markPaymentConsumed.
func (s *VerificationService) clearPaymentConsumed(ctx context.Context, paymentID string) {
	payment, err := s.payments.GetPayment(ctx, paymentID)
	if err != nil {
		s.logger.Warn("failed to load payment for consumption release",
			zap.String("payment_id", paymentID),
			zap.Error(err),
		)
		return
	}
	payment.CommissionProcessedAt = nil
	if err := s.payments.UpdatePaymentClassification(ctx, payment); err != nil {
		s.logger.Warn("failed to clear commission_processed_at",
			zap.String("payment_id", paymentID),
			zap.Error(err),
		)
	}
}

// emit publishes one event. The causing state write is already
// committed, so a delivery failure is logged and swallowed.
func (s *VerificationService) emit(ctx context.Context, event domain.Event) {
	event.ID = uuid.NewString()
	event.OccurredAt = time.Now().UTC()

	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("event delivery failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
	}
}

func stampSlot(c *domain.Commission, slot domain.InstallmentSlot, at time.Time) {
	switch slot {
	case domain.SlotFirst:
		c.FirstPaymentVerifiedAt = &at
	case domain.SlotSecond:
		c.SecondPaymentVerifiedAt = &at
	}
}
