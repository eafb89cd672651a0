package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/habitaplus/commission-verify-go/internal/domain"
	"github.com/habitaplus/commission-verify-go/internal/statemachine"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ProcessAutomaticVerifications runs the batch pass: every eligible
// (non-terminal) commission gets its contract's payment history
// classified in chronological order, and each payment that classifies as
// the next required installment is verified, stopping at the first
// payment that does not match. When commissionIDs is non-empty the scan
// is restricted to those commissions.
//
// One commission failing never aborts the batch; its error is reported
// in its result entry. Cancellation is honored between commissions, so
// a verify step that has started always completes atomically.
func (s *VerificationService) ProcessAutomaticVerifications(ctx context.Context, commissionIDs []string) (*domain.BatchResult, error) {
	ctx, span := tracer.Start(ctx, "Verification.ProcessAutomaticVerifications")
	defer span.End()

	start := time.Now()
	defer func() {
		s.metrics.RecordRequestDuration("batch", time.Since(start))
	}()

	commissions, err := s.eligibleCommissions(ctx, commissionIDs)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("batch.commissions", len(commissions)))

	var (
		mu      sync.Mutex
		results = make([]domain.CommissionBatchResult, 0, len(commissions))
		total   int
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.batchConcurrency)

	for _, commission := range commissions {
		commission := commission

		// Stop dispatching once the caller cancels; commissions already
		// dispatched run to completion.
		if err := gCtx.Err(); err != nil {
			break
		}

		g.Go(func() error {
			res := s.processCommission(gCtx, &commission)

			mu.Lock()
			results = append(results, res)
			total += res.VerifiedSlots
			mu.Unlock()
			return nil
		})
	}

	// Worker errors are folded into per-commission results, never
	// returned, so Wait only reflects dispatch bookkeeping.
	_ = g.Wait()

	// Deterministic output order regardless of worker interleaving.
	sort.Slice(results, func(i, j int) bool {
		return results[i].CommissionID < results[j].CommissionID
	})

	s.metrics.AddBatchCommissions(len(results))
	s.statsCache.Delete(statsCacheKey)

	s.emit(ctx, domain.Event{
		Type:           domain.EventBatchCompleted,
		ProcessedCount: total,
	})

	s.logger.Info("automatic verification batch completed",
		zap.Int("commissions", len(results)),
		zap.Int("processed_count", total),
	)

	return &domain.BatchResult{ProcessedCount: total, Results: results}, nil
}

// eligibleCommissions resolves the batch working set.
func (s *VerificationService) eligibleCommissions(ctx context.Context, commissionIDs []string) ([]domain.Commission, error) {
	if len(commissionIDs) == 0 {
		return s.commissions.ListEligibleCommissions(ctx)
	}

	commissions := make([]domain.Commission, 0, len(commissionIDs))
	for _, id := range commissionIDs {
		c, err := s.commissions.GetCommission(ctx, id)
		if err != nil {
			return nil, err
		}
		commissions = append(commissions, *c)
	}
	return commissions, nil
}

// processCommission runs the classify-and-verify loop for a single
// commission. All failures are captured in the returned result.
func (s *VerificationService) processCommission(ctx context.Context, commission *domain.Commission) domain.CommissionBatchResult {
	res := domain.CommissionBatchResult{
		CommissionID: commission.ID,
		Status:       commission.PaymentVerificationStatus,
	}

	if err := s.locks.Lock(ctx, commission.ID); err != nil {
		res.Outcome = domain.OutcomeError
		res.Error = err.Error()
		return res
	}
	defer s.locks.Unlock(commission.ID)

	// Re-read under the lock: a concurrent manual verify may have moved
	// the commission since the batch scan.
	fresh, err := s.commissions.GetCommission(ctx, commission.ID)
	if err != nil {
		res.Outcome = domain.OutcomeError
		res.Error = err.Error()
		return res
	}
	commission = fresh
	res.Status = commission.PaymentVerificationStatus

	if commission.PaymentVerificationStatus.Terminal() {
		res.Outcome = domain.OutcomeSkipped
		return res
	}

	payments, err := s.payments.ListContractPayments(ctx, commission.ContractID)
	if err != nil {
		res.Outcome = domain.OutcomeError
		res.Error = err.Error()
		return res
	}
	if len(payments) == 0 {
		// Nothing to judge yet. The commission stays pending; this is
		// not a failure.
		res.Outcome = domain.OutcomeNoPayments
		return res
	}

	if err := s.classifyContract(ctx, payments); err != nil {
		res.Outcome = domain.OutcomeError
		res.Error = err.Error()
		return res
	}

	machine := statemachine.New(commission.SlotsRequired(s.defaultSlots))
	verified := 0

	for {
		slot, ok := machine.NextSlot(commission.PaymentVerificationStatus)
		if !ok {
			break
		}

		candidate := nextQualifyingPayment(payments, slot)
		if candidate == nil {
			// Failure is reserved for an exhausted second slot: unconsumed
			// payments remain on the contract yet none can ever fill it
			// (outside the grace window). An unfilled first slot always
			// waits for its payment, whatever else arrived.
			if slot == domain.SlotSecond && hasUnconsumed(payments) {
				failed, err := s.failCommission(ctx, commission, machine, slot)
				if err != nil {
					res.Outcome = domain.OutcomeError
					res.Error = err.Error()
					res.VerifiedSlots = verified
					return res
				}
				res.Outcome = domain.OutcomeNoQualifying
				res.Status = failed.PaymentVerificationStatus
				res.VerifiedSlots = verified
				return res
			}
			break
		}

		updated, err := s.verifyAutomatically(ctx, commission, machine, candidate, slot)
		if err != nil {
			res.Outcome = domain.OutcomeError
			res.Error = err.Error()
			res.VerifiedSlots = verified
			return res
		}
		commission = updated
		verified++
	}

	res.Status = commission.PaymentVerificationStatus
	res.VerifiedSlots = verified
	if verified == 0 {
		res.Outcome = domain.OutcomeSkipped
	} else {
		res.Outcome = domain.OutcomeVerified
	}
	return res
}

// classifyContract runs detection over the contract's payments in
// chronological order, persisting only rows whose derived fields
// actually change. Earlier results feed later positioning through the
// in-memory slice, so a fresh contract classifies end to end in one
// pass.
func (s *VerificationService) classifyContract(ctx context.Context, payments []domain.CustomerPayment) error {
	now := time.Now().UTC()

	for i := range payments {
		p := &payments[i]

		result, err := s.classifier.Classify(p, payments)
		if err != nil {
			return err
		}

		changed := p.InstallmentType != result.InstallmentType ||
			p.AffectsCommissions != result.AffectsCommissions ||
			p.DetectionNotes != result.Notes

		p.InstallmentType = result.InstallmentType
		p.AffectsCommissions = result.AffectsCommissions
		p.DetectionNotes = result.Notes
		meta := result.Metadata
		p.DetectionMetadata = &meta

		if !changed {
			continue
		}

		p.LastDetectionRun = &now
		if err := s.payments.UpdatePaymentClassification(ctx, p); err != nil {
			return err
		}
		s.metrics.IncrClassification(string(result.InstallmentType))
	}
	return nil
}

// verifyAutomatically executes one atomic verify step for the batch.
func (s *VerificationService) verifyAutomatically(ctx context.Context, commission *domain.Commission, machine *statemachine.Machine, payment *domain.CustomerPayment, slot domain.InstallmentSlot) (*domain.Commission, error) {
	newStatus, err := machine.Verify(commission.ID, commission.PaymentVerificationStatus, slot)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if _, err := s.verifications.CreateVerification(ctx, &domain.PaymentVerification{
		CommissionID:       commission.ID,
		CustomerPaymentID:  payment.ID,
		PaymentInstallment: slot,
		VerifiedAt:         now,
		AutoVerified:       true,
		VerificationNotes:  payment.DetectionNotes,
	}); err != nil {
		return nil, err
	}

	updated, err := s.advanceCommission(ctx, commission, newStatus, slot, now)
	if err != nil {
		return nil, err
	}

	s.markPaymentConsumed(ctx, payment, now)
	s.metrics.IncrVerification("verified")

	s.emit(ctx, domain.Event{
		Type:         domain.EventVerificationProcessed,
		CommissionID: commission.ID,
		PaymentID:    payment.ID,
		NewStatus:    updated.PaymentVerificationStatus,
	})

	s.logger.Info("payment verified automatically",
		zap.String("commission_id", commission.ID),
		zap.String("payment_id", payment.ID),
		zap.String("slot", string(slot)),
		zap.String("new_status", string(updated.PaymentVerificationStatus)),
	)

	return updated, nil
}

// failCommission marks a commission verification_failed because
// payments exist but none qualifies for the pending slot.
func (s *VerificationService) failCommission(ctx context.Context, commission *domain.Commission, machine *statemachine.Machine, slot domain.InstallmentSlot) (*domain.Commission, error) {
	newStatus, err := machine.MarkFailed(commission.ID, commission.PaymentVerificationStatus)
	if err != nil {
		return nil, err
	}

	next := *commission
	next.PaymentVerificationStatus = newStatus
	updated, err := s.commissions.UpdateCommissionVerification(ctx, &next, commission.UpdatedAt)
	if err != nil {
		return nil, err
	}

	reason := "payments exist on contract but none qualifies for installment slot '" + string(slot) + "'"
	s.metrics.IncrVerification("failed")

	s.emit(ctx, domain.Event{
		Type:         domain.EventVerificationFailed,
		CommissionID: commission.ID,
		Reason:       reason,
	})

	s.logger.Warn("commission verification failed",
		zap.String("commission_id", commission.ID),
		zap.String("reason", reason),
	)

	return updated, nil
}

// hasUnconsumed reports whether any payment on the contract has not yet
// been bound to a commission slot.
func hasUnconsumed(payments []domain.CustomerPayment) bool {
	for i := range payments {
		if payments[i].CommissionProcessedAt == nil {
			return true
		}
	}
	return false
}

// nextQualifyingPayment picks the chronologically first unconsumed
// payment classified for the wanted slot.
func nextQualifyingPayment(payments []domain.CustomerPayment, slot domain.InstallmentSlot) *domain.CustomerPayment {
	var want domain.InstallmentType
	switch slot {
	case domain.SlotFirst:
		want = domain.InstallmentFirst
	case domain.SlotSecond:
		want = domain.InstallmentSecond
	default:
		return nil
	}

	for i := range payments {
		p := &payments[i]
		if p.InstallmentType != want || !p.AffectsCommissions {
			continue
		}
		if p.CommissionProcessedAt != nil {
			continue
		}
		return p
	}
	return nil
}
