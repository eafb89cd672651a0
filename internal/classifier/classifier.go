// Package classifier assigns installment roles to raw customer payments.
// Classification is pure and deterministic: the same payment and contract
// history always produce an identical result, which makes re-detection
// idempotent and results reproducible for audit.
package classifier

import (
	"fmt"
	"sort"
	"time"

	"github.com/habitaplus/commission-verify-go/internal/domain"
)

// Config holds the business constants the classifier applies. Both are
// global configuration, not user input; every result snapshots the
// values it used into its metadata.
type Config struct {
	// MinimumAmountThreshold is the smallest amount a chronologically
	// first payment must reach to count as the first installment.
	MinimumAmountThreshold float64
	// GracePeriodDays is how many days after the first installment a
	// payment may arrive and still qualify as the second installment.
	GracePeriodDays int
}

// Classifier decides the installment role of a payment within its
// contract's payment sequence.
type Classifier struct {
	cfg Config
}

// New creates a classifier with the given business constants.
func New(cfg Config) *Classifier {
	return &Classifier{cfg: cfg}
}

// Classify determines the installment role of payment given the payment
// history of its contract. history may or may not include the payment
// under test; it is excluded by id before positioning. The returned
// result is a value judgment only — persisting it onto the payment row
// is the caller's job.
func (c *Classifier) Classify(payment *domain.CustomerPayment, history []domain.CustomerPayment) (*domain.ClassificationResult, error) {
	if payment == nil {
		return nil, &domain.ErrValidation{Field: "payment", Message: "payment is required"}
	}
	if payment.ContractID == "" {
		return nil, &domain.ErrInvalidReference{
			Resource: "payment",
			ID:       payment.ID,
			Detail:   "payment has no contract",
		}
	}

	prior := priorPayments(payment, history)

	meta := domain.DetectionMetadata{
		GracePeriodDays:        c.cfg.GracePeriodDays,
		MinimumAmountThreshold: c.cfg.MinimumAmountThreshold,
		PriorPayments:          len(prior),
	}
	for _, p := range prior {
		if p.AffectsCommissions {
			meta.PriorCommissionAffecting++
		}
	}

	result := &domain.ClassificationResult{
		PaymentID: payment.ID,
		Metadata:  meta,
	}

	switch {
	case len(prior) == 0:
		if payment.Amount >= c.cfg.MinimumAmountThreshold {
			result.InstallmentType = domain.InstallmentFirst
			result.AffectsCommissions = true
			result.Notes = fmt.Sprintf("first payment on contract; amount %.2f meets minimum threshold %.2f",
				payment.Amount, c.cfg.MinimumAmountThreshold)
		} else {
			result.InstallmentType = domain.InstallmentRegular
			result.Notes = fmt.Sprintf("first payment on contract but amount %.2f is below minimum threshold %.2f",
				payment.Amount, c.cfg.MinimumAmountThreshold)
		}

	case len(prior) == 1:
		first := prior[0]
		switch first.InstallmentType {
		case domain.InstallmentFirst:
			gap := daysBetween(first.PaymentDate, payment.PaymentDate)
			if gap <= c.cfg.GracePeriodDays {
				result.InstallmentType = domain.InstallmentSecond
				result.AffectsCommissions = true
				result.Notes = fmt.Sprintf("second payment %d day(s) after first installment, within grace period of %d day(s)",
					gap, c.cfg.GracePeriodDays)
			} else {
				// Still recorded, but too late to count as the second
				// installment.
				result.InstallmentType = domain.InstallmentRegular
				result.Notes = fmt.Sprintf("payment %d day(s) after first installment exceeds grace period of %d day(s)",
					gap, c.cfg.GracePeriodDays)
			}
		case "":
			// The prior payment has not been classified yet, so this
			// payment's role cannot be decided with confidence.
			result.InstallmentType = domain.InstallmentUndetermined
			result.Notes = "prior payment on contract is not classified yet; run detection in chronological order"
		default:
			result.InstallmentType = domain.InstallmentRegular
			result.Notes = fmt.Sprintf("prior payment is '%s', not a first installment", first.InstallmentType)
		}

	default:
		result.InstallmentType = domain.InstallmentRegular
		result.Notes = fmt.Sprintf("%d prior payments on contract; installment slots already passed", len(prior))
	}

	return result, nil
}

// priorPayments returns the payments on the contract that come strictly
// before the payment under test in the contract's deterministic order:
// payment_date ascending, ties broken by payment id ascending.
func priorPayments(payment *domain.CustomerPayment, history []domain.CustomerPayment) []domain.CustomerPayment {
	prior := make([]domain.CustomerPayment, 0, len(history))
	for _, p := range history {
		if p.ID == payment.ID {
			continue
		}
		if before(p, payment) {
			prior = append(prior, p)
		}
	}
	sort.Slice(prior, func(i, j int) bool {
		if !prior[i].PaymentDate.Equal(prior[j].PaymentDate) {
			return prior[i].PaymentDate.Before(prior[j].PaymentDate)
		}
		return prior[i].ID < prior[j].ID
	})
	return prior
}

func before(a domain.CustomerPayment, b *domain.CustomerPayment) bool {
	if !a.PaymentDate.Equal(b.PaymentDate) {
		return a.PaymentDate.Before(b.PaymentDate)
	}
	return a.ID < b.ID
}

// daysBetween counts calendar days from one payment date to another.
// Time of day never counts toward the grace window.
func daysBetween(from, to time.Time) int {
	from = time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	to = time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(to.Sub(from).Hours() / 24)
}
