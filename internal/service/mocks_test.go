package service_test

import (
	"context"
	"sync"
	"time"

	"github.com/habitaplus/commission-verify-go/internal/domain"
)

// memStore is an in-memory implementation of the three store ports,
// with the same optimistic-concurrency behavior as the real adapter.
type memStore struct {
	mu            sync.Mutex
	commissions   map[string]*domain.Commission
	payments      map[string]*domain.CustomerPayment
	verifications map[string]*domain.PaymentVerification

	// Per-contract error injection for failure-isolation tests.
	failContract map[string]error

	// Call counters.
	listAllCalls int
}

func newMemStore() *memStore {
	return &memStore{
		commissions:   make(map[string]*domain.Commission),
		payments:      make(map[string]*domain.CustomerPayment),
		verifications: make(map[string]*domain.PaymentVerification),
		failContract:  make(map[string]error),
	}
}

func (m *memStore) addCommission(c domain.Commission) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := c
	m.commissions[c.ID] = &cp
}

func (m *memStore) addPayment(p domain.CustomerPayment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pp := p
	m.payments[p.ID] = &pp
}

// --- CommissionStore ---

func (m *memStore) GetCommission(_ context.Context, id string) (*domain.Commission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commissions[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "commission", ID: id}
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) ListCommissions(_ context.Context, filters domain.CommissionFilters, page, pageSize int) ([]domain.Commission, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []domain.Commission
	for _, c := range m.commissions {
		if filters.Status != "" && c.PaymentVerificationStatus != filters.Status {
			continue
		}
		if filters.Status == "" && c.PaymentVerificationStatus.Terminal() {
			continue
		}
		if filters.EmployeeID != "" && c.EmployeeID != filters.EmployeeID {
			continue
		}
		all = append(all, *c)
	}

	total := len(all)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (m *memStore) ListEligibleCommissions(_ context.Context) ([]domain.Commission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Commission
	for _, c := range m.commissions {
		if !c.PaymentVerificationStatus.Terminal() {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memStore) ListAllCommissions(_ context.Context) ([]domain.Commission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listAllCalls++
	var out []domain.Commission
	for _, c := range m.commissions {
		out = append(out, *c)
	}
	return out, nil
}

func (m *memStore) UpdateCommissionVerification(_ context.Context, c *domain.Commission, expectedUpdatedAt time.Time) (*domain.Commission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.commissions[c.ID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "commission", ID: c.ID}
	}
	if !current.UpdatedAt.Equal(expectedUpdatedAt) {
		return nil, &domain.ErrConcurrencyConflict{Resource: "commission", ID: c.ID}
	}

	next := *c
	next.UpdatedAt = current.UpdatedAt.Add(time.Millisecond)
	m.commissions[c.ID] = &next

	cp := next
	return &cp, nil
}

// --- PaymentStore ---

func (m *memStore) GetPayment(_ context.Context, id string) (*domain.CustomerPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "payment", ID: id}
	}
	pp := *p
	return &pp, nil
}

func (m *memStore) ListContractPayments(_ context.Context, contractID string) ([]domain.CustomerPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failContract[contractID]; err != nil {
		return nil, err
	}

	var out []domain.CustomerPayment
	for _, p := range m.payments {
		if p.ContractID == contractID {
			out = append(out, *p)
		}
	}
	// payment_date asc, id asc
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].PaymentDate.Before(out[i].PaymentDate) ||
				(out[j].PaymentDate.Equal(out[i].PaymentDate) && out[j].ID < out[i].ID) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (m *memStore) UpdatePaymentClassification(_ context.Context, p *domain.CustomerPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payments[p.ID]; !ok {
		return &domain.ErrNotFound{Resource: "payment", ID: p.ID}
	}
	pp := *p
	m.payments[p.ID] = &pp
	return nil
}

// --- VerificationStore ---

func (m *memStore) CreateVerification(_ context.Context, v *domain.PaymentVerification) (*domain.PaymentVerification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	vv := *v
	if vv.ID == "" {
		vv.ID = "ver-" + vv.CommissionID + "-" + string(vv.PaymentInstallment)
	}
	m.verifications[vv.ID] = &vv
	cp := vv
	return &cp, nil
}

func (m *memStore) GetVerification(_ context.Context, id string) (*domain.PaymentVerification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.verifications[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "verification", ID: id}
	}
	vv := *v
	return &vv, nil
}

func (m *memStore) GetActiveVerification(_ context.Context, commissionID string, slot domain.InstallmentSlot) (*domain.PaymentVerification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, v := range m.verifications {
		if v.CommissionID == commissionID && v.PaymentInstallment == slot && v.ReversedAt == nil {
			vv := *v
			return &vv, nil
		}
	}
	return nil, &domain.ErrNotFound{Resource: "verification", ID: commissionID + "/" + string(slot)}
}

func (m *memStore) ListVerifications(_ context.Context, commissionID string) ([]domain.PaymentVerification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.PaymentVerification
	for _, v := range m.verifications {
		if v.CommissionID == commissionID {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (m *memStore) ListActiveVerificationsByPayment(_ context.Context, paymentID string) ([]domain.PaymentVerification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.PaymentVerification
	for _, v := range m.verifications {
		if v.CustomerPaymentID == paymentID && v.ReversedAt == nil {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (m *memStore) ReverseVerification(_ context.Context, id, reason string, reversedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.verifications[id]
	if !ok || v.ReversedAt != nil {
		return &domain.ErrNotFound{Resource: "verification", ID: id}
	}
	v.ReversedAt = &reversedAt
	v.ReversalReason = reason
	return nil
}

// capturePublisher records every published event.
type capturePublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *capturePublisher) Publish(_ context.Context, e domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *capturePublisher) byType(t domain.EventType) []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
