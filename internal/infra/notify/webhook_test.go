package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/habitaplus/commission-verify-go/internal/domain"
	"github.com/habitaplus/commission-verify-go/internal/infra/notify"
	"github.com/habitaplus/commission-verify-go/internal/infra/observability"
	"github.com/habitaplus/commission-verify-go/internal/infra/resilience"

	"go.uber.org/zap"
)

func testEvent() domain.Event {
	return domain.Event{
		ID:           "evt-1",
		Type:         domain.EventVerificationProcessed,
		OccurredAt:   time.Now().UTC(),
		CommissionID: "com-1",
		PaymentID:    "pay-1",
		NewStatus:    domain.StatusFirstPaymentVerified,
	}
}

func TestWebhookPublisher_DeliversEvent(t *testing.T) {
	var got domain.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Event-Type") != string(domain.EventVerificationProcessed) {
			t.Errorf("unexpected X-Event-Type %q", r.Header.Get("X-Event-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode event: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := notify.NewWebhookPublisher(srv.Client(), srv.URL,
		resilience.Config{MaxRetries: 0, InitialBackoff: time.Millisecond},
		observability.NewMetrics(), zap.NewNop())

	if err := p.Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got.ID != "evt-1" || got.CommissionID != "com-1" {
		t.Errorf("unexpected delivered event: %+v", got)
	}
}

func TestWebhookPublisher_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := notify.NewWebhookPublisher(srv.Client(), srv.URL,
		resilience.Config{MaxRetries: 2, InitialBackoff: time.Millisecond},
		observability.NewMetrics(), zap.NewNop())

	if err := p.Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestWebhookPublisher_ReportsFinalFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := notify.NewWebhookPublisher(srv.Client(), srv.URL,
		resilience.Config{MaxRetries: 1, InitialBackoff: time.Millisecond},
		observability.NewMetrics(), zap.NewNop())

	if err := p.Publish(context.Background(), testEvent()); err == nil {
		t.Fatal("expected delivery error")
	}
}

type recordingPublisher struct {
	events []domain.Event
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, e domain.Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestDispatcher_FansOutToAllPublishers(t *testing.T) {
	a := &recordingPublisher{}
	b := &recordingPublisher{}
	d := notify.NewDispatcher(zap.NewNop(), a, b)

	if err := d.Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("expected one delivery each, got %d and %d", len(a.events), len(b.events))
	}
}

func TestDispatcher_FailureDoesNotStopOthers(t *testing.T) {
	failing := &recordingPublisher{err: errors.New("down")}
	ok := &recordingPublisher{}
	d := notify.NewDispatcher(zap.NewNop(), failing, ok)

	err := d.Publish(context.Background(), testEvent())
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(ok.events) != 1 {
		t.Errorf("expected healthy publisher to still receive the event, got %d", len(ok.events))
	}
	if len(failing.events) != 1 {
		t.Errorf("expected failing publisher to be attempted exactly once, got %d", len(failing.events))
	}
}
