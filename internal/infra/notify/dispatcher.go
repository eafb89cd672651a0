package notify

import (
	"context"
	"errors"

	"github.com/habitaplus/commission-verify-go/internal/domain"
	"github.com/habitaplus/commission-verify-go/internal/port"

	"go.uber.org/zap"
)

// Dispatcher fans one event out to every registered publisher. Each
// publisher sees the event at most once per Publish call; one failing
// publisher does not stop delivery to the others.
type Dispatcher struct {
	publishers []port.EventPublisher
	logger     *zap.Logger
}

// NewDispatcher creates a dispatcher over the given publishers.
func NewDispatcher(logger *zap.Logger, publishers ...port.EventPublisher) *Dispatcher {
	return &Dispatcher{publishers: publishers, logger: logger}
}

// Publish delivers the event to every publisher and joins any errors.
func (d *Dispatcher) Publish(ctx context.Context, event domain.Event) error {
	var errs []error
	for _, p := range d.publishers {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes every event to the structured log. Always
// registered so events remain observable without a webhook configured.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a log-backed publisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish logs the event. Never fails.
func (p *LogPublisher) Publish(_ context.Context, event domain.Event) error {
	p.logger.Info("event published",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("commission_id", event.CommissionID),
		zap.String("payment_id", event.PaymentID),
		zap.String("new_status", string(event.NewStatus)),
		zap.String("reason", event.Reason),
		zap.Int("processed_count", event.ProcessedCount),
	)
	return nil
}
