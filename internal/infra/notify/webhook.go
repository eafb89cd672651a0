// Package notify delivers engine events to downstream consumers.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/habitaplus/commission-verify-go/internal/domain"
	"github.com/habitaplus/commission-verify-go/internal/infra/observability"
	"github.com/habitaplus/commission-verify-go/internal/infra/resilience"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("notify")

// WebhookPublisher POSTs each event as JSON to a configured endpoint.
// The back office consumes these for dashboards and payout release.
type WebhookPublisher struct {
	httpClient *http.Client
	url        string
	cfg        resilience.Config
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewWebhookPublisher creates a webhook publisher targeting url.
func NewWebhookPublisher(httpClient *http.Client, url string, cfg resilience.Config, metrics *observability.Metrics, logger *zap.Logger) *WebhookPublisher {
	return &WebhookPublisher{
		httpClient: httpClient,
		url:        url,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger,
	}
}

// Publish delivers one event. Transient failures are retried with
// backoff; a final failure is reported to the caller, who logs it and
// moves on — the state transition that caused the event is already
// committed and is never rolled back.
func (p *WebhookPublisher) Publish(ctx context.Context, event domain.Event) error {
	ctx, span := tracer.Start(ctx, "Webhook.Publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.id", event.ID),
		attribute.String("event.type", string(event.Type)),
	)

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.ID, err)
	}

	err = resilience.RetryWithBackoff(ctx, p.cfg, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Event-Type", string(event.Type))

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		p.metrics.IncrEventPublishError()
		p.logger.Warn("webhook delivery failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
		return fmt.Errorf("deliver event %s: %w", event.ID, err)
	}

	p.metrics.IncrEventPublished(string(event.Type))
	p.logger.Debug("event delivered",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
	)
	return nil
}
