// Package postgrest provides the persistence adapters for the engine,
// backed by a PostgREST API in front of the back-office Postgres.
package postgrest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/habitaplus/commission-verify-go/internal/domain"
	"github.com/habitaplus/commission-verify-go/internal/infra/observability"
	"github.com/habitaplus/commission-verify-go/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("postgrest")

// Client wraps HTTP calls to the PostgREST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	serviceKey string
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewClient creates a PostgREST client.
func NewClient(httpClient *http.Client, baseURL, apiKey, serviceKey string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, metrics *observability.Metrics, logger *zap.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     apiKey,
		serviceKey: serviceKey,
		cb:         cb,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger,
	}
}

// Ping verifies the store is reachable. Used by the readiness probe.
func (c *Client) Ping(ctx context.Context) error {
	_, _, err := c.doGet(ctx, "commissions?limit=1", false)
	if err != nil {
		return fmt.Errorf("postgrest ping: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.serviceKey))
	req.Header.Set("Content-Type", "application/json")
}

// doGet executes a GET against PostgREST. When withCount is set the
// exact total for the filter is requested and parsed from the
// Content-Range header; otherwise total is -1.
func (c *Client) doGet(ctx context.Context, path string, withCount bool) ([]byte, int, error) {
	url := fmt.Sprintf("%s/rest/v1/%s", c.baseURL, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.logger.Error("postgrest: failed to create request",
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, -1, err
	}

	c.setHeaders(req)
	if withCount {
		req.Header.Set("Prefer", "count=exact")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.IncrStoreError("postgrest")
		c.logger.Error("postgrest: GET request failed",
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, -1, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Error("postgrest: failed to read response body",
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, -1, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.metrics.IncrStoreError("postgrest")
		c.logger.Warn("postgrest: GET non-2xx",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(body)),
		)
		return nil, -1, fmt.Errorf("postgrest GET %s returned %d: %s", path, resp.StatusCode, string(body))
	}

	total := -1
	if withCount {
		total = parseContentRangeTotal(resp.Header.Get("Content-Range"))
	}

	c.logger.Debug("postgrest: GET OK",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)
	return body, total, nil
}

// doPost inserts a row and returns the inserted representation.
func (c *Client) doPost(ctx context.Context, table string, data any) ([]byte, error) {
	url := fmt.Sprintf("%s/rest/v1/%s", c.baseURL, table)
	jsonBody, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}

	c.setHeaders(req)
	req.Header.Set("Prefer", "return=representation")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.IncrStoreError("postgrest")
		c.logger.Error("postgrest: POST request failed",
			zap.String("table", table),
			zap.Error(err),
		)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.metrics.IncrStoreError("postgrest")
		c.logger.Warn("postgrest: POST non-2xx",
			zap.String("table", table),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(body)),
		)
		return nil, fmt.Errorf("postgrest POST %s returned %d: %s", table, resp.StatusCode, string(body))
	}

	c.logger.Debug("postgrest: POST OK", zap.String("table", table), zap.Int("status", resp.StatusCode))
	return body, nil
}

// doPatch updates rows matching the path's filters and returns the
// updated representation. An empty array means no row matched — callers
// use that to detect stale optimistic-concurrency tokens.
func (c *Client) doPatch(ctx context.Context, path string, data any) ([]byte, error) {
	url := fmt.Sprintf("%s/rest/v1/%s", c.baseURL, path)
	jsonBody, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}

	c.setHeaders(req)
	req.Header.Set("Prefer", "return=representation")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.IncrStoreError("postgrest")
		c.logger.Error("postgrest: PATCH request failed",
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.metrics.IncrStoreError("postgrest")
		c.logger.Warn("postgrest: PATCH non-2xx",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(body)),
		)
		return nil, fmt.Errorf("postgrest PATCH %s returned %d: %s", path, resp.StatusCode, string(body))
	}

	c.logger.Debug("postgrest: PATCH OK", zap.String("path", path))
	return body, nil
}

// withResilience runs fn behind the shared circuit breaker with retries.
func (c *Client) withResilience(ctx context.Context, fn func() error) error {
	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, fn)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &domain.ErrCircuitOpen{Service: "postgrest"}
	}
	return err
}

// parseContentRangeTotal extracts the total from a PostgREST
// Content-Range header such as "0-24/3573" or "*/0".
func parseContentRangeTotal(header string) int {
	idx := strings.LastIndex(header, "/")
	if idx < 0 {
		return -1
	}
	total, err := strconv.Atoi(header[idx+1:])
	if err != nil {
		return -1
	}
	return total
}

// parseTimestamp decodes the timestamp formats PostgREST emits.
func parseTimestamp(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02T15:04:05.999999", s); err == nil {
		return t
	}
	t, _ := time.Parse("2006-01-02", s)
	return t
}

func parseTimestampPtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t := parseTimestamp(*s)
	return &t
}

func timestampPtrString(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}
