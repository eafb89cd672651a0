package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the verification engine.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	requestDuration     *prometheus.HistogramVec
	verificationsTotal  *prometheus.CounterVec
	classificationsRun  *prometheus.CounterVec
	eventsPublished     *prometheus.CounterVec
	eventPublishErrors  prometheus.Counter
	storeErrors         *prometheus.CounterVec
	batchCommissionsRun prometheus.Counter
}

// EngineSnapshot is a point-in-time view of the engine counters,
// served by GET /v1/metrics/engine for the dashboard.
type EngineSnapshot struct {
	VerificationsProcessed float64 `json:"verifications_processed"`
	VerificationsFailed    float64 `json:"verifications_failed"`
	VerificationsReversed  float64 `json:"verifications_reversed"`
	AlreadyVerified        float64 `json:"already_verified"`
	ClassificationsFirst   float64 `json:"classifications_first"`
	ClassificationsSecond  float64 `json:"classifications_second"`
	ClassificationsRegular float64 `json:"classifications_regular"`
	EventsPublished        float64 `json:"events_published"`
	EventPublishErrors     float64 `json:"event_publish_errors"`
	BatchCommissions       float64 `json:"batch_commissions_processed"`
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cve_request_duration_seconds",
				Help:    "Duration of engine operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		verificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cve_verifications_total",
				Help: "Verification operations by outcome.",
			},
			[]string{"outcome"},
		),
		classificationsRun: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cve_classifications_total",
				Help: "Payment classifications by resulting installment type.",
			},
			[]string{"installment_type"},
		),
		eventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cve_events_published_total",
				Help: "Events handed to the notification transport, by type.",
			},
			[]string{"type"},
		),
		eventPublishErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cve_event_publish_errors_total",
				Help: "Event deliveries the transport rejected.",
			},
		),
		storeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cve_store_errors_total",
				Help: "Errors from persistence backends.",
			},
			[]string{"service"},
		),
		batchCommissionsRun: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cve_batch_commissions_total",
				Help: "Commissions processed by automatic batches.",
			},
		),
	}
}

// RecordRequestDuration records the duration of an operation.
func (m *Metrics) RecordRequestDuration(operation string, d time.Duration) {
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrVerification increments the verification counter with an outcome
// label (processed, failed, reversed, already_verified, error).
func (m *Metrics) IncrVerification(outcome string) {
	m.verificationsTotal.WithLabelValues(outcome).Inc()
}

// IncrClassification increments the classification counter for a type.
func (m *Metrics) IncrClassification(installmentType string) {
	m.classificationsRun.WithLabelValues(installmentType).Inc()
}

// IncrEventPublished increments the published-event counter.
func (m *Metrics) IncrEventPublished(eventType string) {
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

// IncrEventPublishError increments the event delivery error counter.
func (m *Metrics) IncrEventPublishError() {
	m.eventPublishErrors.Inc()
}

// IncrStoreError increments the store error counter.
func (m *Metrics) IncrStoreError(service string) {
	m.storeErrors.WithLabelValues(service).Inc()
}

// AddBatchCommissions records how many commissions a batch touched.
func (m *Metrics) AddBatchCommissions(n int) {
	m.batchCommissionsRun.Add(float64(n))
}

// Snapshot gathers current counter values for the engine metrics
// endpoint. Prometheus counters expose cumulative values.
func (m *Metrics) Snapshot() *EngineSnapshot {
	return &EngineSnapshot{
		VerificationsProcessed: getCounterValue(m.verificationsTotal, "processed"),
		VerificationsFailed:    getCounterValue(m.verificationsTotal, "failed"),
		VerificationsReversed:  getCounterValue(m.verificationsTotal, "reversed"),
		AlreadyVerified:        getCounterValue(m.verificationsTotal, "already_verified"),
		ClassificationsFirst:   getCounterValue(m.classificationsRun, "first"),
		ClassificationsSecond:  getCounterValue(m.classificationsRun, "second"),
		ClassificationsRegular: getCounterValue(m.classificationsRun, "regular"),
		EventsPublished: getCounterValue(m.eventsPublished, "verification.processed") +
			getCounterValue(m.eventsPublished, "verification.failed") +
			getCounterValue(m.eventsPublished, "verification.batch.completed"),
		EventPublishErrors: getPlainCounterValue(m.eventPublishErrors),
		BatchCommissions:   getPlainCounterValue(m.batchCommissionsRun),
	}
}

// getCounterValue extracts the current float64 value from a CounterVec for a given label.
func getCounterValue(cv *prometheus.CounterVec, label string) float64 {
	counter := cv.WithLabelValues(label)
	m := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}

func getPlainCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
