// Package handler exposes the verification engine over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/habitaplus/commission-verify-go/internal/domain"
	"github.com/habitaplus/commission-verify-go/internal/infra/observability"
	"github.com/habitaplus/commission-verify-go/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// StorePinger is what the readiness probe needs from the store client.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(engine *service.VerificationService, stats *service.StatsService, store StorePinger, metrics *observability.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler())
	r.Get("/readyz", readyzHandler(store, logger))
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {

		// Dashboard & work queue
		r.Get("/verifications/stats", statsHandler(stats, logger))
		r.Get("/commissions/requiring-verification", requiringVerificationHandler(stats, logger))

		// Verification operations
		r.Post("/commissions/{commissionId}/verify", verifyManuallyHandler(engine, logger))
		r.Post("/verifications/process-automatic", processAutomaticHandler(engine, logger))
		r.Post("/verifications/{verificationId}/reverse", reverseVerificationHandler(engine, logger))
		r.Post("/payments/{paymentId}/redetect", redetectHandler(engine, logger))

		// Audit feeds
		r.Get("/commissions/{commissionId}/verifications", listVerificationsHandler(stats, logger))
		r.Get("/contracts/{contractId}/payments", listContractPaymentsHandler(stats, logger))
	})

	return r
}

// ============================================================
// Operational endpoints
// ============================================================

func healthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// readyzHandler reports ready only when the store answers.
func readyzHandler(store StorePinger, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			logger.Warn("readiness probe failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"store":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// ============================================================
// Dashboard & work queue
// ============================================================

func statsHandler(svc *service.StatsService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/verifications/stats")
		defer span.End()

		stats, err := svc.GetVerificationStats(ctx)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func requiringVerificationHandler(svc *service.StatsService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/commissions/requiring-verification")
		defer span.End()

		from, err := parseDateParam(r, "from")
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		to, err := parseDateParam(r, "to")
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		filters := domain.CommissionFilters{
			Status:     domain.VerificationStatus(r.URL.Query().Get("status")),
			EmployeeID: r.URL.Query().Get("employee_id"),
			Client:     r.URL.Query().Get("client"),
			From:       from,
			To:         to,
		}
		page, pageSize := parsePagination(r)

		result, err := svc.ListCommissionsRequiringVerification(ctx, filters, page, pageSize)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// ============================================================
// Verification operations
// ============================================================

func verifyManuallyHandler(engine *service.VerificationService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/commissions/{commissionId}/verify")
		defer span.End()

		commissionID := chi.URLParam(r, "commissionId")
		span.SetAttributes(attribute.String("commission.id", commissionID))

		var req struct {
			PaymentID  string `json:"payment_id"`
			Slot       string `json:"slot"`
			Notes      string `json:"notes,omitempty"`
			VerifiedBy string `json:"verified_by,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		result, err := engine.VerifyPaymentManually(ctx, commissionID, req.PaymentID, domain.InstallmentSlot(req.Slot), req.Notes, req.VerifiedBy)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		status := http.StatusCreated
		if result.AlreadyVerified {
			status = http.StatusOK
		}
		writeJSON(w, status, result)
	}
}

func processAutomaticHandler(engine *service.VerificationService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/verifications/process-automatic")
		defer span.End()

		// An empty body means "process everything eligible".
		var req struct {
			CommissionIDs []string `json:"commission_ids,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		span.SetAttributes(attribute.Int("batch.requested", len(req.CommissionIDs)))

		result, err := engine.ProcessAutomaticVerifications(ctx, req.CommissionIDs)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func reverseVerificationHandler(engine *service.VerificationService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/verifications/{verificationId}/reverse")
		defer span.End()

		verificationID := chi.URLParam(r, "verificationId")
		span.SetAttributes(attribute.String("verification.id", verificationID))

		var req struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		result, err := engine.ReverseVerification(ctx, verificationID, req.Reason)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func redetectHandler(engine *service.VerificationService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/payments/{paymentId}/redetect")
		defer span.End()

		paymentID := chi.URLParam(r, "paymentId")
		span.SetAttributes(attribute.String("payment.id", paymentID))

		payment, err := engine.RedetectInstallmentType(ctx, paymentID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, payment)
	}
}

// ============================================================
// Audit feeds
// ============================================================

func listVerificationsHandler(svc *service.StatsService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/commissions/{commissionId}/verifications")
		defer span.End()

		commissionID := chi.URLParam(r, "commissionId")
		verifications, err := svc.ListCommissionVerifications(ctx, commissionID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if verifications == nil {
			verifications = []domain.PaymentVerification{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"verifications": verifications})
	}
}

func listContractPaymentsHandler(svc *service.StatsService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/contracts/{contractId}/payments")
		defer span.End()

		contractID := chi.URLParam(r, "contractId")
		payments, err := svc.ListContractPayments(ctx, contractID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if payments == nil {
			payments = []domain.CustomerPayment{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"payments": payments})
	}
}
