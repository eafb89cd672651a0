package integration_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/habitaplus/commission-verify-go/internal/classifier"
	"github.com/habitaplus/commission-verify-go/internal/domain"
	"github.com/habitaplus/commission-verify-go/internal/handler"
	"github.com/habitaplus/commission-verify-go/internal/infra/cache"
	"github.com/habitaplus/commission-verify-go/internal/infra/notify"
	"github.com/habitaplus/commission-verify-go/internal/infra/observability"
	"github.com/habitaplus/commission-verify-go/internal/infra/postgrest"
	"github.com/habitaplus/commission-verify-go/internal/infra/resilience"
	"github.com/habitaplus/commission-verify-go/internal/service"

	"go.uber.org/zap"
)

// ============================================================
// In-memory PostgREST double
// ============================================================

// fakePostgREST emulates the subset of the PostgREST query language the
// store adapter speaks: horizontal filters (eq, is.null, not.in, gte,
// lte, ilike), order, offset/limit, exact counts and
// return=representation writes.
type fakePostgREST struct {
	mu     sync.Mutex
	tables map[string][]map[string]any
}

func newFakePostgREST() *fakePostgREST {
	return &fakePostgREST{tables: map[string][]map[string]any{
		"commissions":                      {},
		"customer_payments":                {},
		"commission_payment_verifications": {},
	}}
}

func (f *fakePostgREST) insert(table string, row map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[table] = append(f.tables[table], row)
}

func (f *fakePostgREST) rows(table string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, len(f.tables[table]))
	copy(out, f.tables[table])
	return out
}

func matchFilter(value any, filter string) bool {
	str := ""
	if value != nil {
		str = fmt.Sprint(value)
	}
	switch {
	case strings.HasPrefix(filter, "eq."):
		return value != nil && str == strings.TrimPrefix(filter, "eq.")
	case filter == "is.null":
		return value == nil
	case strings.HasPrefix(filter, "not.in.("):
		list := strings.TrimSuffix(strings.TrimPrefix(filter, "not.in.("), ")")
		for _, item := range strings.Split(list, ",") {
			if str == item {
				return false
			}
		}
		return true
	case strings.HasPrefix(filter, "gte."):
		return str >= strings.TrimPrefix(filter, "gte.")
	case strings.HasPrefix(filter, "lte."):
		return str <= strings.TrimPrefix(filter, "lte.")
	case strings.HasPrefix(filter, "ilike."):
		needle := strings.Trim(strings.TrimPrefix(filter, "ilike."), "*")
		return strings.Contains(strings.ToLower(str), strings.ToLower(needle))
	}
	return false
}

func (f *fakePostgREST) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	table := strings.TrimPrefix(r.URL.Path, "/rest/v1/")
	f.mu.Lock()
	defer f.mu.Unlock()

	rows, ok := f.tables[table]
	if !ok {
		http.Error(w, `{"message":"relation does not exist"}`, http.StatusNotFound)
		return
	}

	query := r.URL.Query()
	var matched []map[string]any
	for _, row := range rows {
		keep := true
		for key, filters := range query {
			if key == "order" || key == "offset" || key == "limit" || key == "select" {
				continue
			}
			for _, filter := range filters {
				if !matchFilter(row[key], filter) {
					keep = false
					break
				}
			}
		}
		if keep {
			matched = append(matched, row)
		}
	}

	switch r.Method {
	case http.MethodGet:
		if order := query.Get("order"); order != "" {
			sortRows(matched, order)
		}
		total := len(matched)
		offset, _ := strconv.Atoi(query.Get("offset"))
		if offset > len(matched) {
			offset = len(matched)
		}
		matched = matched[offset:]
		if limitStr := query.Get("limit"); limitStr != "" {
			limit, _ := strconv.Atoi(limitStr)
			if limit < len(matched) {
				matched = matched[:limit]
			}
		}
		if strings.Contains(r.Header.Get("Prefer"), "count=exact") {
			w.Header().Set("Content-Range", fmt.Sprintf("*/%d", total))
		}
		writeRows(w, http.StatusOK, matched)

	case http.MethodPost:
		var row map[string]any
		if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.tables[table] = append(f.tables[table], row)
		writeRows(w, http.StatusCreated, []map[string]any{row})

	case http.MethodPatch:
		var patch map[string]any
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, row := range matched {
			for key, value := range patch {
				row[key] = value
			}
		}
		writeRows(w, http.StatusOK, matched)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func sortRows(rows []map[string]any, order string) {
	fields := strings.Split(order, ",")
	sort.SliceStable(rows, func(i, j int) bool {
		for _, field := range fields {
			parts := strings.SplitN(field, ".", 2)
			col := parts[0]
			desc := len(parts) == 2 && parts[1] == "desc"
			a, b := fmt.Sprint(rows[i][col]), fmt.Sprint(rows[j][col])
			if a == b {
				continue
			}
			if desc {
				return a > b
			}
			return a < b
		}
		return false
	})
}

func writeRows(w http.ResponseWriter, status int, rows []map[string]any) {
	if rows == nil {
		rows = []map[string]any{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(rows)
}

// ============================================================
// Harness
// ============================================================

type harness struct {
	backend *fakePostgREST
	router  http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	backend := newFakePostgREST()
	backendServer := httptest.NewServer(backend)
	t.Cleanup(backendServer.Close)

	logger := zap.NewNop()
	metrics := observability.NewMetrics()
	cb := resilience.NewCircuitBreaker("test")
	resilienceCfg := resilience.Config{MaxRetries: 1, InitialBackoff: 10 * time.Millisecond}
	httpClient := &http.Client{Timeout: 5 * time.Second}

	store := postgrest.NewClient(httpClient, backendServer.URL, "anon-key", "service-key", cb, resilienceCfg, metrics, logger)

	statsCache := cache.New[domain.VerificationStats](time.Minute)
	t.Cleanup(statsCache.Close)

	cls := classifier.New(classifier.Config{MinimumAmountThreshold: 1000, GracePeriodDays: 15})
	dispatcher := notify.NewDispatcher(logger, notify.NewLogPublisher(logger))

	engine := service.NewVerificationService(store, store, store, dispatcher, cls, statsCache, 2, 2, metrics, logger)
	statsSvc := service.NewStatsService(store, store, store, statsCache, metrics, logger)

	return &harness{
		backend: backend,
		router:  handler.NewRouter(engine, statsSvc, store, metrics, logger),
	}
}

func (h *harness) seedCommission(id, contractID string, amount float64) {
	h.backend.insert("commissions", map[string]any{
		"id":                          id,
		"employee_id":                 "emp-1",
		"employee_name":               "Rui Costa",
		"contract_id":                 contractID,
		"client_name":                 "Ana Martins",
		"commission_amount":           amount,
		"required_slots":              float64(0),
		"payment_verification_status": string(domain.StatusPendingVerification),
		"first_payment_verified_at":   nil,
		"second_payment_verified_at":  nil,
		"created_at":                  "2026-02-01T09:00:00Z",
		"updated_at":                  "2026-02-01T09:00:00Z",
	})
}

func (h *harness) seedPayment(id, contractID string, amount float64, date string) {
	h.backend.insert("customer_payments", map[string]any{
		"id":                  id,
		"contract_id":         contractID,
		"client_id":           "cli-1",
		"amount":              amount,
		"payment_date":        date,
		"payment_method":      "transfer",
		"affects_commissions": false,
	})
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(target); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

// ============================================================
// Flows
// ============================================================

func TestIntegration_AutomaticVerificationFlow(t *testing.T) {
	h := newHarness(t)
	h.seedCommission("com-1", "ctr-1", 2500)
	h.seedPayment("pay-1", "ctr-1", 2000, "2026-03-01T00:00:00Z")
	h.seedPayment("pay-2", "ctr-1", 2000, "2026-03-10T00:00:00Z")

	rec := h.do(t, http.MethodPost, "/v1/verifications/process-automatic", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d. Body: %s", rec.Code, rec.Body.String())
	}

	var batch domain.BatchResult
	decodeInto(t, rec, &batch)
	if batch.ProcessedCount != 2 {
		t.Errorf("expected 2 verified slots, got %d", batch.ProcessedCount)
	}
	if len(batch.Results) != 1 || batch.Results[0].Outcome != domain.OutcomeVerified {
		t.Errorf("unexpected batch results: %+v", batch.Results)
	}

	// Commission reached its terminal state in the backend.
	commissions := h.backend.rows("commissions")
	if got := commissions[0]["payment_verification_status"]; got != string(domain.StatusFullyVerified) {
		t.Errorf("expected fully_verified in store, got %v", got)
	}

	// Classification was persisted on the payment rows.
	payments := h.backend.rows("customer_payments")
	types := map[string]any{}
	for _, p := range payments {
		types[p["id"].(string)] = p["installment_type"]
	}
	if types["pay-1"] != "first" || types["pay-2"] != "second" {
		t.Errorf("expected first/second classification, got %v", types)
	}

	// Two auto-verified audit rows exist.
	audit := h.do(t, http.MethodGet, "/v1/commissions/com-1/verifications", nil)
	if audit.Code != http.StatusOK {
		t.Fatalf("audit feed: expected 200, got %d", audit.Code)
	}
	var feed struct {
		Verifications []domain.PaymentVerification `json:"verifications"`
	}
	decodeInto(t, audit, &feed)
	if len(feed.Verifications) != 2 {
		t.Fatalf("expected 2 verifications, got %d", len(feed.Verifications))
	}
	for _, v := range feed.Verifications {
		if !v.AutoVerified {
			t.Errorf("expected auto_verified on %s", v.ID)
		}
	}

	// The work queue no longer lists the commission.
	queue := h.do(t, http.MethodGet, "/v1/commissions/requiring-verification", nil)
	var page domain.Page[domain.Commission]
	decodeInto(t, queue, &page)
	if page.Total != 0 {
		t.Errorf("expected empty work queue, got total=%d", page.Total)
	}

	// A second run has nothing left to do.
	rerun := h.do(t, http.MethodPost, "/v1/verifications/process-automatic", nil)
	var rerunResult domain.BatchResult
	decodeInto(t, rerun, &rerunResult)
	if rerunResult.ProcessedCount != 0 {
		t.Errorf("expected idempotent rerun, got %d", rerunResult.ProcessedCount)
	}
}

func TestIntegration_ManualVerifyAndReverse(t *testing.T) {
	h := newHarness(t)
	h.seedCommission("com-1", "ctr-1", 4000)
	h.seedPayment("pay-1", "ctr-1", 5000, "2026-03-01T00:00:00Z")

	verify := h.do(t, http.MethodPost, "/v1/commissions/com-1/verify", map[string]any{
		"payment_id":  "pay-1",
		"slot":        "first",
		"verified_by": "back-office",
		"notes":       "wire confirmed with bank",
	})
	if verify.Code != http.StatusCreated {
		t.Fatalf("verify: expected 201, got %d. Body: %s", verify.Code, verify.Body.String())
	}
	var result domain.VerificationResult
	decodeInto(t, verify, &result)
	if result.Commission.PaymentVerificationStatus != domain.StatusFirstPaymentVerified {
		t.Errorf("expected first_payment_verified, got %s", result.Commission.PaymentVerificationStatus)
	}
	if result.Verification.VerifiedBy != "back-office" {
		t.Errorf("expected verified_by to round-trip, got %q", result.Verification.VerifiedBy)
	}

	// Stats reflect the advance.
	stats := h.do(t, http.MethodGet, "/v1/verifications/stats", nil)
	var snapshot domain.VerificationStats
	decodeInto(t, stats, &snapshot)
	if snapshot.VerifiedCount != 1 || snapshot.PendingCount != 0 {
		t.Errorf("unexpected stats after verify: %+v", snapshot)
	}

	// Reverse steps the commission back and keeps the audit row.
	reverse := h.do(t, http.MethodPost, "/v1/verifications/"+result.Verification.ID+"/reverse", map[string]any{
		"reason": "payment bounced",
	})
	if reverse.Code != http.StatusOK {
		t.Fatalf("reverse: expected 200, got %d. Body: %s", reverse.Code, reverse.Body.String())
	}
	var reversed domain.VerificationResult
	decodeInto(t, reverse, &reversed)
	if reversed.Commission.PaymentVerificationStatus != domain.StatusPendingVerification {
		t.Errorf("expected pending_verification after reverse, got %s", reversed.Commission.PaymentVerificationStatus)
	}

	rows := h.backend.rows("commission_payment_verifications")
	if len(rows) != 1 {
		t.Fatalf("expected the audit row to survive reversal, got %d rows", len(rows))
	}
	if rows[0]["reversed_at"] == nil {
		t.Error("expected reversed_at to be stamped")
	}
	if rows[0]["reversal_reason"] != "payment bounced" {
		t.Errorf("expected reversal reason, got %v", rows[0]["reversal_reason"])
	}

	// Double reversal is rejected.
	again := h.do(t, http.MethodPost, "/v1/verifications/"+result.Verification.ID+"/reverse", map[string]any{
		"reason": "twice",
	})
	if again.Code != http.StatusBadRequest {
		t.Errorf("expected 400 on double reverse, got %d", again.Code)
	}
}

func TestIntegration_RedetectionFlow(t *testing.T) {
	h := newHarness(t)
	h.seedPayment("pay-1", "ctr-1", 500, "2026-03-01T00:00:00Z")

	rec := h.do(t, http.MethodPost, "/v1/payments/pay-1/redetect", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d. Body: %s", rec.Code, rec.Body.String())
	}

	var payment domain.CustomerPayment
	decodeInto(t, rec, &payment)
	// Below the amount threshold, the chronologically first payment stays
	// a regular one.
	if payment.InstallmentType != domain.InstallmentRegular {
		t.Errorf("expected regular classification, got %q", payment.InstallmentType)
	}
	if payment.AffectsCommissions {
		t.Error("expected affects_commissions=false for a regular payment")
	}
	if payment.DetectionMetadata == nil {
		t.Fatal("expected detection metadata snapshot")
	}
	if payment.DetectionMetadata.MinimumAmountThreshold != 1000 {
		t.Errorf("expected threshold snapshot 1000, got %v", payment.DetectionMetadata.MinimumAmountThreshold)
	}
}

func TestIntegration_ReadinessProbe(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/readyz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
