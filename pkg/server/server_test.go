package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pario-ai/budgetd/pkg/budget"
	"github.com/pario-ai/budgetd/pkg/ledger/sqlite"
	"github.com/pario-ai/budgetd/pkg/roles"
)

func setupServer(t *testing.T) (*Server, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "server_test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reg := prometheus.NewRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts := budget.Options{
		Store:      store,
		Privileges: roles.NewStatic("admin-1"),
		Plans:      budget.Plans{Fallback: "free", Caps: map[string]int64{"free": 75}},
		Timeout:    time.Second,
		Retry:      budget.RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond},
		Logger:     logger,
		Metrics:    budget.NewMetrics(reg),
	}
	srv := New(":0", Deps{
		Gate:     budget.NewGate(opts),
		Recorder: budget.NewRecorder(opts),
		Override: budget.NewOverride(opts),
		Health:   store,
		Gatherer: reg,
		Logger:   logger,
	})
	return srv, store
}

func do(t *testing.T, srv *Server, method, path, actor, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(ActorHeader, actor)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func logCost(t *testing.T, srv *Server, key string, cents int) *httptest.ResponseRecorder {
	t.Helper()
	body := `{"account_id":"u1","operation":"extract","tier":"standard","model":"m","input_units":10,` +
		`"output_units":5,"cost_cents":` + strconv.Itoa(cents) + `,"latency_ms":250,"idempotency_key":"` + key + `","metadata":{"doc":"d1"}}`
	return do(t, srv, http.MethodPost, "/v1/metered/cost", "", body)
}

func TestCheckAdmitsAndDenies(t *testing.T) {
	srv, _ := setupServer(t)

	w := do(t, srv, http.MethodPost, "/v1/metered/check", "", `{"account_id":"u1","plan":"free"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var d budget.Decision
	decode(t, w, &d)
	if !d.Admitted || d.Account.BudgetCents != 75 {
		t.Errorf("unexpected decision: %+v", d)
	}
	if w.Header().Get(RequestIDHeader) == "" {
		t.Error("expected request id header")
	}

	if w := logCost(t, srv, "K-big", 80); w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, srv, http.MethodPost, "/v1/metered/check", "", `{"account_id":"u1","plan":"free"}`)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", w.Code, w.Body.String())
	}
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	decode(t, w, &e)
	if e.Error.Message != "monthly AI budget exceeded" {
		t.Errorf("unexpected message %q", e.Error.Message)
	}
}

func TestCheckBadRequest(t *testing.T) {
	srv, _ := setupServer(t)
	if w := do(t, srv, http.MethodPost, "/v1/metered/check", "", `{"plan":"free"}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing account: expected 400, got %d", w.Code)
	}
	if w := do(t, srv, http.MethodPost, "/v1/metered/check", "", `not json`); w.Code != http.StatusBadRequest {
		t.Errorf("bad json: expected 400, got %d", w.Code)
	}
	if w := do(t, srv, http.MethodGet, "/v1/metered/check", "", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: expected 405, got %d", w.Code)
	}
}

func TestStorageDownFailsClosed(t *testing.T) {
	srv, store := setupServer(t)
	_ = store.Close()

	if w := do(t, srv, http.MethodPost, "/v1/metered/check", "", `{"account_id":"u1"}`); w.Code != http.StatusServiceUnavailable {
		t.Errorf("check: expected 503, got %d", w.Code)
	}
	if w := logCost(t, srv, "K", 1); w.Code != http.StatusServiceUnavailable {
		t.Errorf("cost: expected 503, got %d", w.Code)
	}
	if w := do(t, srv, http.MethodGet, "/healthz", "", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("healthz: expected 503, got %d", w.Code)
	}
}

func TestCostIdempotent(t *testing.T) {
	srv, store := setupServer(t)

	w := logCost(t, srv, "K", 1)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var res budget.CostResult
	decode(t, w, &res)
	if res.AlreadyExists || res.Entry.LatencyMs != 250 {
		t.Errorf("unexpected result: %+v", res)
	}

	w = logCost(t, srv, "K", 1)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for duplicate, got %d", w.Code)
	}
	decode(t, w, &res)
	if !res.AlreadyExists {
		t.Error("expected already_exists")
	}

	a, err := store.Account(t.Context(), "u1", res.MonthStart)
	if err != nil {
		t.Fatal(err)
	}
	if a.SpendCents != 1 {
		t.Errorf("expected spend 1, got %d", a.SpendCents)
	}

	if w := logCost(t, srv, "K-neg", -3); w.Code != http.StatusBadRequest {
		t.Errorf("negative cost: expected 400, got %d", w.Code)
	}
}

func TestAdminUpdateBudget(t *testing.T) {
	srv, _ := setupServer(t)
	body := `{"action":"update_budget","params":{"accountId":"U","budgetCents":100,"reason":"R"}}`

	w := do(t, srv, http.MethodPost, "/v1/admin", "admin-1", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp adminResponse
	decode(t, w, &resp)
	if !resp.Success || resp.Audit == nil {
		t.Fatalf("unexpected response: %s", w.Body.String())
	}
	if resp.Audit.PreviousBudgetCents != 75 || resp.Audit.NewBudgetCents != 100 || resp.Audit.ActorID != "admin-1" {
		t.Errorf("unexpected audit: %+v", resp.Audit)
	}

	w = do(t, srv, http.MethodPost, "/v1/admin", "admin-1", `{"action":"list_audit","params":{"accountId":"U"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("list_audit: expected 200, got %d", w.Code)
	}
	decode(t, w, &resp)
	if len(resp.Entries) != 1 {
		t.Errorf("expected one audit entry, got %d", len(resp.Entries))
	}

	w = do(t, srv, http.MethodPost, "/v1/admin", "admin-1", `{"action":"get_budget","params":{"accountId":"U"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("get_budget: expected 200, got %d", w.Code)
	}
	decode(t, w, &resp)
	if resp.Budget == nil || resp.Budget.Account.BudgetCents != 100 || !resp.Budget.Exists {
		t.Errorf("unexpected budget: %s", w.Body.String())
	}
}

func TestAdminRejections(t *testing.T) {
	tests := []struct {
		name  string
		actor string
		body  string
		code  int
	}{
		{"not privileged", "u2", `{"action":"update_budget","params":{"accountId":"U","budgetCents":100,"reason":"R"}}`, http.StatusForbidden},
		{"no actor", "", `{"action":"update_budget","params":{"accountId":"U","budgetCents":100,"reason":"R"}}`, http.StatusForbidden},
		{"blank reason", "admin-1", `{"action":"update_budget","params":{"accountId":"U","budgetCents":100,"reason":" "}}`, http.StatusBadRequest},
		{"negative budget", "admin-1", `{"action":"update_budget","params":{"accountId":"U","budgetCents":-5,"reason":"R"}}`, http.StatusBadRequest},
		{"missing budget", "admin-1", `{"action":"update_budget","params":{"accountId":"U","reason":"R"}}`, http.StatusBadRequest},
		{"missing budget unprivileged", "u2", `{"action":"update_budget","params":{"accountId":"U","reason":"R"}}`, http.StatusForbidden},
		{"read unprivileged", "u2", `{"action":"list_audit","params":{}}`, http.StatusForbidden},
		{"unknown action", "admin-1", `{"action":"drop_tables","params":{}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := setupServer(t)
			w := do(t, srv, http.MethodPost, "/v1/admin", tt.actor, tt.body)
			if w.Code != tt.code {
				t.Fatalf("expected %d, got %d: %s", tt.code, w.Code, w.Body.String())
			}

			w = do(t, srv, http.MethodPost, "/v1/admin", "admin-1", `{"action":"list_audit","params":{"accountId":"U"}}`)
			var resp adminResponse
			decode(t, w, &resp)
			if len(resp.Entries) != 0 {
				t.Errorf("rejected request wrote audit entries: %+v", resp.Entries)
			}
		})
	}
}

func TestStatusAccess(t *testing.T) {
	srv, _ := setupServer(t)
	if w := logCost(t, srv, "K", 20); w.Code != http.StatusCreated {
		t.Fatal(w.Body.String())
	}

	w := do(t, srv, http.MethodGet, "/v1/budget/u1", "u1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("own status: expected 200, got %d", w.Code)
	}
	var st statusResponse
	decode(t, w, &st)
	if !st.Exists || st.RemainingCents != 55 || st.Exceeded {
		t.Errorf("unexpected status: %+v", st)
	}

	if w := do(t, srv, http.MethodGet, "/v1/budget/u1", "u2", ""); w.Code != http.StatusForbidden {
		t.Errorf("foreign status: expected 403, got %d", w.Code)
	}
	if w := do(t, srv, http.MethodGet, "/v1/budget/u1", "admin-1", ""); w.Code != http.StatusOK {
		t.Errorf("privileged status: expected 200, got %d", w.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := setupServer(t)

	if w := do(t, srv, http.MethodGet, "/healthz", "", ""); w.Code != http.StatusOK {
		t.Errorf("healthz: expected 200, got %d", w.Code)
	}

	do(t, srv, http.MethodPost, "/v1/metered/check", "", `{"account_id":"u1"}`)
	w := do(t, srv, http.MethodGet, "/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `budgetd_checks_total{result="admitted"} 1`) {
		t.Errorf("metrics missing check counter:\n%s", w.Body.String())
	}
}

func TestRequestIDPropagated(t *testing.T) {
	srv, _ := setupServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if got := w.Header().Get(RequestIDHeader); got != "req-123" {
		t.Errorf("expected caller request id, got %q", got)
	}
}
