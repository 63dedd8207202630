package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pario-ai/budgetd/pkg/budget"
	"github.com/pario-ai/budgetd/pkg/models"
)

// ActorHeader identifies the caller of administrative and status requests.
const ActorHeader = "X-Actor-ID"

const maxBodyBytes = 1 << 20

type checkRequest struct {
	AccountID string `json:"account_id"`
	Plan      string `json:"plan"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	d, err := s.deps.Gate.Check(r.Context(), req.AccountID, req.Plan)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, d)
	case errors.Is(err, budget.ErrBudgetExceeded):
		writeJSONError(w, http.StatusPaymentRequired, budget.ErrBudgetExceeded.Error())
	case errors.Is(err, budget.ErrInvalidAccount):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSONError(w, http.StatusServiceUnavailable, budget.ErrStorageUnavailable.Error())
	}
}

type costRequest struct {
	AccountID      string          `json:"account_id"`
	Plan           string          `json:"plan"`
	Operation      string          `json:"operation"`
	Tier           string          `json:"tier"`
	Model          string          `json:"model"`
	InputUnits     int64           `json:"input_units"`
	OutputUnits    int64           `json:"output_units"`
	CostCents      int64           `json:"cost_cents"`
	LatencyMs      int64           `json:"latency_ms"`
	IdempotencyKey string          `json:"idempotency_key"`
	Metadata       json.RawMessage `json:"metadata"`
}

func (s *Server) handleCost(w http.ResponseWriter, r *http.Request) {
	var req costRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.deps.Recorder.LogCost(r.Context(), budget.CostInput{
		AccountID:      req.AccountID,
		Plan:           req.Plan,
		Operation:      req.Operation,
		Tier:           req.Tier,
		Model:          req.Model,
		InputUnits:     req.InputUnits,
		OutputUnits:    req.OutputUnits,
		CostCents:      req.CostCents,
		Latency:        time.Duration(req.LatencyMs) * time.Millisecond,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	switch {
	case err == nil && res.AlreadyExists:
		writeJSON(w, http.StatusOK, res)
	case err == nil:
		writeJSON(w, http.StatusCreated, res)
	case errors.Is(err, budget.ErrInvalidCost):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSONError(w, http.StatusServiceUnavailable, budget.ErrStorageUnavailable.Error())
	}
}

type adminRequest struct {
	Action string      `json:"action"`
	Params adminParams `json:"params"`
}

type adminParams struct {
	AccountID   string `json:"accountId"`
	BudgetCents *int64 `json:"budgetCents"`
	Reason      string `json:"reason"`
	Plan        string `json:"plan"`
	Limit       int    `json:"limit"`
}

type adminResponse struct {
	Success bool                      `json:"success"`
	Audit   *models.BudgetAuditEntry  `json:"audit,omitempty"`
	Budget  *statusResponse           `json:"budget,omitempty"`
	Entries []models.BudgetAuditEntry `json:"entries,omitempty"`
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	var req adminRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	actor := r.Header.Get(ActorHeader)
	ctx := r.Context()

	switch req.Action {
	case models.ActionUpdateBudget:
		if req.Params.BudgetCents == nil {
			// Privilege is checked before validation.
			if !s.deps.Override.Authorized(ctx, actor) {
				writeJSONError(w, http.StatusForbidden, budget.ErrNotPrivileged.Error())
				return
			}
			writeJSONError(w, http.StatusBadRequest, "budgetCents is required")
			return
		}
		entry, err := s.deps.Override.UpdateBudget(ctx, budget.BudgetUpdate{
			ActorID:     actor,
			AccountID:   req.Params.AccountID,
			BudgetCents: *req.Params.BudgetCents,
			Reason:      req.Params.Reason,
			Plan:        req.Params.Plan,
		})
		if err != nil {
			writeAdminError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, adminResponse{Success: true, Audit: &entry})

	case "get_budget":
		if !s.deps.Override.Authorized(ctx, actor) {
			writeJSONError(w, http.StatusForbidden, budget.ErrNotPrivileged.Error())
			return
		}
		if req.Params.AccountID == "" {
			writeJSONError(w, http.StatusBadRequest, budget.ErrInvalidAccount.Error())
			return
		}
		st, err := s.status(ctx, req.Params.AccountID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, adminResponse{Success: true, Budget: &st})

	case "list_audit":
		if !s.deps.Override.Authorized(ctx, actor) {
			writeJSONError(w, http.StatusForbidden, budget.ErrNotPrivileged.Error())
			return
		}
		entries, err := s.deps.Override.History(ctx, req.Params.AccountID, req.Params.Limit)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if entries == nil {
			entries = []models.BudgetAuditEntry{}
		}
		writeJSON(w, http.StatusOK, adminResponse{Success: true, Entries: entries})

	default:
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action))
	}
}

func writeAdminError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, budget.ErrNotPrivileged):
		writeJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, budget.ErrReasonRequired),
		errors.Is(err, budget.ErrInvalidBudget),
		errors.Is(err, budget.ErrInvalidAccount):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, "budget update failed")
	}
}

type statusResponse struct {
	Account        models.BudgetAccount `json:"account"`
	Exists         bool                 `json:"exists"`
	RemainingCents int64                `json:"remaining_cents"`
	Exceeded       bool                 `json:"exceeded"`
}

func (s *Server) status(ctx context.Context, accountID string) (statusResponse, error) {
	acct, ok, err := s.deps.Gate.Status(ctx, accountID)
	if err != nil {
		return statusResponse{}, err
	}
	st := statusResponse{Account: acct, Exists: ok, RemainingCents: acct.RemainingCents()}
	// An untouched account has no cap yet; it is seeded on first check.
	st.Exceeded = ok && acct.Exceeded()
	return st, nil
}

// handleStatus serves an account's own status, or any account's to a
// privileged actor.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("account_id")
	actor := r.Header.Get(ActorHeader)
	if actor == "" || (actor != accountID && !s.deps.Override.Authorized(r.Context(), actor)) {
		writeJSONError(w, http.StatusForbidden, "not allowed to read this budget")
		return
	}
	st, err := s.status(r.Context(), accountID)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, budget.ErrStorageUnavailable.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Health.Ping(ctx); err != nil {
			s.logger.WarnContext(r.Context(), "health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"budget_error","code":%d}}`, message, code)
}
