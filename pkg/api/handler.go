package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mihaimyh/gocredit/pkg/credit"
)

const (
	maxUserIDLen    = 255
	maxRequestBytes = 1 << 20
)

// Handler provides HTTP endpoints for ledger inspection and administration
type Handler struct {
	config Config
	logger credit.Logger
}

// Routes returns the API router:
//
//	GET  /accounts/{userID}  (the user or an admin)
//	POST /recharges          (admin)
//	GET  /recharges          (admin) ?page=&size=
//	GET  /jobs               (admin) ?user=
//	POST /jobs/sweep         (admin)
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/accounts/{userID}", h.GetAccount)
	r.Group(func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Post("/recharges", h.Recharge)
		r.Get("/recharges", h.RechargeHistory)
		r.Get("/jobs", h.ListJobs)
		r.Post("/jobs/sweep", h.Sweep)
	})
	return r
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		operator := h.config.GetOperator(r)
		if operator == "" {
			h.handleError(w, r, fmt.Errorf("operator not found"), http.StatusUnauthorized)
			return
		}
		if !h.config.Manager.IsAdmin(operator) {
			h.handleError(w, r, fmt.Errorf("operator %q is not an admin", operator), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetAccount returns the effective balance of a user. Unknown users get the
// standing of a fresh account. Only the user and admins may read it.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" || len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return
	}

	operator := h.config.GetOperator(r)
	if operator == "" {
		h.handleError(w, r, fmt.Errorf("operator not found"), http.StatusUnauthorized)
		return
	}
	if operator != userID && !h.config.Manager.IsAdmin(operator) {
		h.handleError(w, r, fmt.Errorf("operator %q may not read account %q", operator, userID), http.StatusForbidden)
		return
	}

	bal, err := h.config.Manager.Balance(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get balance: %w", err), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, NewAccountResponse(bal))
}

// Recharge credits purchased units and records the operation
func (h *Handler) Recharge(w http.ResponseWriter, r *http.Request) {
	var body RechargeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}

	rec, err := h.config.Manager.Recharge(r.Context(), credit.RechargeRequest{
		ID:       body.ID,
		Type:     body.Type,
		Operator: h.config.GetOperator(r),
		Users:    body.Users,
		Amount:   body.Amount,
		Note:     body.Note,
	})
	if err != nil {
		var verr *credit.ValidationError
		switch {
		case errors.As(err, &verr):
			h.handleError(w, r, err, http.StatusBadRequest)
		case errors.Is(err, credit.ErrDuplicateRecharge):
			h.handleError(w, r, err, http.StatusConflict)
		default:
			h.handleError(w, r, fmt.Errorf("recharge failed: %w", err), http.StatusInternalServerError)
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, rec)
}

// RechargeHistory returns one page of the recharge history
func (h *Handler) RechargeHistory(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	size, err := queryInt(r, "size", 0)
	if err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}

	out, err := h.config.Manager.RechargeHistory(r.Context(), page, size)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to read recharge history: %w", err), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, NewRechargeHistoryResponse(out))
}

// ListJobs lists pending jobs, optionally of one user
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.config.Manager.ListPendingJobs(r.Context(), r.URL.Query().Get("user"))
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list pending jobs: %w", err), http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []*credit.PendingJob{}
	}
	h.writeJSON(w, http.StatusOK, JobsResponse{Jobs: jobs})
}

// Sweep runs one pending job sweep
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	if h.config.Orchestrator == nil {
		h.handleError(w, r, fmt.Errorf("no orchestrator configured"), http.StatusNotImplemented)
		return
	}

	report, err := h.config.Orchestrator.Sweep(r.Context())
	if err != nil {
		h.handleError(w, r, fmt.Errorf("sweep failed: %w", err), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, SweepResponse{
		Checked: report.Checked,
		Charged: report.Charged,
		Failed:  report.Failed,
		Expired: report.Expired,
		Errors:  report.Errors,
	})
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", credit.ErrorField(err))
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err, statusCode)
		return
	}
	if statusCode >= http.StatusInternalServerError {
		h.logger.Error("api request failed",
			credit.Field{Key: "path", Value: r.URL.Path},
			credit.ErrorField(err))
	}
	h.writeJSON(w, statusCode, map[string]string{"error": err.Error()})
}
