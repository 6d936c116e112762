package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/agenthub/idcore/internal/budget"
	"github.com/agenthub/idcore/internal/httpserver"
	"github.com/agenthub/idcore/internal/identityerr"
	"github.com/agenthub/idcore/internal/lifecycle"
	"github.com/agenthub/idcore/internal/policy"
)

// DelegationContractVersion is the frozen version constant returned by
// GET /v1/delegations/contract (§6).
const DelegationContractVersion = "delegation-contract-v2"

// DelegationsHandler serves the delegation-lifecycle routes (C9; §6
// "Delegation lifecycle").
type DelegationsHandler struct {
	engine *lifecycle.Engine
}

// NewDelegationsHandler creates a DelegationsHandler.
func NewDelegationsHandler(engine *lifecycle.Engine) *DelegationsHandler {
	return &DelegationsHandler{engine: engine}
}

type createDelegationRequest struct {
	RequesterAgentID      string         `json:"requester_agent_id" validate:"required"`
	DelegateAgentID       string         `json:"delegate_agent_id" validate:"required"`
	TaskSpec              map[string]any `json:"task_spec,omitempty"`
	EstimatedCostUSD      float64        `json:"estimated_cost_usd" validate:"required,gte=0"`
	MaxBudgetUSD          float64        `json:"max_budget_usd" validate:"required,gte=0"`
	SimulatedActualCostUSD *float64      `json:"simulated_actual_cost_usd,omitempty"`
}

type delegationResponse struct {
	DelegationID string   `json:"delegation_id"`
	Status       string   `json:"status"`
	Stage        string   `json:"stage"`
	Warnings     []string `json:"warnings,omitempty"`
}

// Create handles POST /v1/delegations (§4.9, §6). A rejected breaker returns
// 503; a fast-failed policy decision during discovery returns 403.
func (h *DelegationsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createDelegationRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	p := principal(r)
	rec, err := h.engine.Create(r.Context(), lifecycle.CreateParams{
		RequesterAgentID:       req.RequesterAgentID,
		DelegateAgentID:        req.DelegateAgentID,
		TokenID:                p.TokenID,
		TaskSpec:               req.TaskSpec,
		EstimatedCostUSD:       req.EstimatedCostUSD,
		MaxBudgetUSD:           req.MaxBudgetUSD,
		SimulatedActualCostUSD: req.SimulatedActualCostUSD,
		Principal:              policy.PrincipalContext{TenantID: p.Owner, AllowedActions: p.Scopes},
		Resource:               policy.ResourceContext{TenantID: p.Owner},
		Action:                 "delegation.execute",
	})

	if err != nil {
		if errors.Is(err, lifecycle.ErrBreakerOpen) {
			httpserver.RespondError(w, identityerr.CodeBreakerOpen, "circuit breaker is open")
			return
		}
		var pd *lifecycle.ErrPolicyDenied
		if errors.As(err, &pd) {
			httpserver.RespondError(w, identityerr.CodeABACActionNotAllowed, err.Error())
			return
		}
		if errors.Is(err, budget.ErrHardStop) {
			httpserver.RespondError(w, identityerr.CodeBudgetHardStop, err.Error())
			return
		}
		if errors.Is(err, budget.ErrReauthRequired) {
			httpserver.RespondError(w, identityerr.CodeBudgetReauthRequired, err.Error())
			return
		}
		if rec == nil {
			httpserver.RespondError(w, identityerr.CodeInternal, "creating delegation: "+err.Error())
			return
		}
		// The record persisted before failing mid-lifecycle; surface it with
		// its terminal status rather than masking it as a request error.
		httpserver.Respond(w, http.StatusOK, delegationResponse{
			DelegationID: rec.DelegationID,
			Status:       string(rec.Status),
			Stage:        string(rec.Stage),
		})
		return
	}

	httpserver.Respond(w, http.StatusCreated, delegationResponse{
		DelegationID: rec.DelegationID,
		Status:       string(rec.Status),
		Stage:        string(rec.Stage),
		Warnings:     rec.Warnings,
	})
}

type delegationStatusResponse struct {
	DelegationID     string   `json:"delegation_id"`
	Status           string   `json:"status"`
	Stage            string   `json:"stage"`
	EstimatedCostUSD float64  `json:"estimated_cost_usd"`
	ActualCostUSD    *float64 `json:"actual_cost_usd,omitempty"`
	MaxBudgetUSD     float64  `json:"max_budget_usd"`
	AttemptCount     int      `json:"attempt_count"`
	LastError        *string  `json:"last_error,omitempty"`
}

// Status handles GET /v1/delegations/{id}/status (§6).
func (h *DelegationsHandler) Status(w http.ResponseWriter, r *http.Request) {
	delegationID := chi.URLParam(r, "id")

	rec, err := h.engine.Get(r.Context(), delegationID)
	if err != nil {
		httpserver.RespondError(w, identityerr.CodeNotFound, "delegation not found")
		return
	}

	httpserver.Respond(w, http.StatusOK, delegationStatusResponse{
		DelegationID:     rec.DelegationID,
		Status:           string(rec.Status),
		Stage:            string(rec.Stage),
		EstimatedCostUSD: rec.EstimatedCostUSD,
		ActualCostUSD:    rec.ActualCostUSD,
		MaxBudgetUSD:     rec.MaxBudgetUSD,
		AttemptCount:     rec.AttemptCount,
		LastError:        rec.LastError,
	})
}

type delegationContractResponse struct {
	Version     string                          `json:"version"`
	RetryMatrix map[string]lifecycle.RetryPolicy `json:"retry_matrix"`
	Thresholds  [3]int                          `json:"thresholds"`
}

// Contract handles GET /v1/delegations/contract — the frozen version
// constant, retry matrix, and budget thresholds (§6, §4.8).
func (h *DelegationsHandler) Contract(w http.ResponseWriter, r *http.Request) {
	matrix := make(map[string]lifecycle.RetryPolicy, len(lifecycle.RetryMatrix))
	for class, rp := range lifecycle.RetryMatrix {
		matrix[string(class)] = rp
	}

	httpserver.Respond(w, http.StatusOK, delegationContractResponse{
		Version:     DelegationContractVersion,
		RetryMatrix: matrix,
		Thresholds:  [3]int{80, 100, 120},
	})
}

// Mount registers the delegation-lifecycle routes onto r, scoped by the
// caller to /v1/delegations. idempotent wraps Create, the only mutating
// route in this group.
func (h *DelegationsHandler) Mount(r chi.Router, idempotent func(http.Handler) http.Handler) {
	r.With(idempotent).Post("/", h.Create)
	r.Get("/contract", h.Contract)
	r.Get("/{id}/status", h.Status)
}

// parseWindowSize parses the window_size query parameter, defaulting to def
// and clamping to [1,1000] (§4.10).
func parseWindowSize(r *http.Request, def int) int {
	raw := r.URL.Query().Get("window_size")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	if n > 1000 {
		n = 1000
	}
	return n
}
