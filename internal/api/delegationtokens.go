package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agenthub/idcore/internal/delegationtoken"
	"github.com/agenthub/idcore/internal/httpserver"
	"github.com/agenthub/idcore/internal/identityerr"
)

// DelegationTokenHandler serves the delegation-token routes (C5; §6
// "Delegation tokens").
type DelegationTokenHandler struct {
	engine *delegationtoken.Engine
}

// NewDelegationTokenHandler creates a DelegationTokenHandler.
func NewDelegationTokenHandler(engine *delegationtoken.Engine) *DelegationTokenHandler {
	return &DelegationTokenHandler{engine: engine}
}

type issueTokenRequest struct {
	IssuerAgentID   string   `json:"issuer_agent_id" validate:"required"`
	SubjectAgentID  string   `json:"subject_agent_id" validate:"required"`
	DelegatedScopes []string `json:"delegated_scopes" validate:"required,min=1,dive,required"`
	TTLSeconds      int64    `json:"ttl_seconds" validate:"required,min=1"`
	ParentTokenID   *string  `json:"parent_token_id,omitempty"`
}

type issueTokenResponse struct {
	TokenID     string    `json:"token_id"`
	SignedToken string    `json:"signed_token"`
	ChainDepth  int       `json:"chain_depth"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Issue handles POST /v1/identity/delegation-tokens (§4.5).
func (h *DelegationTokenHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.engine.Issue(r.Context(), delegationtoken.IssueParams{
		IssuerAgentID:   req.IssuerAgentID,
		SubjectAgentID:  req.SubjectAgentID,
		DelegatedScopes: req.DelegatedScopes,
		TTLSeconds:      req.TTLSeconds,
		ParentTokenID:   req.ParentTokenID,
	})
	if err != nil {
		writeIssueError(w, err)
		return
	}

	httpserver.Respond(w, http.StatusCreated, issueTokenResponse{
		TokenID:     result.TokenID,
		SignedToken: result.SignedToken,
		ChainDepth:  result.ChainDepth,
		ExpiresAt:   result.ExpiresAt,
	})
}

func writeIssueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, delegationtoken.ErrChainTooDeep):
		httpserver.RespondError(w, identityerr.CodeIdentityChainTooDeep, err.Error())
	case errors.Is(err, delegationtoken.ErrScopeNotAttenuated):
		httpserver.RespondError(w, identityerr.CodeIdentityScopeNotAttenuated, err.Error())
	case errors.Is(err, delegationtoken.ErrRevoked):
		httpserver.RespondError(w, identityerr.CodeIdentityRevoked, err.Error())
	case errors.Is(err, delegationtoken.ErrExpired):
		httpserver.RespondError(w, identityerr.CodeIdentityExpired, err.Error())
	case errors.Is(err, delegationtoken.ErrInsufficientScope):
		httpserver.RespondError(w, identityerr.CodeAuthInsufficientScope, err.Error())
	case errors.Is(err, delegationtoken.ErrNotFound):
		httpserver.RespondError(w, identityerr.CodeIdentityNotFound, err.Error())
	default:
		httpserver.RespondError(w, identityerr.CodeIdentityNotFound, err.Error())
	}
}

type verifyTokenRequest struct {
	SignedToken string `json:"signed_token" validate:"required"`
}

type verifyTokenResponse struct {
	Valid           bool                              `json:"valid"`
	EffectiveScopes []string                          `json:"effective_scopes"`
	Chain           []*delegationtoken.DelegationToken `json:"chain"`
}

// Verify handles POST /v1/identity/delegation-tokens/verify (§4.5).
func (h *DelegationTokenHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyTokenRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.engine.Verify(r.Context(), req.SignedToken)
	if err != nil {
		httpserver.RespondError(w, identityerr.CodeIdentityChainInvalid, err.Error())
		return
	}

	httpserver.Respond(w, http.StatusOK, verifyTokenResponse{
		Valid:           result.Valid,
		EffectiveScopes: result.EffectiveScopes,
		Chain:           result.Chain,
	})
}

// Chain handles GET /v1/identity/delegation-tokens/{id}/chain (audit
// listing, §4.5).
func (h *DelegationTokenHandler) Chain(w http.ResponseWriter, r *http.Request) {
	tokenID := chi.URLParam(r, "id")

	chain, err := h.engine.Chain(r.Context(), tokenID)
	if err != nil {
		httpserver.RespondError(w, identityerr.CodeIdentityNotFound, "loading token chain: "+err.Error())
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{"chain": chain})
}

// Routes returns the delegation-token handler's chi.Router, mounted at
// /v1/identity/delegation-tokens by the caller.
func (h *DelegationTokenHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Issue)
	r.Post("/verify", h.Verify)
	r.Get("/{id}/chain", h.Chain)
	return r
}
