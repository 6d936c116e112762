package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agenthub/idcore/internal/federation"
	"github.com/agenthub/idcore/internal/httpserver"
	"github.com/agenthub/idcore/internal/identityerr"
)

// FederationHandler serves the federation trust-registry routes (C11; §6
// "Federation trust").
type FederationHandler struct {
	registry *federation.Registry
}

// NewFederationHandler creates a FederationHandler.
func NewFederationHandler(registry *federation.Registry) *FederationHandler {
	return &FederationHandler{registry: registry}
}

type registerDomainRequest struct {
	DisplayName   string   `json:"display_name" validate:"required"`
	TrustLevel    string   `json:"trust_level" validate:"required,oneof=basic verified internal"`
	PublicKeyPEM  *string  `json:"public_key_pem,omitempty"`
	AllowedScopes []string `json:"allowed_scopes" validate:"required,min=1,dive,required"`
}

type domainResponse struct {
	DomainID      string    `json:"domain_id"`
	DisplayName   string    `json:"display_name"`
	TrustLevel    string    `json:"trust_level"`
	AllowedScopes []string  `json:"allowed_scopes"`
	CreatedAt     time.Time `json:"created_at"`
}

// RegisterDomain handles POST /v1/identity/trust-registry/domains — admin
// only (§4.11); the admin gate is the caller holding the platform wildcard
// scope, i.e. having authenticated via X-API-Key.
func (h *FederationHandler) RegisterDomain(w http.ResponseWriter, r *http.Request) {
	if !principal(r).HasScope("*") {
		httpserver.RespondError(w, identityerr.CodeAuthInsufficientScope, "domain registration requires platform API key auth")
		return
	}

	var req registerDomainRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	domain, err := h.registry.RegisterDomain(r.Context(), req.DisplayName, federation.TrustLevel(req.TrustLevel), req.PublicKeyPEM, req.AllowedScopes)
	if err != nil {
		httpserver.RespondError(w, identityerr.CodeInternal, "registering domain: "+err.Error())
		return
	}

	httpserver.Respond(w, http.StatusCreated, domainResponse{
		DomainID:      domain.DomainID,
		DisplayName:   domain.DisplayName,
		TrustLevel:    string(domain.TrustLevel),
		AllowedScopes: domain.AllowedScopes,
		CreatedAt:     domain.CreatedAt,
	})
}

type attestRequest struct {
	DomainID   string         `json:"domain_id" validate:"required"`
	Claims     map[string]any `json:"claims,omitempty"`
	Scopes     []string       `json:"scopes" validate:"required,min=1,dive,required"`
	TTLSeconds int            `json:"ttl_seconds" validate:"required,min=1"`
}

type attestResponse struct {
	AttestationID string    `json:"attestation_id"`
	AgentID       string    `json:"agent_id"`
	DomainID      string    `json:"domain_id"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Attest handles POST /v1/identity/agents/{id}/attest (§4.11).
func (h *FederationHandler) Attest(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")

	var req attestRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	a, err := h.registry.Attest(r.Context(), federation.AttestParams{
		AgentID:         agentID,
		DomainID:        req.DomainID,
		Claims:          req.Claims,
		RequestedScopes: req.Scopes,
		TTLSeconds:      req.TTLSeconds,
	})
	if err != nil {
		switch {
		case errors.Is(err, federation.ErrNotFound):
			httpserver.RespondError(w, identityerr.CodeFederationDomainNotFound, "issuing attestation: "+err.Error())
		case errors.Is(err, federation.ErrScopeNotAllowed):
			httpserver.RespondError(w, identityerr.CodeFederationScopeNotAllowed, "issuing attestation: "+err.Error())
		default:
			httpserver.RespondError(w, identityerr.CodeInternal, "issuing attestation: "+err.Error())
		}
		return
	}

	httpserver.Respond(w, http.StatusCreated, attestResponse{
		AttestationID: a.AttestationID,
		AgentID:       a.AgentID,
		DomainID:      a.DomainID,
		IssuedAt:      a.IssuedAt,
		ExpiresAt:     a.ExpiresAt,
	})
}

// VerifyAttestation handles GET /v1/identity/attestations/{id}/verify (§4.11).
func (h *FederationHandler) VerifyAttestation(w http.ResponseWriter, r *http.Request) {
	attestationID := chi.URLParam(r, "id")

	result, err := h.registry.Verify(r.Context(), attestationID)
	if err != nil {
		httpserver.RespondError(w, identityerr.CodeNotFound, "verifying attestation: "+err.Error())
		return
	}

	httpserver.Respond(w, http.StatusOK, result)
}

// Mount registers the federation handler's routes onto r, which the caller
// has already scoped to /v1/identity — shared with IdentityHandler.Mount.
// idempotent wraps domain registration only: attestation issuance is
// excluded (§9 design note — it is idempotent by signature, and re-issuing
// on retry is the correct behavior, not a conflict).
func (h *FederationHandler) Mount(r chi.Router, idempotent func(http.Handler) http.Handler) {
	r.With(idempotent).Post("/trust-registry/domains", h.RegisterDomain)
	r.Post("/agents/{id}/attest", h.Attest)
	r.Get("/attestations/{id}/verify", h.VerifyAttestation)
}
