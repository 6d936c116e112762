package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agenthub/idcore/internal/cryptoprim"
	"github.com/agenthub/idcore/internal/httpserver"
	"github.com/agenthub/idcore/internal/identityerr"
	"github.com/agenthub/idcore/internal/identitystore"
	"github.com/agenthub/idcore/internal/revocation"
)

// IdentityHandler serves the identity and credential routes (C4, C6; §6
// "Identity").
type IdentityHandler struct {
	store                 *identitystore.Store
	revocations           *revocation.Engine
	identitySigningSecret []byte
}

// NewIdentityHandler creates an IdentityHandler.
func NewIdentityHandler(store *identitystore.Store, revocations *revocation.Engine, identitySigningSecret []byte) *IdentityHandler {
	return &IdentityHandler{store: store, revocations: revocations, identitySigningSecret: identitySigningSecret}
}

type createAgentRequest struct {
	Owner            string         `json:"owner" validate:"required"`
	CredentialType   string         `json:"credential_type" validate:"required,oneof=api_key jwt spiffe mtls"`
	PublicKeyPEM     *string        `json:"public_key_pem,omitempty"`
	HumanPrincipalID *string        `json:"human_principal_id,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

type createAgentResponse struct {
	AgentID        string    `json:"agent_id"`
	CredentialType string    `json:"credential_type"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// CreateAgent handles POST /v1/identity/agents.
func (h *IdentityHandler) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	identity := &identitystore.AgentIdentity{
		AgentID:          "agent_" + uuid.New().String(),
		Owner:            req.Owner,
		CredentialType:   identitystore.CredentialType(req.CredentialType),
		Status:           identitystore.IdentityStatusActive,
		PublicKeyPEM:     req.PublicKeyPEM,
		HumanPrincipalID: req.HumanPrincipalID,
		Metadata:         req.Metadata,
	}
	if err := h.store.CreateIdentity(r.Context(), identity); err != nil {
		httpserver.RespondError(w, identityerr.CodeInternal, "creating agent identity: "+err.Error())
		return
	}

	httpserver.Respond(w, http.StatusCreated, createAgentResponse{
		AgentID:        identity.AgentID,
		CredentialType: string(identity.CredentialType),
		Status:         string(identity.Status),
		CreatedAt:      identity.CreatedAt,
	})
}

type createCredentialRequest struct {
	Scopes     []string `json:"scopes" validate:"required,min=1,dive,required"`
	TTLSeconds int      `json:"ttl_seconds" validate:"required,min=1"`
}

type createCredentialResponse struct {
	CredentialID string    `json:"credential_id"`
	Secret       string    `json:"secret"`
	Scopes       []string  `json:"scopes"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// CreateCredential handles POST /v1/identity/agents/{id}/credentials. The
// plaintext secret is returned exactly once, here, and never again (§8
// property 8).
func (h *IdentityHandler) CreateCredential(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")

	var req createCredentialRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	identity, err := h.store.GetIdentity(r.Context(), agentID)
	if err != nil {
		httpserver.RespondError(w, identityerr.CodeIdentityNotFound, "agent identity not found")
		return
	}
	if identity.Status != identitystore.IdentityStatusActive {
		httpserver.RespondError(w, identityerr.CodeIdentityRevoked, "agent identity is not active")
		return
	}

	secret, err := cryptoprim.RandomSecret(32)
	if err != nil {
		httpserver.RespondError(w, identityerr.CodeInternal, "generating credential secret")
		return
	}

	now := time.Now().UTC()
	cred := &identitystore.AgentCredential{
		CredentialID:   "cred_" + uuid.New().String(),
		AgentID:        agentID,
		CredentialHash: cryptoprim.Hash(h.identitySigningSecret, secret),
		Scopes:         req.Scopes,
		IssuedAt:       now,
		ExpiresAt:      now.Add(time.Duration(req.TTLSeconds) * time.Second),
		Status:         identitystore.CredentialStatusActive,
	}
	if err := h.store.CreateCredential(r.Context(), cred); err != nil {
		httpserver.RespondErrorFields(w, identityerr.CodeSchemaInvalid, err.Error(), map[string]string{"ttl_seconds": "out of bounds"})
		return
	}

	httpserver.Respond(w, http.StatusCreated, createCredentialResponse{
		CredentialID: cred.CredentialID,
		Secret:       secret,
		Scopes:       cred.Scopes,
		ExpiresAt:    cred.ExpiresAt,
	})
}

type rotateCredentialResponse struct {
	CredentialID string    `json:"credential_id"`
	Secret       string    `json:"secret"`
	Scopes       []string  `json:"scopes"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// RotateCredential handles POST /v1/identity/credentials/{id}/rotate: issues
// a successor and marks the predecessor rotated (§4.4).
func (h *IdentityHandler) RotateCredential(w http.ResponseWriter, r *http.Request) {
	predecessorID := chi.URLParam(r, "id")

	predecessor, err := h.store.GetCredential(r.Context(), predecessorID)
	if err != nil {
		httpserver.RespondError(w, identityerr.CodeIdentityCredentialNotFound, "credential not found")
		return
	}

	secret, err := cryptoprim.RandomSecret(32)
	if err != nil {
		httpserver.RespondError(w, identityerr.CodeInternal, "generating credential secret")
		return
	}

	now := time.Now().UTC()
	successor := &identitystore.AgentCredential{
		CredentialID:   "cred_" + uuid.New().String(),
		AgentID:        predecessor.AgentID,
		CredentialHash: cryptoprim.Hash(h.identitySigningSecret, secret),
		Scopes:         predecessor.Scopes,
		IssuedAt:       now,
		ExpiresAt:      now.Add(predecessor.ExpiresAt.Sub(predecessor.IssuedAt)),
		Status:         identitystore.CredentialStatusActive,
	}

	if err := h.store.RotateCredential(r.Context(), predecessorID, successor); err != nil {
		httpserver.RespondError(w, identityerr.CodeInternal, "rotating credential: "+err.Error())
		return
	}

	httpserver.Respond(w, http.StatusCreated, rotateCredentialResponse{
		CredentialID: successor.CredentialID,
		Secret:       secret,
		Scopes:       successor.Scopes,
		ExpiresAt:    successor.ExpiresAt,
	})
}

type revokeCredentialRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// RevokeCredential handles POST /v1/identity/credentials/{id}/revoke.
func (h *IdentityHandler) RevokeCredential(w http.ResponseWriter, r *http.Request) {
	credentialID := chi.URLParam(r, "id")

	var req revokeCredentialRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	actor := principal(r).AgentID
	if actor == "" {
		actor = principal(r).Owner
	}

	if _, err := h.revocations.RevokeCredential(r.Context(), credentialID, req.Reason, actor); err != nil {
		httpserver.RespondError(w, identityerr.CodeIdentityCredentialNotFound, "revoking credential: "+err.Error())
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]string{"credential_id": credentialID, "status": "revoked"})
}

type revokeAgentRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type revokeAgentResponse struct {
	CascadeCount int `json:"cascade_count"`
}

// RevokeAgent handles POST /v1/identity/agents/{id}/revoke — the kill
// switch (C6, §4.6).
func (h *IdentityHandler) RevokeAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")

	var req revokeAgentRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	actor := principal(r).AgentID
	if actor == "" {
		actor = principal(r).Owner
	}

	event, err := h.revocations.RevokeAgent(r.Context(), agentID, req.Reason, actor)
	if err != nil {
		httpserver.RespondError(w, identityerr.CodeIdentityNotFound, "revoking agent: "+err.Error())
		return
	}

	httpserver.Respond(w, http.StatusOK, revokeAgentResponse{CascadeCount: event.CascadeCount})
}

type bulkRevokeRequest struct {
	Owner  string `json:"owner" validate:"required"`
	Reason string `json:"reason" validate:"required"`
}

type bulkRevokeResponse struct {
	CascadeCount int `json:"cascade_count"`
	AgentsRevoked int `json:"agents_revoked"`
}

// BulkRevoke handles POST /v1/identity/revocations/bulk: applies the kill
// switch to every identity owned by a principal (§4.6).
func (h *IdentityHandler) BulkRevoke(w http.ResponseWriter, r *http.Request) {
	var req bulkRevokeRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	actor := principal(r).AgentID
	if actor == "" {
		actor = principal(r).Owner
	}

	events, err := h.revocations.RevokeAllForOwner(r.Context(), req.Owner, req.Reason, actor)
	if err != nil {
		httpserver.RespondError(w, identityerr.CodeInternal, "bulk revoking: "+err.Error())
		return
	}

	total := 0
	for _, ev := range events {
		total += ev.CascadeCount
	}
	httpserver.Respond(w, http.StatusOK, bulkRevokeResponse{CascadeCount: total, AgentsRevoked: len(events)})
}

// ListRevocations handles GET /v1/identity/revocations.
func (h *IdentityHandler) ListRevocations(w http.ResponseWriter, r *http.Request) {
	events, err := h.revocations.ListEvents(r.Context(), 50)
	if err != nil {
		httpserver.RespondError(w, identityerr.CodeInternal, "listing revocation events: "+err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"events": events})
}

// Mount registers the identity handler's routes onto r, which the caller
// has already scoped to /v1/identity — shared with FederationHandler.Mount
// since both hang routes off /agents/{id}/... (§6 "Identity"). idempotent
// wraps only the mutating routes spec.md §6 requires an Idempotency-Key
// header for; GET routes are left unwrapped.
func (h *IdentityHandler) Mount(r chi.Router, idempotent func(http.Handler) http.Handler) {
	r.With(idempotent).Post("/agents", h.CreateAgent)
	r.With(idempotent).Post("/agents/{id}/credentials", h.CreateCredential)
	r.With(idempotent).Post("/credentials/{id}/rotate", h.RotateCredential)
	r.With(idempotent).Post("/credentials/{id}/revoke", h.RevokeCredential)
	r.With(idempotent).Post("/agents/{id}/revoke", h.RevokeAgent)
	r.With(idempotent).Post("/revocations/bulk", h.BulkRevoke)
	r.Get("/revocations", h.ListRevocations)
}
