// Package federation implements the federation trust registry (C11):
// domain registration and agent attestation issue/verify, grounded in
// Generativebots' federation.HandshakeStateMachine concept of a named
// cross-domain session re-architected onto spec.md's simpler
// register-domain/attest/verify contract — no handshake state machine is
// required here since trust is asserted, not negotiated.
package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agenthub/idcore/internal/cryptoprim"
)

// TrustLevel enumerates how much a domain's attestations are trusted.
type TrustLevel string

const (
	TrustLevelBasic    TrustLevel = "basic"
	TrustLevelVerified TrustLevel = "verified"
	TrustLevelInternal TrustLevel = "internal"
)

// AttestationFormat is the fixed provenance signature format (§9 open
// question 3): kept distinct from the identity/delegation/policy signing
// secrets by construction — Registry never accepts those secrets.
const AttestationFormat = "provenance-v1"

// ErrNotFound is returned when a domain or attestation lookup misses.
var ErrNotFound = errors.New("federation: not found")

// Domain is a registered trust-registry entry (§4.11).
type Domain struct {
	DomainID      string
	DisplayName   string
	TrustLevel    TrustLevel
	PublicKeyPEM  *string
	AllowedScopes []string
	CreatedAt     time.Time
}

// Attestation is a signed assertion that an agent satisfies a domain's
// claims (§4.11, GLOSSARY).
type Attestation struct {
	AttestationID string
	AgentID       string
	DomainID      string
	Claims        map[string]any
	Scopes        []string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	Signature     string
}

// envelope is the canonical form signed over an attestation (§4.11).
type envelope struct {
	AttestationID string         `json:"attestation_id"`
	AgentID       string         `json:"agent_id"`
	DomainID      string         `json:"domain_id"`
	Claims        map[string]any `json:"claims"`
	IssuedAt      int64          `json:"issued_at"`
	ExpiresAt     int64          `json:"expires_at"`
}

func canonicalEnvelope(a *Attestation) ([]byte, error) {
	return cryptoprim.Canonical(envelope{
		AttestationID: a.AttestationID,
		AgentID:       a.AgentID,
		DomainID:      a.DomainID,
		Claims:        a.Claims,
		IssuedAt:      a.IssuedAt.Unix(),
		ExpiresAt:     a.ExpiresAt.Unix(),
	})
}

// Registry persists trust-registry domains and attestations and signs/
// verifies attestations with the process-wide provenance signing secret.
type Registry struct {
	pool   *pgxpool.Pool
	secret []byte
}

// NewRegistry creates a Registry. secret must be the dedicated provenance
// signing secret — never the identity, delegation, or policy secret (§9).
func NewRegistry(pool *pgxpool.Pool, provenanceSigningSecret []byte) *Registry {
	return &Registry{pool: pool, secret: provenanceSigningSecret}
}

// RegisterDomain creates a trust-registry domain (§4.11, admin only — the
// caller is responsible for the admin-scope check before calling this).
func (r *Registry) RegisterDomain(ctx context.Context, displayName string, trustLevel TrustLevel, publicKeyPEM *string, allowedScopes []string) (*Domain, error) {
	scopesJSON, err := json.Marshal(allowedScopes)
	if err != nil {
		return nil, fmt.Errorf("marshaling allowed scopes: %w", err)
	}

	d := &Domain{
		DomainID:      "domain_" + uuid.New().String(),
		DisplayName:   displayName,
		TrustLevel:    trustLevel,
		PublicKeyPEM:  publicKeyPEM,
		AllowedScopes: allowedScopes,
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO trusted_domains (domain_id, display_name, trust_level, public_key_pem, allowed_scopes, created_at)
		VALUES ($1,$2,$3,$4,$5, now())
		RETURNING created_at`,
		d.DomainID, d.DisplayName, d.TrustLevel, d.PublicKeyPEM, scopesJSON,
	)
	if err := row.Scan(&d.CreatedAt); err != nil {
		return nil, fmt.Errorf("inserting trusted domain: %w", err)
	}
	return d, nil
}

// GetDomain loads a registered domain by ID.
func (r *Registry) GetDomain(ctx context.Context, domainID string) (*Domain, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT domain_id, display_name, trust_level, public_key_pem, allowed_scopes, created_at
		FROM trusted_domains WHERE domain_id=$1`, domainID,
	)
	return scanDomain(row)
}

func scanDomain(row pgx.Row) (*Domain, error) {
	var d Domain
	var scopesJSON []byte
	if err := row.Scan(&d.DomainID, &d.DisplayName, &d.TrustLevel, &d.PublicKeyPEM, &scopesJSON, &d.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(scopesJSON) > 0 {
		if err := json.Unmarshal(scopesJSON, &d.AllowedScopes); err != nil {
			return nil, fmt.Errorf("unmarshaling allowed scopes: %w", err)
		}
	}
	return &d, nil
}

// AttestParams are the inputs to Attest (§6 POST /v1/identity/agents/{id}/attest).
type AttestParams struct {
	AgentID       string
	DomainID      string
	Claims        map[string]any
	RequestedScopes []string
	TTLSeconds    int
}

// ErrScopeNotAllowed is returned when requested scopes exceed the domain's
// allowed_scopes (§4.11).
var ErrScopeNotAllowed = errors.New("federation: requested scope not in domain allowed_scopes")

// Attest signs a new attestation binding agentID to domainID's claims,
// rejecting any requested scope outside the domain's allowed_scopes.
func (r *Registry) Attest(ctx context.Context, p AttestParams) (*Attestation, error) {
	domain, err := r.GetDomain(ctx, p.DomainID)
	if err != nil {
		return nil, fmt.Errorf("loading domain: %w", err)
	}

	if !scopesSubsetOf(p.RequestedScopes, domain.AllowedScopes) {
		return nil, ErrScopeNotAllowed
	}

	now := time.Now().UTC()
	a := &Attestation{
		AttestationID: "attest_" + uuid.New().String(),
		AgentID:       p.AgentID,
		DomainID:      p.DomainID,
		Claims:        p.Claims,
		Scopes:        p.RequestedScopes,
		IssuedAt:      now,
		ExpiresAt:     now.Add(time.Duration(p.TTLSeconds) * time.Second),
	}

	payload, err := canonicalEnvelope(a)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing attestation: %w", err)
	}
	a.Signature = cryptoprim.Sign(r.secret, payload)

	claimsJSON, err := json.Marshal(a.Claims)
	if err != nil {
		return nil, fmt.Errorf("marshaling claims: %w", err)
	}
	scopesJSON, err := json.Marshal(a.Scopes)
	if err != nil {
		return nil, fmt.Errorf("marshaling scopes: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO attestations (attestation_id, agent_id, domain_id, claims, scopes, issued_at, expires_at, signature)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.AttestationID, a.AgentID, a.DomainID, claimsJSON, scopesJSON, a.IssuedAt, a.ExpiresAt, a.Signature,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting attestation: %w", err)
	}
	return a, nil
}

// GetAttestation loads an attestation by ID.
func (r *Registry) GetAttestation(ctx context.Context, attestationID string) (*Attestation, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT attestation_id, agent_id, domain_id, claims, scopes, issued_at, expires_at, signature
		FROM attestations WHERE attestation_id=$1`, attestationID,
	)

	var a Attestation
	var claimsJSON, scopesJSON []byte
	if err := row.Scan(&a.AttestationID, &a.AgentID, &a.DomainID, &claimsJSON, &scopesJSON, &a.IssuedAt, &a.ExpiresAt, &a.Signature); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(claimsJSON) > 0 {
		if err := json.Unmarshal(claimsJSON, &a.Claims); err != nil {
			return nil, fmt.Errorf("unmarshaling claims: %w", err)
		}
	}
	if len(scopesJSON) > 0 {
		if err := json.Unmarshal(scopesJSON, &a.Scopes); err != nil {
			return nil, fmt.Errorf("unmarshaling scopes: %w", err)
		}
	}
	return &a, nil
}

// VerifyResult is returned by Verify (§6 GET /v1/identity/attestations/{id}/verify).
type VerifyResult struct {
	Valid  bool
	Reason string
}

// Verify recomputes the attestation's signature, checks expiry, and checks
// its scopes are still a subset of the domain's current allowed_scopes
// (§4.11) — a domain's allowed_scopes may have narrowed since issuance.
func (r *Registry) Verify(ctx context.Context, attestationID string) (*VerifyResult, error) {
	a, err := r.GetAttestation(ctx, attestationID)
	if err != nil {
		return nil, err
	}

	payload, err := canonicalEnvelope(a)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing attestation: %w", err)
	}
	if !cryptoprim.Verify(r.secret, payload, a.Signature) {
		return &VerifyResult{Valid: false, Reason: "identity.invalid_signature"}, nil
	}

	if time.Now().UTC().After(a.ExpiresAt) {
		return &VerifyResult{Valid: false, Reason: "federation.attestation_expired"}, nil
	}

	domain, err := r.GetDomain(ctx, a.DomainID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &VerifyResult{Valid: false, Reason: "federation.domain_not_found"}, nil
		}
		return nil, err
	}

	if !scopesSubsetOf(a.Scopes, domain.AllowedScopes) {
		return &VerifyResult{Valid: false, Reason: "federation.scope_not_allowed"}, nil
	}

	return &VerifyResult{Valid: true}, nil
}

func scopesSubsetOf(requested, allowed []string) bool {
	allowedSet := make(map[string]bool, len(allowed))
	for _, s := range allowed {
		allowedSet[s] = true
	}
	for _, s := range requested {
		if !allowedSet[s] && !allowedSet["*"] {
			return false
		}
	}
	return true
}
