// Package authresolver implements the auth resolver (C3): a first-match-wins
// pipeline over the four accepted credential shapes, grounded in the
// teacher's auth.Middleware wiring (internal/auth/middleware.go) and
// Generativebots' token_broker.go bearer-token verification idiom.
package authresolver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/agenthub/idcore/internal/cryptoprim"
	"github.com/agenthub/idcore/internal/delegationtoken"
	"github.com/agenthub/idcore/internal/identityerr"
	"github.com/agenthub/idcore/internal/identitystore"
)

// AuthMethod enumerates how a Principal was authenticated.
type AuthMethod string

const (
	MethodAPIKey          AuthMethod = "api_key"
	MethodAgentCredential AuthMethod = "agent_credential"
	MethodDelegationToken AuthMethod = "delegation_token"
	MethodBearer          AuthMethod = "bearer"
)

// AccessMode controls whether a resolution failure rejects the request
// (enforce, the default) or only logs it (warn, migration windows only).
type AccessMode string

const (
	ModeEnforce AccessMode = "enforce"
	ModeWarn    AccessMode = "warn"
)

// Principal is the resolved identity of an inbound request (§4.3).
type Principal struct {
	Owner      string
	AgentID    string
	Scopes     []string
	AuthMethod AuthMethod
	TokenID    string
	Chain      []*delegationtoken.DelegationToken
}

// Error is a resolution failure, carrying the identityerr.Code the ingress
// middleware maps to an HTTP status at its single boundary layer (§9).
type Error struct {
	Code    identityerr.Code
	Message string
}

func (e *Error) Error() string { return e.Message }

func authError(code identityerr.Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Resolver resolves principals from HTTP requests per the C3 pipeline.
type Resolver struct {
	apiKeyOwners          map[string]string
	identities            *identitystore.Store
	delegationEngine      *delegationtoken.Engine
	identitySigningSecret []byte // pepper for AgentCredential hash lookups
	mode                  AccessMode
}

// New creates a Resolver. apiKeyOwners is the process-wide "{key: owner}"
// snapshot loaded at startup (§5).
func New(apiKeyOwners map[string]string, identities *identitystore.Store, delegationEngine *delegationtoken.Engine, identitySigningSecret []byte, mode AccessMode) *Resolver {
	return &Resolver{
		apiKeyOwners:          apiKeyOwners,
		identities:            identities,
		delegationEngine:      delegationEngine,
		identitySigningSecret: identitySigningSecret,
		mode:                  mode,
	}
}

// Resolve runs the first-match-wins pipeline (§4.3). On failure in enforce
// mode it returns a non-nil *Error; in warn mode it logs the failure (via the
// returned error, which the caller must log) but returns an anonymous
// Principal so the request proceeds — used strictly for migration windows.
func (r *Resolver) Resolve(ctx context.Context, req *http.Request) (*Principal, error) {
	p, err := r.resolve(ctx, req)
	if err != nil && r.mode == ModeWarn {
		return &Principal{}, err
	}
	return p, err
}

func (r *Resolver) resolve(ctx context.Context, req *http.Request) (*Principal, error) {
	if key := req.Header.Get("X-API-Key"); key != "" {
		owner, ok := r.apiKeyOwners[key]
		if !ok {
			return nil, authError(identityerr.CodeAuthUnknownKey, "unrecognized API key")
		}
		return &Principal{Owner: owner, AuthMethod: MethodAPIKey, Scopes: []string{"*"}}, nil
	}

	if auth := req.Header.Get("Authorization"); strings.HasPrefix(auth, "AgentCredential ") {
		secret := strings.TrimPrefix(auth, "AgentCredential ")
		return r.resolveAgentCredential(ctx, secret)
	}

	if tok := req.Header.Get("X-Delegation-Token"); tok != "" {
		return r.resolveDelegationToken(ctx, tok, MethodDelegationToken)
	}

	if auth := req.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		tok := strings.TrimPrefix(auth, "Bearer ")
		return r.resolveDelegationToken(ctx, tok, MethodBearer)
	}

	return nil, authError(identityerr.CodeAuthMissing, "no recognized authentication credential")
}

func (r *Resolver) resolveAgentCredential(ctx context.Context, secret string) (*Principal, error) {
	if secret == "" {
		return nil, authError(identityerr.CodeAuthMalformed, "empty AgentCredential secret")
	}
	credentialHash := cryptoprim.Hash(r.identitySigningSecret, secret)
	cred, err := r.identities.GetCredentialByHash(ctx, credentialHash)
	if err != nil {
		return nil, authError(identityerr.CodeAuthUnknownKey, "unrecognized agent credential")
	}

	identity, err := r.identities.GetIdentity(ctx, cred.AgentID)
	if err != nil {
		return nil, authError(identityerr.CodeIdentityNotFound, "credential's agent identity not found")
	}

	if !cryptoprim.ConstantTimeEqual(credentialHash, cred.CredentialHash) {
		return nil, authError(identityerr.CodeAuthUnknownKey, "credential hash mismatch")
	}

	now := time.Now().UTC()
	if !cred.IsVerifiable(now, identity) {
		if identity.Status != identitystore.IdentityStatusActive {
			return nil, authError(identityerr.CodeIdentityRevoked, "agent identity is not active")
		}
		if cred.Status == identitystore.CredentialStatusExpired || now.After(cred.ExpiresAt) {
			return nil, authError(identityerr.CodeIdentityExpired, "credential has expired")
		}
		return nil, authError(identityerr.CodeIdentityRevoked, "credential is not active")
	}

	return &Principal{
		Owner:      identity.Owner,
		AgentID:    identity.AgentID,
		Scopes:     cred.Scopes,
		AuthMethod: MethodAgentCredential,
	}, nil
}

// resolveDelegationToken verifies a signed token's full chain regardless of
// which header carried it. Both X-Delegation-Token and Authorization: Bearer
// accept the same token shape (§4.3 steps 3-4); the safe, fail-closed choice
// is to always perform the full chain walk rather than a weaker signature-
// only check for the Bearer path.
func (r *Resolver) resolveDelegationToken(ctx context.Context, signedToken string, method AuthMethod) (*Principal, error) {
	result, err := r.delegationEngine.Verify(ctx, signedToken)
	if err != nil {
		return nil, authError(identityerr.CodeIdentityChainInvalid, err.Error())
	}
	if !result.Valid || len(result.Chain) == 0 {
		return nil, authError(identityerr.CodeIdentityChainInvalid, "token did not verify")
	}

	leaf := result.Chain[0]
	return &Principal{
		Owner:      leaf.SubjectAgentID,
		AgentID:    leaf.SubjectAgentID,
		Scopes:     result.EffectiveScopes,
		AuthMethod: method,
		TokenID:    leaf.TokenID,
		Chain:      result.Chain,
	}, nil
}

// HasScope reports whether the principal carries the given scope, or holds
// the wildcard "*" scope (platform API keys).
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}
