// Package delegationtoken implements the delegation token engine (C5):
// issuing, verifying, and chaining scope-attenuated bearer tokens, grounded
// in the teacher's pat/apikey Store idiom and the Generativebots
// token_broker.go wire format (jti.signature bearer shape).
package delegationtoken

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agenthub/idcore/internal/cryptoprim"
	"github.com/agenthub/idcore/internal/identitystore"
)

// MaxChainDepth is the maximum number of delegation hops (§3).
const MaxChainDepth = 5

// ErrChainTooDeep is returned when issuing a 6th hop.
var ErrChainTooDeep = errors.New("identity.chain_too_deep")

// ErrScopeNotAttenuated is returned when delegated scopes are not a subset
// of the parent's effective scopes.
var ErrScopeNotAttenuated = errors.New("identity.scope_not_attenuated")

// ErrRevoked is wrapped by Issue when the issuer, subject, or parent token
// is no longer active (identity.revoked).
var ErrRevoked = errors.New("identity.revoked")

// ErrExpired is wrapped by Issue when the parent token has expired
// (identity.expired).
var ErrExpired = errors.New("identity.expired")

// ErrInsufficientScope is wrapped by Issue when the caller does not hold
// the parent token being re-delegated (auth.insufficient_scope).
var ErrInsufficientScope = errors.New("auth.insufficient_scope")

// ErrChainInvalid is returned by Verify for any chain-integrity failure.
type ErrChainInvalid struct {
	FailingHop string
	Reason     string
}

func (e *ErrChainInvalid) Error() string {
	return fmt.Sprintf("delegation.chain_invalid: hop %s: %s", e.FailingHop, e.Reason)
}

// DelegationToken is the persisted row for a scope-attenuated bearer token.
type DelegationToken struct {
	TokenID         string
	IssuerAgentID   string
	SubjectAgentID  string
	DelegatedScopes []string
	IssuedAt        time.Time
	ExpiresAt       time.Time
	ParentTokenID   *string
	ChainDepth      int
	Signature       string
	Revoked         bool
	RevokedAt       *time.Time
}

// envelope is the canonical signed payload (§3).
type envelope struct {
	TokenID       string   `json:"token_id"`
	Issuer        string   `json:"issuer"`
	Subject       string   `json:"subject"`
	Scopes        []string `json:"scopes"`
	IssuedAt      int64    `json:"issued_at"`
	ExpiresAt     int64    `json:"expires_at"`
	ParentTokenID string   `json:"parent_token_id"`
	ChainDepth    int      `json:"chain_depth"`
}

func canonicalEnvelope(t *DelegationToken) ([]byte, error) {
	parent := ""
	if t.ParentTokenID != nil {
		parent = *t.ParentTokenID
	}
	return cryptoprim.Canonical(envelope{
		TokenID:       t.TokenID,
		Issuer:        t.IssuerAgentID,
		Subject:       t.SubjectAgentID,
		Scopes:        t.DelegatedScopes,
		IssuedAt:      t.IssuedAt.Unix(),
		ExpiresAt:     t.ExpiresAt.Unix(),
		ParentTokenID: parent,
		ChainDepth:    t.ChainDepth,
	})
}

const tokenColumns = `token_id, issuer_agent_id, subject_agent_id, delegated_scopes, issued_at, expires_at, parent_token_id, chain_depth, signature, revoked, revoked_at`

// Store persists delegation tokens.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a delegation token Store backed by the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanToken(row pgx.Row) (*DelegationToken, error) {
	var t DelegationToken
	if err := row.Scan(
		&t.TokenID, &t.IssuerAgentID, &t.SubjectAgentID, &t.DelegatedScopes, &t.IssuedAt, &t.ExpiresAt,
		&t.ParentTokenID, &t.ChainDepth, &t.Signature, &t.Revoked, &t.RevokedAt,
	); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) get(ctx context.Context, tokenID string) (*DelegationToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM delegation_tokens WHERE token_id = $1`
	t, err := scanToken(s.pool.QueryRow(ctx, query, tokenID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("delegation token %s: %w", tokenID, ErrNotFound)
	}
	return t, err
}

func (s *Store) insert(ctx context.Context, t *DelegationToken) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO delegation_tokens
		(token_id, issuer_agent_id, subject_agent_id, delegated_scopes, issued_at, expires_at, parent_token_id, chain_depth, signature, revoked)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		t.TokenID, t.IssuerAgentID, t.SubjectAgentID, t.DelegatedScopes, t.IssuedAt, t.ExpiresAt,
		t.ParentTokenID, t.ChainDepth, t.Signature, t.Revoked,
	)
	if err != nil {
		return fmt.Errorf("inserting delegation token: %w", err)
	}
	return nil
}

// ErrNotFound is returned when a token lookup finds no row.
var ErrNotFound = errors.New("delegationtoken: not found")

// Engine issues and verifies delegation tokens.
type Engine struct {
	store      *Store
	identities *identitystore.Store
	secret     []byte
}

// NewEngine creates a delegation token Engine.
func NewEngine(store *Store, identities *identitystore.Store, signingSecret []byte) *Engine {
	return &Engine{store: store, identities: identities, secret: signingSecret}
}

// IssueParams are the inputs to Issue (§4.5).
type IssueParams struct {
	IssuerAgentID   string
	SubjectAgentID  string
	DelegatedScopes []string
	TTLSeconds      int64
	ParentTokenID   *string
}

// IssueResult is returned by Issue.
type IssueResult struct {
	TokenID     string
	SignedToken string
	ChainDepth  int
	ExpiresAt   time.Time
}

const maxTTL = 30 * 24 * time.Hour

// Issue mints a new delegation token, enforcing the attenuation law and
// chain depth bound (§4.5).
func (e *Engine) Issue(ctx context.Context, p IssueParams) (*IssueResult, error) {
	issuer, err := e.identities.GetIdentity(ctx, p.IssuerAgentID)
	if err != nil {
		return nil, fmt.Errorf("loading issuer identity: %w", err)
	}
	if issuer.Status != identitystore.IdentityStatusActive {
		return nil, fmt.Errorf("%w: issuer %s is not active", ErrRevoked, p.IssuerAgentID)
	}

	subject, err := e.identities.GetIdentity(ctx, p.SubjectAgentID)
	if err != nil {
		return nil, fmt.Errorf("loading subject identity: %w", err)
	}
	if subject.Status != identitystore.IdentityStatusActive {
		return nil, fmt.Errorf("%w: subject %s is not active", ErrRevoked, p.SubjectAgentID)
	}

	now := time.Now().UTC()
	ttl := time.Duration(p.TTLSeconds) * time.Second
	if ttl > maxTTL {
		ttl = maxTTL
	}
	expiresAt := now.Add(ttl)

	chainDepth := 0
	effectiveScopes := p.DelegatedScopes

	if p.ParentTokenID != nil {
		parent, err := e.store.get(ctx, *p.ParentTokenID)
		if err != nil {
			return nil, fmt.Errorf("loading parent token: %w", err)
		}
		if parent.Revoked {
			return nil, fmt.Errorf("%w: parent token %s is revoked", ErrRevoked, parent.TokenID)
		}
		if !now.Before(parent.ExpiresAt) {
			return nil, fmt.Errorf("%w: parent token %s has expired", ErrExpired, parent.TokenID)
		}
		if parent.SubjectAgentID != p.IssuerAgentID {
			return nil, fmt.Errorf("%w: only the holder of a token may re-delegate it", ErrInsufficientScope)
		}
		if parent.ChainDepth+1 > MaxChainDepth {
			return nil, ErrChainTooDeep
		}

		if !scopesSubset(p.DelegatedScopes, parent.DelegatedScopes) {
			return nil, ErrScopeNotAttenuated
		}

		chainDepth = parent.ChainDepth + 1
		if expiresAt.After(parent.ExpiresAt) {
			expiresAt = parent.ExpiresAt
		}
		effectiveScopes = intersectScopes(p.DelegatedScopes, parent.DelegatedScopes)
	}

	token := &DelegationToken{
		TokenID:         "dtok_" + uuid.New().String(),
		IssuerAgentID:   p.IssuerAgentID,
		SubjectAgentID:  p.SubjectAgentID,
		DelegatedScopes: effectiveScopes,
		IssuedAt:        now,
		ExpiresAt:       expiresAt,
		ParentTokenID:   p.ParentTokenID,
		ChainDepth:      chainDepth,
	}

	payload, err := canonicalEnvelope(token)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing token envelope: %w", err)
	}
	token.Signature = cryptoprim.Sign(e.secret, payload)

	if err := e.store.insert(ctx, token); err != nil {
		return nil, err
	}

	return &IssueResult{
		TokenID:     token.TokenID,
		SignedToken: token.TokenID + "." + token.Signature,
		ChainDepth:  token.ChainDepth,
		ExpiresAt:   token.ExpiresAt,
	}, nil
}

// VerifyResult is returned by Verify.
type VerifyResult struct {
	Valid           bool
	EffectiveScopes []string
	Chain           []*DelegationToken
}

// Verify checks a signed token's signature, expiry, revocation state, and
// full chain integrity (§4.5).
func (e *Engine) Verify(ctx context.Context, signedToken string) (*VerifyResult, error) {
	tokenID, signature, ok := splitSignedToken(signedToken)
	if !ok {
		return nil, &ErrChainInvalid{FailingHop: "", Reason: "malformed token"}
	}

	token, err := e.store.get(ctx, tokenID)
	if err != nil {
		return nil, &ErrChainInvalid{FailingHop: tokenID, Reason: "token not found"}
	}

	chain, err := e.walkChain(ctx, token)
	if err != nil {
		return nil, err
	}

	payload, err := canonicalEnvelope(token)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing token envelope: %w", err)
	}
	if !cryptoprim.Verify(e.secret, payload, signature) {
		return nil, &ErrChainInvalid{FailingHop: token.TokenID, Reason: "signature mismatch"}
	}

	effective := token.DelegatedScopes
	for _, hop := range chain[1:] {
		effective = intersectScopes(effective, hop.DelegatedScopes)
	}

	return &VerifyResult{Valid: true, EffectiveScopes: effective, Chain: chain}, nil
}

// walkChain validates every hop from token up to its root, checking
// revocation, expiry, and the attenuation invariant at each hop (§4.5 step
// 4; §9 topological walk bounded by chain_depth).
func (e *Engine) walkChain(ctx context.Context, token *DelegationToken) ([]*DelegationToken, error) {
	now := time.Now().UTC()
	chain := []*DelegationToken{token}

	cur := token
	for depth := 0; depth <= MaxChainDepth+1; depth++ {
		if cur.Revoked {
			return nil, &ErrChainInvalid{FailingHop: cur.TokenID, Reason: "revoked"}
		}
		if !now.Before(cur.ExpiresAt) {
			return nil, &ErrChainInvalid{FailingHop: cur.TokenID, Reason: "expired"}
		}

		issuer, err := e.identities.GetIdentity(ctx, cur.IssuerAgentID)
		if err != nil || issuer.Status != identitystore.IdentityStatusActive {
			return nil, &ErrChainInvalid{FailingHop: cur.TokenID, Reason: "issuer identity not active"}
		}

		if cur.ParentTokenID == nil {
			return chain, nil
		}

		parent, err := e.store.get(ctx, *cur.ParentTokenID)
		if err != nil {
			return nil, &ErrChainInvalid{FailingHop: cur.TokenID, Reason: "parent token missing"}
		}
		if !scopesSubset(cur.DelegatedScopes, parent.DelegatedScopes) {
			return nil, &ErrChainInvalid{FailingHop: cur.TokenID, Reason: "scope not a subset of parent"}
		}

		chain = append(chain, parent)
		cur = parent
	}

	return nil, &ErrChainInvalid{FailingHop: token.TokenID, Reason: "chain exceeds maximum depth"}
}

// Chain returns the token and all of its ancestors, root-last, for audit
// (§4.5 "chain listing").
func (e *Engine) Chain(ctx context.Context, tokenID string) ([]*DelegationToken, error) {
	token, err := e.store.get(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	chain := []*DelegationToken{token}
	cur := token
	for cur.ParentTokenID != nil {
		parent, err := e.store.get(ctx, *cur.ParentTokenID)
		if err != nil {
			return chain, fmt.Errorf("loading ancestor %s: %w", *cur.ParentTokenID, err)
		}
		chain = append(chain, parent)
		cur = parent
	}
	return chain, nil
}

// RevokeTx marks a token revoked within an existing transaction.
func (s *Store) RevokeTx(ctx context.Context, tx pgx.Tx, tokenID string) error {
	_, err := tx.Exec(ctx, `UPDATE delegation_tokens SET revoked=true, revoked_at=now() WHERE token_id=$1`, tokenID)
	if err != nil {
		return fmt.Errorf("revoking delegation token: %w", err)
	}
	return nil
}

// TokenIDsForAgentTx returns every non-revoked token where the agent is
// issuer or subject, locked for update — used by the kill-switch cascade.
func (s *Store) TokenIDsForAgentTx(ctx context.Context, tx pgx.Tx, agentID string) ([]string, error) {
	rows, err := tx.Query(ctx, `
		SELECT token_id FROM delegation_tokens
		WHERE (issuer_agent_id=$1 OR subject_agent_id=$1) AND revoked=false
		FOR UPDATE`, agentID)
	if err != nil {
		return nil, fmt.Errorf("selecting tokens for agent: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning token id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RevokeByAgentTx revokes every non-revoked token where agentID is issuer
// or subject, within a transaction, returning the affected count.
func (s *Store) RevokeByAgentTx(ctx context.Context, tx pgx.Tx, agentID string) (int, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE delegation_tokens SET revoked=true, revoked_at=now()
		WHERE (issuer_agent_id=$1 OR subject_agent_id=$1) AND revoked=false`, agentID)
	if err != nil {
		return 0, fmt.Errorf("revoking tokens for agent: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func splitSignedToken(s string) (tokenID, signature string, ok bool) {
	idx := strings.LastIndex(s, ".")
	if idx <= 0 || idx == len(s)-1 {
		return "", "", false
	}
	return s[:idx], s[idx+1:], true
}

func scopesSubset(child, parent []string) bool {
	parentSet := make(map[string]struct{}, len(parent))
	for _, s := range parent {
		parentSet[s] = struct{}{}
	}
	for _, s := range child {
		if _, ok := parentSet[s]; !ok {
			return false
		}
	}
	return true
}

func intersectScopes(a, b []string) []string {
	bSet := make(map[string]struct{}, len(b))
	for _, s := range b {
		bSet[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := bSet[s]; ok {
			out = append(out, s)
		}
	}
	return out
}
