// Package identitystore persists AgentIdentity and AgentCredential rows
// (C4, spec.md §3, §4.4), grounded in the teacher's Store idiom
// (pkg/apikey/store.go: column-const + scan-row + pool-backed Store).
package identitystore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agenthub/idcore/internal/db"
)

// CredentialType enumerates the allowed AgentIdentity credential types.
type CredentialType string

const (
	CredentialTypeAPIKey CredentialType = "api_key"
	CredentialTypeJWT    CredentialType = "jwt"
	CredentialTypeSPIFFE CredentialType = "spiffe"
	CredentialTypeMTLS   CredentialType = "mtls"
)

// IdentityStatus enumerates AgentIdentity lifecycle states.
type IdentityStatus string

const (
	IdentityStatusActive    IdentityStatus = "active"
	IdentityStatusRevoked   IdentityStatus = "revoked"
	IdentityStatusSuspended IdentityStatus = "suspended"
)

// CredentialStatus enumerates AgentCredential lifecycle states.
type CredentialStatus string

const (
	CredentialStatusActive  CredentialStatus = "active"
	CredentialStatusRotated CredentialStatus = "rotated"
	CredentialStatusRevoked CredentialStatus = "revoked"
	CredentialStatusExpired CredentialStatus = "expired"
)

const (
	// MinCredentialTTL is the shortest allowed credential lifetime (§3).
	MinCredentialTTL = 300 * time.Second
	// MaxCredentialTTL is the longest allowed credential lifetime (§3).
	MaxCredentialTTL = 30 * 24 * time.Hour
	// RotationGrace is the rotation overlap constant (§4.4). Nothing reads
	// it: IsVerifiable accepts only active credentials, so a rotated
	// predecessor stops verifying as soon as it is rotated.
	RotationGrace = 5 * time.Minute
)

// AgentIdentity is the persisted row for an agent principal.
type AgentIdentity struct {
	AgentID               string
	Owner                 string
	CredentialType        CredentialType
	Status                IdentityStatus
	PublicKeyPEM          *string
	HumanPrincipalID      *string
	ConfigurationChecksum *string
	Metadata              map[string]any
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// AgentCredential is the persisted row for a bearer credential bound to an
// AgentIdentity. The plaintext secret is never stored.
type AgentCredential struct {
	CredentialID     string
	AgentID          string
	CredentialHash   string
	Scopes           []string
	IssuedAt         time.Time
	ExpiresAt        time.Time
	RotationParentID *string
	Status           CredentialStatus
	RevokedAt        *time.Time
	RevocationReason *string
}

const identityColumns = `agent_id, owner, credential_type, status, public_key_pem, human_principal_id, configuration_checksum, metadata, created_at, updated_at`

const credentialColumns = `credential_id, agent_id, credential_hash, scopes, issued_at, expires_at, rotation_parent_id, status, revoked_at, revocation_reason`

// Store provides durable persistence for agent identities and credentials.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an identity Store backed by the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanIdentity(row pgx.Row) (*AgentIdentity, error) {
	var a AgentIdentity
	var metadataJSON []byte
	if err := row.Scan(
		&a.AgentID, &a.Owner, &a.CredentialType, &a.Status, &a.PublicKeyPEM,
		&a.HumanPrincipalID, &a.ConfigurationChecksum, &metadataJSON, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(metadataJSON) > 0 {
		if err := unmarshalJSON(metadataJSON, &a.Metadata); err != nil {
			return nil, fmt.Errorf("decoding identity metadata: %w", err)
		}
	}
	return &a, nil
}

func scanCredential(row pgx.Row) (*AgentCredential, error) {
	var c AgentCredential
	if err := row.Scan(
		&c.CredentialID, &c.AgentID, &c.CredentialHash, &c.Scopes, &c.IssuedAt, &c.ExpiresAt,
		&c.RotationParentID, &c.Status, &c.RevokedAt, &c.RevocationReason,
	); err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateIdentity inserts a new AgentIdentity. Owner-created, never destroyed.
func (s *Store) CreateIdentity(ctx context.Context, a *AgentIdentity) error {
	metadataJSON, err := marshalJSON(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling identity metadata: %w", err)
	}

	query := `INSERT INTO agent_identities
		(agent_id, owner, credential_type, status, public_key_pem, human_principal_id, configuration_checksum, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8, now(), now())
		RETURNING created_at, updated_at`

	row := s.pool.QueryRow(ctx, query,
		a.AgentID, a.Owner, a.CredentialType, a.Status, a.PublicKeyPEM,
		a.HumanPrincipalID, a.ConfigurationChecksum, metadataJSON,
	)
	return row.Scan(&a.CreatedAt, &a.UpdatedAt)
}

// GetIdentity loads an AgentIdentity by ID.
func (s *Store) GetIdentity(ctx context.Context, agentID string) (*AgentIdentity, error) {
	query := `SELECT ` + identityColumns + ` FROM agent_identities WHERE agent_id = $1`
	a, err := scanIdentity(s.pool.QueryRow(ctx, query, agentID))
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return a, nil
}

// GetIdentityTx loads an AgentIdentity within an existing transaction,
// locking the row for update — used by the revocation cascade.
func (s *Store) GetIdentityTx(ctx context.Context, tx pgx.Tx, agentID string) (*AgentIdentity, error) {
	query := `SELECT ` + identityColumns + ` FROM agent_identities WHERE agent_id = $1 FOR UPDATE`
	return scanIdentity(tx.QueryRow(ctx, query, agentID))
}

// SetIdentityStatusTx updates an identity's status within a transaction.
func (s *Store) SetIdentityStatusTx(ctx context.Context, tx pgx.Tx, agentID string, status IdentityStatus) error {
	tag, err := tx.Exec(ctx, `UPDATE agent_identities SET status=$2, updated_at=now() WHERE agent_id=$1`, agentID, status)
	if err != nil {
		return fmt.Errorf("updating identity status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// CreateCredential inserts a new AgentCredential. The caller is responsible
// for computing CredentialHash via cryptoprim before calling this — the
// plaintext secret never reaches this package.
func (s *Store) CreateCredential(ctx context.Context, c *AgentCredential) error {
	if c.ExpiresAt.Sub(c.IssuedAt) < MinCredentialTTL || c.ExpiresAt.Sub(c.IssuedAt) > MaxCredentialTTL {
		return fmt.Errorf("credential ttl %s out of bounds [%s, %s]", c.ExpiresAt.Sub(c.IssuedAt), MinCredentialTTL, MaxCredentialTTL)
	}

	query := `INSERT INTO agent_credentials
		(credential_id, agent_id, credential_hash, scopes, issued_at, expires_at, rotation_parent_id, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err := s.pool.Exec(ctx, query,
		c.CredentialID, c.AgentID, c.CredentialHash, c.Scopes, c.IssuedAt, c.ExpiresAt,
		c.RotationParentID, c.Status,
	)
	if err != nil {
		return fmt.Errorf("inserting credential: %w", err)
	}
	return nil
}

// GetCredentialByHash finds the credential matching a hash, whatever its
// status; callers check IsVerifiable. Lookups by hash are indexed for O(1)
// resolution (§4.4).
func (s *Store) GetCredentialByHash(ctx context.Context, credentialHash string) (*AgentCredential, error) {
	query := `SELECT ` + credentialColumns + ` FROM agent_credentials WHERE credential_hash = $1`
	c, err := scanCredential(s.pool.QueryRow(ctx, query, credentialHash))
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return c, nil
}

// GetCredential loads a credential by ID.
func (s *Store) GetCredential(ctx context.Context, credentialID string) (*AgentCredential, error) {
	query := `SELECT ` + credentialColumns + ` FROM agent_credentials WHERE credential_id = $1`
	c, err := scanCredential(s.pool.QueryRow(ctx, query, credentialID))
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return c, nil
}

// RotateCredential marks the predecessor "rotated" and inserts a successor
// row referencing it. The predecessor stops verifying at once; no
// RotationGrace overlap is applied.
func (s *Store) RotateCredential(ctx context.Context, predecessorID string, successor *AgentCredential) error {
	return db.WithSerializable(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		query := `SELECT ` + credentialColumns + ` FROM agent_credentials WHERE credential_id = $1 FOR UPDATE`
		predecessor, err := scanCredential(tx.QueryRow(ctx, query, predecessorID))
		if err != nil {
			return fmt.Errorf("loading predecessor credential: %w", err)
		}
		if predecessor.Status != CredentialStatusActive {
			return fmt.Errorf("predecessor credential %s is not active", predecessorID)
		}

		if _, err := tx.Exec(ctx, `UPDATE agent_credentials SET status=$2 WHERE credential_id=$1`,
			predecessorID, CredentialStatusRotated,
		); err != nil {
			return fmt.Errorf("marking predecessor rotated: %w", err)
		}

		parent := predecessorID
		successor.RotationParentID = &parent
		_, err = tx.Exec(ctx, `INSERT INTO agent_credentials
			(credential_id, agent_id, credential_hash, scopes, issued_at, expires_at, rotation_parent_id, status)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			successor.CredentialID, successor.AgentID, successor.CredentialHash, successor.Scopes,
			successor.IssuedAt, successor.ExpiresAt, successor.RotationParentID, successor.Status,
		)
		if err != nil {
			return fmt.Errorf("inserting successor credential: %w", err)
		}
		return nil
	})
}

// RevokeCredentialTx flips a credential to revoked within a transaction.
func (s *Store) RevokeCredentialTx(ctx context.Context, tx pgx.Tx, credentialID, reason string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE agent_credentials SET status=$2, revoked_at=now(), revocation_reason=$3
		WHERE credential_id=$1 AND status=$4`,
		credentialID, CredentialStatusRevoked, reason, CredentialStatusActive,
	)
	if err != nil {
		return fmt.Errorf("revoking credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ActiveCredentialIDsForAgentTx returns every active credential ID owned by
// an agent, locked for update — used by the kill-switch cascade.
func (s *Store) ActiveCredentialIDsForAgentTx(ctx context.Context, tx pgx.Tx, agentID string) ([]string, error) {
	rows, err := tx.Query(ctx, `SELECT credential_id FROM agent_credentials WHERE agent_id=$1 AND status=$2 FOR UPDATE`,
		agentID, CredentialStatusActive,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting active credentials: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning credential id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RevokeCredentialsByAgentTx revokes every active credential owned by an
// agent within a transaction, returning how many rows were affected.
func (s *Store) RevokeCredentialsByAgentTx(ctx context.Context, tx pgx.Tx, agentID, reason string) (int, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE agent_credentials SET status=$2, revoked_at=now(), revocation_reason=$3
		WHERE agent_id=$1 AND status=$4`,
		agentID, CredentialStatusRevoked, reason, CredentialStatusActive,
	)
	if err != nil {
		return 0, fmt.Errorf("revoking credentials for agent: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// IsVerifiable reports whether a credential currently authenticates, per the
// §3 invariant: active, unexpired, parent identity active. It does not check
// the HMAC itself — that is cryptoprim.Verify's job against CredentialHash.
func (c *AgentCredential) IsVerifiable(now time.Time, identity *AgentIdentity) bool {
	if c.Status != CredentialStatusActive {
		return false
	}
	if !now.Before(c.ExpiresAt) {
		return false
	}
	if identity == nil || identity.Status != IdentityStatusActive {
		return false
	}
	return true
}

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("identitystore: not found")

func wrapNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
