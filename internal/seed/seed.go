// Package seed provisions a development agent identity, credential, and
// trust domain so a fresh deployment has something to call immediately.
// Grounded in the teacher's seed.Run idiom (idempotent check-then-provision,
// structured logging of what was created, one well-known raw secret logged
// exactly once).
package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agenthub/idcore/internal/cryptoprim"
	"github.com/agenthub/idcore/internal/federation"
	"github.com/agenthub/idcore/internal/identitystore"
)

// DevAgentID is the agent identity seeded for development/testing. It is
// only created by the seed command and should never be used in production.
const DevAgentID = "agent_dev_seed_do_not_use_in_production"

// devCredentialTTL is well within [MinCredentialTTL, MaxCredentialTTL].
const devCredentialTTL = 24 * time.Hour

// Run provisions a development agent identity, an API-key credential for
// it, and a basic-trust federation domain. It is idempotent: if the dev
// agent already exists it logs and returns nil.
func Run(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	identities := identitystore.NewStore(pool)

	if _, err := identities.GetIdentity(ctx, DevAgentID); err == nil {
		logger.Info("seed: dev agent identity already exists, skipping", "agent_id", DevAgentID)
		return nil
	} else if !errors.Is(err, identitystore.ErrNotFound) {
		return fmt.Errorf("checking for existing dev agent: %w", err)
	}

	identity := &identitystore.AgentIdentity{
		AgentID:        DevAgentID,
		Owner:          "acme-dev",
		CredentialType: identitystore.CredentialTypeAPIKey,
		Status:         identitystore.IdentityStatusActive,
		Metadata:       map[string]any{"seeded": true},
	}
	if err := identities.CreateIdentity(ctx, identity); err != nil {
		return fmt.Errorf("creating dev agent identity: %w", err)
	}
	logger.Info("seed: created agent identity", "agent_id", identity.AgentID, "owner", identity.Owner)

	secret, err := cryptoprim.RandomSecret(32)
	if err != nil {
		return fmt.Errorf("generating dev credential secret: %w", err)
	}

	// The pepper used to hash this seed credential is itself a seed value;
	// real deployments never hash with a fixed string (see identity.go's
	// CreateCredential, which hashes with the configured signing secret).
	credentialHash := cryptoprim.Hash([]byte("agenthub-seed-pepper"), secret)
	now := time.Now().UTC()
	cred := &identitystore.AgentCredential{
		CredentialID:   "cred_dev_seed",
		AgentID:        identity.AgentID,
		CredentialHash: credentialHash,
		Scopes:         []string{"delegation.execute", "delegation.read"},
		IssuedAt:       now,
		ExpiresAt:      now.Add(devCredentialTTL),
		Status:         identitystore.CredentialStatusActive,
	}
	if err := identities.CreateCredential(ctx, cred); err != nil {
		return fmt.Errorf("creating dev credential: %w", err)
	}
	logger.Info("seed: created credential",
		"credential_id", cred.CredentialID,
		"raw_secret", secret,
	)

	// Only reached on first run — the dev-agent-exists check above already
	// makes the whole function idempotent, so the domain is registered
	// exactly once alongside it.
	fed := federation.NewRegistry(pool, []byte("agenthub-seed-pepper"))
	domain, err := fed.RegisterDomain(ctx, "Acme Dev Partner", federation.TrustLevelBasic, nil, []string{"delegation.execute"})
	if err != nil {
		return fmt.Errorf("registering dev trust domain: %w", err)
	}
	logger.Info("seed: registered trust domain", "domain_id", domain.DomainID)

	logger.Info("seed: completed successfully", "agent_id", identity.AgentID, "credentials", 1)
	return nil
}
