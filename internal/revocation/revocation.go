// Package revocation implements the revocation engine (C6): single-target
// revocation and the cascading kill switch, grounded in Generativebots'
// escrow.KillSwitch concept (internal/escrow/kill_switch.go) re-architected
// onto a durable SERIALIZABLE transaction instead of an in-memory map, so
// the cascade survives a restart and a concurrent verify can never observe
// a partial state (§4.6).
package revocation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agenthub/idcore/internal/db"
	"github.com/agenthub/idcore/internal/delegationtoken"
	"github.com/agenthub/idcore/internal/identitystore"
)

// RevokedType enumerates the kinds of object a RevocationEvent names.
type RevokedType string

const (
	RevokedTypeCredential      RevokedType = "credential"
	RevokedTypeDelegationToken RevokedType = "delegation_token"
	RevokedTypeAgentIdentity   RevokedType = "agent_identity"
)

// Event is the append-only audit row for a revocation (§3).
type Event struct {
	EventID      string
	RevokedType  RevokedType
	RevokedID    string
	AgentID      string
	Reason       string
	Actor        string
	CascadeCount int
	CreatedAt    time.Time
}

// LeaseCanceller cancels any in-flight delegation-lifecycle records owned by
// an agent within the revocation transaction (§4.6 step 4). Implemented by
// internal/lifecycle; declared here to avoid an import cycle.
type LeaseCanceller interface {
	CancelRunningByAgentTx(ctx context.Context, tx pgx.Tx, agentID string) (int, error)
}

// Engine performs revocations and emits RevocationEvents.
type Engine struct {
	pool        *pgxpool.Pool
	identities  *identitystore.Store
	tokens      *delegationtoken.Store
	leases      LeaseCanceller
}

// NewEngine creates a revocation Engine.
func NewEngine(pool *pgxpool.Pool, identities *identitystore.Store, tokens *delegationtoken.Store, leases LeaseCanceller) *Engine {
	return &Engine{pool: pool, identities: identities, tokens: tokens, leases: leases}
}

func (e *Engine) insertEventTx(ctx context.Context, tx pgx.Tx, ev *Event) error {
	ev.EventID = "rev_" + uuid.New().String()
	_, err := tx.Exec(ctx, `INSERT INTO revocation_events
		(event_id, revoked_type, revoked_id, agent_id, reason, actor, cascade_count, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7, now())`,
		ev.EventID, ev.RevokedType, ev.RevokedID, ev.AgentID, ev.Reason, ev.Actor, ev.CascadeCount,
	)
	if err != nil {
		return fmt.Errorf("inserting revocation event: %w", err)
	}
	return nil
}

// RevokeCredential flips a single credential to revoked and appends an
// event. Does not cascade.
func (e *Engine) RevokeCredential(ctx context.Context, credentialID, reason, actor string) (*Event, error) {
	var event *Event
	err := db.WithSerializable(ctx, e.pool, func(ctx context.Context, tx pgx.Tx) error {
		cred, err := e.identities.GetCredential(ctx, credentialID)
		if err != nil {
			return fmt.Errorf("loading credential: %w", err)
		}
		if err := e.identities.RevokeCredentialTx(ctx, tx, credentialID, reason); err != nil {
			return fmt.Errorf("revoking credential: %w", err)
		}
		event = &Event{RevokedType: RevokedTypeCredential, RevokedID: credentialID, AgentID: cred.AgentID, Reason: reason, Actor: actor, CascadeCount: 1}
		return e.insertEventTx(ctx, tx, event)
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// RevokeAgent is the kill switch (§4.6): marks the identity revoked, cascades
// to every active credential and non-revoked delegation token where the
// agent is issuer or subject, cancels in-flight lifecycle leases, and
// appends one RevocationEvent with the total cascade count — all inside a
// single SERIALIZABLE transaction so a concurrent verify sees the entire
// cascade or none of it. Target latency: < 1s (§4.6).
func (e *Engine) RevokeAgent(ctx context.Context, agentID, reason, actor string) (*Event, error) {
	var event *Event
	err := db.WithSerializable(ctx, e.pool, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := e.identities.GetIdentityTx(ctx, tx, agentID); err != nil {
			return fmt.Errorf("loading identity: %w", err)
		}

		if err := e.identities.SetIdentityStatusTx(ctx, tx, agentID, identitystore.IdentityStatusRevoked); err != nil {
			return fmt.Errorf("revoking identity: %w", err)
		}

		credCount, err := e.identities.RevokeCredentialsByAgentTx(ctx, tx, agentID, reason)
		if err != nil {
			return fmt.Errorf("cascading to credentials: %w", err)
		}

		tokenCount, err := e.tokens.RevokeByAgentTx(ctx, tx, agentID)
		if err != nil {
			return fmt.Errorf("cascading to delegation tokens: %w", err)
		}

		leaseCount := 0
		if e.leases != nil {
			leaseCount, err = e.leases.CancelRunningByAgentTx(ctx, tx, agentID)
			if err != nil {
				return fmt.Errorf("cascading to lifecycle leases: %w", err)
			}
		}

		event = &Event{
			RevokedType:  RevokedTypeAgentIdentity,
			RevokedID:    agentID,
			AgentID:      agentID,
			Reason:       reason,
			Actor:        actor,
			CascadeCount: credCount + tokenCount + leaseCount,
		}
		return e.insertEventTx(ctx, tx, event)
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// RevokeAllForOwner applies the kill switch to every identity owned by a
// principal (§4.6 "bulk revocation").
func (e *Engine) RevokeAllForOwner(ctx context.Context, owner, reason, actor string) ([]*Event, error) {
	rows, err := e.pool.Query(ctx, `SELECT agent_id FROM agent_identities WHERE owner=$1 AND status=$2`,
		owner, identitystore.IdentityStatusActive,
	)
	if err != nil {
		return nil, fmt.Errorf("listing identities for owner: %w", err)
	}
	var agentIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning agent id: %w", err)
		}
		agentIDs = append(agentIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	events := make([]*Event, 0, len(agentIDs))
	for _, id := range agentIDs {
		ev, err := e.RevokeAgent(ctx, id, reason, actor)
		if err != nil {
			return events, fmt.Errorf("revoking agent %s: %w", id, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// ListEvents returns recent revocation events, newest first, for the
// GET /v1/identity/revocations endpoint.
func (e *Engine) ListEvents(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := e.pool.Query(ctx, `
		SELECT event_id, revoked_type, revoked_id, agent_id, reason, actor, cascade_count, created_at
		FROM revocation_events ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing revocation events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.EventID, &ev.RevokedType, &ev.RevokedID, &ev.AgentID, &ev.Reason, &ev.Actor, &ev.CascadeCount, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning revocation event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
