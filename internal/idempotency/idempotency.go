// Package idempotency implements the idempotency store (C2): a durable
// per-(tenant, actor, method, route, key) reservation with request-hash
// binding, status, and cached response, grounded in the teacher's
// pgx Store idiom (pkg/apikey/store.go, pkg/pat/store.go).
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agenthub/idcore/internal/db"
)

// Status is the lifecycle status of an idempotency reservation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Outcome is the result of Reserve.
type Outcome string

const (
	OutcomeNew     Outcome = "NEW"
	OutcomeReplay  Outcome = "REPLAY"
	OutcomeConflict Outcome = "CONFLICT"
)

// Key identifies an idempotency reservation's primary key, spec.md §3.
type Key struct {
	Tenant string
	Actor  string
	Method string
	Route  string
	IdemKey string
}

// Record is a persisted idempotency reservation.
type Record struct {
	Key
	RequestHash string
	Status      Status
	HTTPStatus  *int
	ResponseBody []byte
	Headers      map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store provides durable idempotency reservations backed by Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an idempotency Store backed by the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// HashRequest returns the hex SHA-256 digest of a request body, used to
// detect a key reused with a different payload.
func HashRequest(body []byte) string {
	h := sha256.Sum256(body)
	return hex.EncodeToString(h[:])
}

// Reserve attempts to reserve the (tenant, actor, method, route, key) slot.
// It returns NEW when no record existed (the caller should proceed and
// later call Complete), REPLAY with the cached record when an identical
// request was already completed, or CONFLICT when an existing record has a
// different request_hash.
func (s *Store) Reserve(ctx context.Context, k Key, requestHash string) (Outcome, *Record, error) {
	var outcome Outcome
	var record *Record

	err := db.WithSerializable(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		existing, err := fetchRecord(ctx, tx, k)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("fetching idempotency record: %w", err)
		}

		if errors.Is(err, pgx.ErrNoRows) {
			headers, _ := json.Marshal(map[string]string{})
			_, err := tx.Exec(ctx, `
				INSERT INTO idempotency_records
					(tenant, actor, method, route, idem_key, request_hash, status, headers, created_at, updated_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8, now(), now())`,
				k.Tenant, k.Actor, k.Method, k.Route, k.IdemKey, requestHash, StatusPending, headers,
			)
			if err != nil {
				return fmt.Errorf("inserting idempotency record: %w", err)
			}
			outcome = OutcomeNew
			return nil
		}

		if existing.RequestHash != requestHash {
			outcome = OutcomeConflict
			return nil
		}

		if existing.Status == StatusCompleted {
			outcome = OutcomeReplay
			record = existing
			return nil
		}

		// Pending or failed with the same payload: treat as a fresh attempt
		// (failed → allows retry with the same key per spec.md §5 timeout
		// handling; pending → a prior attempt never completed).
		outcome = OutcomeNew
		_, err = tx.Exec(ctx, `
			UPDATE idempotency_records SET status = $5, updated_at = now()
			WHERE tenant=$1 AND actor=$2 AND method=$3 AND route=$4 AND idem_key=$6`,
			k.Tenant, k.Actor, k.Method, k.Route, StatusPending, k.IdemKey,
		)
		if err != nil {
			return fmt.Errorf("resetting idempotency record: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}

	return outcome, record, nil
}

// Complete writes the cached response for a completed request. Subsequent
// identical calls will REPLAY this response.
func (s *Store) Complete(ctx context.Context, k Key, httpStatus int, headers map[string]string, body []byte) error {
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("marshaling headers: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE idempotency_records
		SET status=$6, http_status=$7, headers=$8, response_body=$9, updated_at=now()
		WHERE tenant=$1 AND actor=$2 AND method=$3 AND route=$4 AND idem_key=$5`,
		k.Tenant, k.Actor, k.Method, k.Route, k.IdemKey,
		StatusCompleted, httpStatus, headersJSON, body,
	)
	if err != nil {
		return fmt.Errorf("completing idempotency record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("idempotency record not found for completion")
	}
	return nil
}

// Fail marks a reservation as failed — used on request timeout (§5) so a
// retry with the same key is permitted.
func (s *Store) Fail(ctx context.Context, k Key) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE idempotency_records SET status=$6, updated_at=now()
		WHERE tenant=$1 AND actor=$2 AND method=$3 AND route=$4 AND idem_key=$5`,
		k.Tenant, k.Actor, k.Method, k.Route, k.IdemKey, StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("failing idempotency record: %w", err)
	}
	return nil
}

func fetchRecord(ctx context.Context, tx pgx.Tx, k Key) (*Record, error) {
	row := tx.QueryRow(ctx, `
		SELECT tenant, actor, method, route, idem_key, request_hash, status,
		       http_status, response_body, headers, created_at, updated_at
		FROM idempotency_records
		WHERE tenant=$1 AND actor=$2 AND method=$3 AND route=$4 AND idem_key=$5
		FOR UPDATE`,
		k.Tenant, k.Actor, k.Method, k.Route, k.IdemKey,
	)

	var r Record
	var headersJSON []byte
	if err := row.Scan(
		&r.Tenant, &r.Actor, &r.Method, &r.Route, &r.IdemKey, &r.RequestHash, &r.Status,
		&r.HTTPStatus, &r.ResponseBody, &headersJSON, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(headersJSON) > 0 {
		_ = json.Unmarshal(headersJSON, &r.Headers)
	}
	return &r, nil
}
