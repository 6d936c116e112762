// Package db provides the minimal transaction abstraction every AgentHub
// store is built on. The teacher's stores (pkg/apikey, pkg/incident,
// pkg/pat in the source pack) all take a connection of this shape but the
// pack never shipped the interface itself — it is built here in the same
// idiom: a DBTX interface satisfied by both the pool and a transaction, plus
// a WithSerializable helper for the multi-row mutations spec.md §5 requires
// to run inside one SERIALIZABLE transaction.
package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx, letting every store accept
// either a pooled connection or an in-flight transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithSerializable runs fn inside a single SERIALIZABLE transaction acquired
// from pool. Every multi-row mutation spec.md §5 names — the revocation
// cascade, the negotiation debit-escrow, the settlement refund, idempotency
// complete, and the budget-event-insert-with-ratio-check — must be wrapped
// with this helper so partial states are never observable to a concurrent
// reader. On any error, or if fn returns one, the transaction is rolled
// back; serialization failures are surfaced to the caller untouched so a
// retry-with-backoff layer (spec.md §7, "transient store error") can decide
// whether to retry.
func WithSerializable(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("beginning serializable transaction: %w", err)
	}

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing serializable transaction: %w", err)
	}
	return nil
}

// IsSerializationFailure reports whether err is a Postgres serialization
// failure (SQLSTATE 40001), the signal that a caller should retry the
// transaction with backoff.
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001"
	}
	return false
}
