// Package budget implements the cost & budget state machine (C8): tracking
// spend ratio per delegation token and deriving ok/soft_alert/reauth/
// hard_stop, grounded in the teacher's pgx Store idiom and transactional
// insert-with-check pattern shared with internal/idempotency.
package budget

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agenthub/idcore/internal/db"
)

// State enumerates the budget states (§4.8), monotone under a single token
// (§8 property 5): ok → soft_alert → reauthorization_required → hard_stop.
type State string

const (
	StateOK                     State = "ok"
	StateSoftAlert              State = "soft_alert"
	StateReauthorizationRequired State = "reauthorization_required"
	StateHardStop               State = "hard_stop"
)

const (
	thresholdSoft   = 0.80
	thresholdReauth = 1.00
	thresholdHard   = 1.20
)

// stateRank gives each State a monotone ordinal, used to assert property 5
// (no write may move state backward) in tests.
var stateRank = map[State]int{
	StateOK:                      0,
	StateSoftAlert:               1,
	StateReauthorizationRequired: 2,
	StateHardStop:                3,
}

// Rank returns s's monotone ordinal.
func Rank(s State) int { return stateRank[s] }

// Totals is the evaluated spend summary for a token.
type Totals struct {
	SpentUSD     float64
	MaxBudgetUSD float64
}

// Evaluation is returned by Evaluate.
type Evaluation struct {
	State      State
	SpendRatio float64
	Totals     Totals
}

func deriveState(ratio float64) State {
	switch {
	case ratio >= thresholdHard:
		return StateHardStop
	case ratio >= thresholdReauth:
		return StateReauthorizationRequired
	case ratio >= thresholdSoft:
		return StateSoftAlert
	default:
		return StateOK
	}
}

// Store persists budget events and evaluates spend ratio.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a budget Store backed by the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Evaluate computes the current spend_ratio and state for a token (§4.8).
func (s *Store) Evaluate(ctx context.Context, tokenID string, maxBudgetUSD float64) (*Evaluation, error) {
	var spent float64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(cost_usd), 0) FROM budget_events WHERE token_id=$1`, tokenID).Scan(&spent)
	if err != nil {
		return nil, fmt.Errorf("summing budget events: %w", err)
	}

	ratio := 0.0
	if maxBudgetUSD > 0 {
		ratio = spent / maxBudgetUSD
	}

	return &Evaluation{
		State:      deriveState(ratio),
		SpendRatio: ratio,
		Totals:     Totals{SpentUSD: spent, MaxBudgetUSD: maxBudgetUSD},
	}, nil
}

// RecordEvent inserts a BudgetEvent and re-evaluates the ratio inside one
// SERIALIZABLE transaction of its own, so concurrent writers cannot race
// past hard_stop (§4.8). Rejects with ErrHardStop or ErrReauthRequired
// when the token's ratio prior to this event already sits at or above the
// corresponding threshold. It takes no transaction from the caller, so the
// caller's cost-bearing write is not part of this transaction and commits
// separately.
func (s *Store) RecordEvent(ctx context.Context, tokenID, actor string, costUSD float64, description string, maxBudgetUSD float64) (*Evaluation, error) {
	var eval *Evaluation
	err := db.WithSerializable(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		// No FOR UPDATE here: Postgres rejects locking clauses on aggregate
		// queries. The surrounding SERIALIZABLE transaction already gives
		// the same guarantee — a concurrent writer summing the same
		// token_id rows aborts with a 40001 serialization failure at
		// commit (db.IsSerializationFailure) instead of silently racing
		// past hard_stop.
		var priorSpent float64
		if err := tx.QueryRow(ctx, `SELECT COALESCE(SUM(cost_usd), 0) FROM budget_events WHERE token_id=$1`, tokenID).Scan(&priorSpent); err != nil {
			return fmt.Errorf("summing prior budget events: %w", err)
		}

		priorRatio := 0.0
		if maxBudgetUSD > 0 {
			priorRatio = priorSpent / maxBudgetUSD
		}
		switch deriveState(priorRatio) {
		case StateHardStop:
			return ErrHardStop
		case StateReauthorizationRequired:
			return ErrReauthRequired
		}

		eventID := "budget_" + uuid.New().String()
		if _, err := tx.Exec(ctx, `INSERT INTO budget_events (event_id, token_id, actor, cost_usd, description, created_at)
			VALUES ($1,$2,$3,$4,$5, now())`, eventID, tokenID, actor, costUSD, description,
		); err != nil {
			return fmt.Errorf("inserting budget event: %w", err)
		}

		newSpent := priorSpent + costUSD
		newRatio := 0.0
		if maxBudgetUSD > 0 {
			newRatio = newSpent / maxBudgetUSD
		}

		eval = &Evaluation{
			State:      deriveState(newRatio),
			SpendRatio: newRatio,
			Totals:     Totals{SpentUSD: newSpent, MaxBudgetUSD: maxBudgetUSD},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return eval, nil
}

// ErrHardStop is returned when a cost-bearing write is attempted against a
// token already in hard_stop — request rejection with 402 budget.hard_stop.
var ErrHardStop = fmt.Errorf("budget.hard_stop")

// ErrReauthRequired is returned when a cost-bearing write is attempted
// against a token already at or above the reauthorization threshold —
// request rejection with 402 budget.reauth_required (§4.8: auto-reauth is
// disabled, so no retry is attempted here).
var ErrReauthRequired = fmt.Errorf("budget.reauth_required")
