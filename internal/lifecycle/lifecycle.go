// Package lifecycle implements the delegation lifecycle (C9): a six-stage
// durable state machine with escrow and a failure-class retry matrix,
// grounded in Generativebots' federation.HandshakeStateMachine (string-enum
// stages, IsTerminal, transition history) re-architected per spec.md §9:
// persisted rows with one transactional transition per stage instead of
// in-process continuation state, so any process can resume any stalled
// delegation from the store.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agenthub/idcore/internal/breaker"
	"github.com/agenthub/idcore/internal/budget"
	"github.com/agenthub/idcore/internal/db"
	"github.com/agenthub/idcore/internal/policy"
)

// Stage enumerates the six ordered lifecycle stages (§4.9).
type Stage string

const (
	StageDiscovery   Stage = "discovery"
	StageNegotiation Stage = "negotiation"
	StageExecution   Stage = "execution"
	StageDelivery    Stage = "delivery"
	StageSettlement  Stage = "settlement"
	StageFeedback    Stage = "feedback"
)

var stageOrder = []Stage{StageDiscovery, StageNegotiation, StageExecution, StageDelivery, StageSettlement, StageFeedback}

// Status enumerates the queue state of a DelegationRecord (§3).
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSettled   Status = "settled"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// FailureClass enumerates the retry-matrix classes (§4.9).
type FailureClass string

const (
	FailureTransientNetwork FailureClass = "transient_network_error"
	FailureDelegateTimeout  FailureClass = "delegate_timeout"
	FailurePolicyDenied     FailureClass = "policy_denied"
	FailureHardStopBudget   FailureClass = "hard_stop_budget"
)

// RetryPolicy is one row of the retry matrix (§4.9).
type RetryPolicy struct {
	MaxRetries int
	BackoffMs  []int
}

// RetryMatrix is the fixed retry policy per failure class (§4.9).
var RetryMatrix = map[FailureClass]RetryPolicy{
	FailureTransientNetwork: {MaxRetries: 2, BackoffMs: []int{100, 250}},
	FailureDelegateTimeout:  {MaxRetries: 1, BackoffMs: []int{200}},
	FailurePolicyDenied:     {MaxRetries: 0, BackoffMs: nil},
	FailureHardStopBudget:   {MaxRetries: 0, BackoffMs: nil},
}

// HeartbeatStale is how long a running row may go without a heartbeat
// before the reaper reclaims it (§4.9, §5).
const HeartbeatStale = 30 * time.Second

// DelegationRecord is the persisted row driving one delegation (§3).
type DelegationRecord struct {
	DelegationID     string
	RequesterAgentID string
	DelegateAgentID  string
	// TokenID is the delegation token (C5) the caller authenticated with,
	// if any — the key budget_events accumulates against (§4.8). Empty when
	// the caller authenticated by platform API key, in which case C8's
	// cumulative per-token governance does not apply to this record.
	TokenID          string
	Status           Status
	EstimatedCostUSD float64
	ActualCostUSD    *float64
	MaxBudgetUSD     float64
	Stage            Stage
	AttemptCount     int
	LastError        *string
	HeartbeatAt      time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time

	// Warnings is populated by settlement when the token's budget state
	// crosses soft_alert (§4.8, §7 "200 with warnings: [budget.soft_alert]").
	// Not persisted — only meaningful on the record returned from Create.
	Warnings []string
}

// AuditEvent is one entry of a DelegationRecord's ordered audit log (§3),
// grounded in the teacher's incident history log idiom
// (pkg/incident: CreateHistory/ListHistory).
type AuditEvent struct {
	DelegationID string
	Stage        Stage
	Event        string
	Detail       string
	CreatedAt    time.Time
}

// ExecutionOutcome is supplied by the caller to simulate the sandboxed
// delegate invocation (§4.9 execution/delivery stages) — there is no live
// sandbox in this core; callers (tests, or a future sandbox integration)
// describe what happened.
type ExecutionOutcome struct {
	Succeeded     bool
	FailureClass  FailureClass
	ActualCostUSD float64
}

const recordColumns = `delegation_id, requester_agent_id, delegate_agent_id, token_id, status, estimated_cost_usd, actual_cost_usd, max_budget_usd, stage, attempt_count, last_error, heartbeat_at, created_at, updated_at`

// Engine drives delegations through their six stages.
type Engine struct {
	pool        *pgxpool.Pool
	policyEval  *policy.Evaluator
	budgetStore *budget.Store
	breaker     *breaker.Breaker
}

// NewEngine creates a lifecycle Engine.
func NewEngine(pool *pgxpool.Pool, policyEval *policy.Evaluator, budgetStore *budget.Store, brk *breaker.Breaker) *Engine {
	return &Engine{pool: pool, policyEval: policyEval, budgetStore: budgetStore, breaker: brk}
}

func scanRecord(row pgx.Row) (*DelegationRecord, error) {
	var r DelegationRecord
	if err := row.Scan(
		&r.DelegationID, &r.RequesterAgentID, &r.DelegateAgentID, &r.TokenID, &r.Status, &r.EstimatedCostUSD,
		&r.ActualCostUSD, &r.MaxBudgetUSD, &r.Stage, &r.AttemptCount, &r.LastError, &r.HeartbeatAt,
		&r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateParams are the inputs to Create (§6 POST /v1/delegations body).
type CreateParams struct {
	RequesterAgentID      string
	DelegateAgentID       string
	TokenID               string
	TaskSpec              map[string]any
	EstimatedCostUSD      float64
	MaxBudgetUSD          float64
	SimulatedActualCostUSD *float64

	Principal   policy.PrincipalContext
	Resource    policy.ResourceContext
	Environment policy.Environment
	Action      string
}

// ErrBreakerOpen is returned when the reliability breaker rejects new work.
var ErrBreakerOpen = errors.New("breaker.open")

// ErrPolicyDenied is returned when discovery's policy check fails fast.
type ErrPolicyDenied struct {
	Decision *policy.PolicyDecision
}

func (e *ErrPolicyDenied) Error() string { return "policy denied: " + joinCodes(e.Decision.ViolationCodes) }

func joinCodes(codes []string) string {
	out := ""
	for i, c := range codes {
		if i > 0 {
			out += ","
		}
		out += c
	}
	return out
}

// Create runs a delegation through all six stages synchronously within the
// originating HTTP request (§2 control flow), persisting one transactional
// transition per stage (§9) so a crash mid-flight leaves a resumable row
// instead of lost in-process state.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*DelegationRecord, error) {
	if e.breaker != nil && !e.breaker.Allow() {
		return nil, ErrBreakerOpen
	}

	rec := &DelegationRecord{
		DelegationID:     "deleg_" + uuid.New().String(),
		RequesterAgentID: p.RequesterAgentID,
		DelegateAgentID:  p.DelegateAgentID,
		TokenID:          p.TokenID,
		Status:           StatusQueued,
		EstimatedCostUSD: p.EstimatedCostUSD,
		MaxBudgetUSD:     p.MaxBudgetUSD,
		Stage:            StageDiscovery,
		HeartbeatAt:      time.Now().UTC(),
	}

	if err := e.insert(ctx, rec); err != nil {
		return nil, err
	}

	if err := e.run(ctx, rec, p); err != nil {
		return rec, err
	}
	return rec, nil
}

func (e *Engine) insert(ctx context.Context, r *DelegationRecord) error {
	query := `INSERT INTO delegation_records
		(delegation_id, requester_agent_id, delegate_agent_id, token_id, status, estimated_cost_usd, max_budget_usd, stage, attempt_count, heartbeat_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0, now(), now(), now())
		RETURNING heartbeat_at, created_at, updated_at`
	row := e.pool.QueryRow(ctx, query, r.DelegationID, r.RequesterAgentID, r.DelegateAgentID, r.TokenID, r.Status, r.EstimatedCostUSD, r.MaxBudgetUSD, r.Stage)
	return row.Scan(&r.HeartbeatAt, &r.CreatedAt, &r.UpdatedAt)
}

func (e *Engine) appendAudit(ctx context.Context, delegationID string, stage Stage, event, detail string) error {
	_, err := e.pool.Exec(ctx, `INSERT INTO delegation_audit_events (delegation_id, stage, event, detail, created_at) VALUES ($1,$2,$3,$4, now())`,
		delegationID, stage, event, detail,
	)
	return err
}

func (e *Engine) setStageTx(ctx context.Context, tx pgx.Tx, delegationID string, stage Stage) error {
	_, err := tx.Exec(ctx, `UPDATE delegation_records SET stage=$2, heartbeat_at=now(), updated_at=now() WHERE delegation_id=$1`, delegationID, stage)
	return err
}

func (e *Engine) setStatusTx(ctx context.Context, tx pgx.Tx, delegationID string, status Status, lastError *string) error {
	_, err := tx.Exec(ctx, `UPDATE delegation_records SET status=$2, last_error=$3, updated_at=now() WHERE delegation_id=$1`, delegationID, status, lastError)
	return err
}

// run drives rec through every stage starting from its current persisted
// Stage, so the reaper can resume a reclaimed row from exactly where it
// stalled.
func (e *Engine) run(ctx context.Context, rec *DelegationRecord, p CreateParams) error {
	if err := e.markRunning(ctx, rec); err != nil {
		return err
	}

	startIdx := 0
	for i, s := range stageOrder {
		if s == rec.Stage {
			startIdx = i
			break
		}
	}

	var outcome ExecutionOutcome
	if p.SimulatedActualCostUSD != nil {
		outcome = ExecutionOutcome{Succeeded: true, ActualCostUSD: *p.SimulatedActualCostUSD}
	} else {
		outcome = ExecutionOutcome{Succeeded: true, ActualCostUSD: p.EstimatedCostUSD}
	}

	started := time.Now()
	for _, stage := range stageOrder[startIdx:] {
		rec.Stage = stage
		if err := db.WithSerializable(ctx, e.pool, func(ctx context.Context, tx pgx.Tx) error {
			return e.setStageTx(ctx, tx, rec.DelegationID, stage)
		}); err != nil {
			return fmt.Errorf("persisting stage %s: %w", stage, err)
		}
		var err error
		switch stage {
		case StageDiscovery:
			err = e.runDiscovery(ctx, rec, p)
		case StageNegotiation:
			err = e.runNegotiation(ctx, rec, p)
		case StageExecution:
			err = e.runExecution(ctx, rec, outcome)
		case StageDelivery:
			err = e.runDelivery(ctx, rec, outcome)
		case StageSettlement:
			err = e.runSettlement(ctx, rec, outcome, rec.TokenID)
		case StageFeedback:
			err = e.runFeedback(ctx, rec)
		}

		if err != nil {
			msg := err.Error()
			_ = e.appendAudit(ctx, rec.DelegationID, stage, "stage_failed", msg)
			finalStatus := StatusFailed
			var pd *ErrPolicyDenied
			if errors.As(err, &pd) {
				finalStatus = StatusCancelled
			}
			_ = db.WithSerializable(ctx, e.pool, func(ctx context.Context, tx pgx.Tx) error {
				return e.setStatusTx(ctx, tx, rec.DelegationID, finalStatus, &msg)
			})
			rec.Status = finalStatus
			rec.LastError = &msg

			if e.breaker != nil {
				e.breaker.Record(ctx, breaker.Sample{
					Success:   false,
					HardStop:  errors.Is(err, budget.ErrHardStop),
					LatencyMs: float64(time.Since(started).Milliseconds()),
					At:        time.Now(),
				})
			}
			return err
		}

		_ = e.appendAudit(ctx, rec.DelegationID, stage, "stage_completed", "")
	}

	_ = db.WithSerializable(ctx, e.pool, func(ctx context.Context, tx pgx.Tx) error {
		return e.setStatusTx(ctx, tx, rec.DelegationID, StatusSettled, nil)
	})
	rec.Status = StatusSettled

	if e.breaker != nil {
		e.breaker.Record(ctx, breaker.Sample{
			Success:   true,
			LatencyMs: float64(time.Since(started).Milliseconds()),
			At:        time.Now(),
		})
	}
	return nil
}

func (e *Engine) markRunning(ctx context.Context, rec *DelegationRecord) error {
	return db.WithSerializable(ctx, e.pool, func(ctx context.Context, tx pgx.Tx) error {
		if err := e.setStatusTx(ctx, tx, rec.DelegationID, StatusRunning, nil); err != nil {
			return err
		}
		return e.setStageTx(ctx, tx, rec.DelegationID, rec.Stage)
	})
}

// runDiscovery resolves the delegate and fails fast on any abac.* violation
// (§4.9).
func (e *Engine) runDiscovery(ctx context.Context, rec *DelegationRecord, p CreateParams) error {
	if e.policyEval == nil {
		return nil
	}
	decision := e.policyEval.Evaluate(p.Principal, p.Resource, p.Environment, p.Action)
	_ = e.appendAudit(ctx, rec.DelegationID, StageDiscovery, "policy_decision", joinCodes(decision.ViolationCodes))
	if decision.Decision == policy.DecisionDeny {
		return &ErrPolicyDenied{Decision: decision}
	}
	return nil
}

// runNegotiation computes escrow and atomically debits the requester's
// delegation balance (§4.9). When the delegation was authenticated with a
// delegation token, it also consults C8's cumulative per-token budget state
// before debiting escrow, so a token already at reauth/hard_stop from prior
// delegations is rejected before work starts rather than only at settlement.
func (e *Engine) runNegotiation(ctx context.Context, rec *DelegationRecord, p CreateParams) error {
	if rec.EstimatedCostUSD > rec.MaxBudgetUSD {
		return fmt.Errorf("estimated_cost_usd %.2f exceeds max_budget_usd %.2f", rec.EstimatedCostUSD, rec.MaxBudgetUSD)
	}

	if e.budgetStore != nil && rec.TokenID != "" {
		eval, err := e.budgetStore.Evaluate(ctx, rec.TokenID, rec.MaxBudgetUSD)
		if err != nil {
			return fmt.Errorf("evaluating token budget: %w", err)
		}
		switch eval.State {
		case budget.StateHardStop:
			return budget.ErrHardStop
		case budget.StateReauthorizationRequired:
			return budget.ErrReauthRequired
		}
	}

	return db.WithSerializable(ctx, e.pool, func(ctx context.Context, tx pgx.Tx) error {
		var balance float64
		err := tx.QueryRow(ctx, `SELECT balance_usd FROM delegation_balances WHERE agent_id=$1 FOR UPDATE`, rec.RequesterAgentID).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			balance = 0
			if _, err := tx.Exec(ctx, `INSERT INTO delegation_balances (agent_id, balance_usd) VALUES ($1, 0)`, rec.RequesterAgentID); err != nil {
				return fmt.Errorf("initializing delegation balance: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("loading delegation balance: %w", err)
		}

		if balance < rec.EstimatedCostUSD {
			return fmt.Errorf("insufficient delegation balance: have %.2f, need %.2f", balance, rec.EstimatedCostUSD)
		}

		if _, err := tx.Exec(ctx, `UPDATE delegation_balances SET balance_usd = balance_usd - $2 WHERE agent_id=$1`, rec.RequesterAgentID, rec.EstimatedCostUSD); err != nil {
			return fmt.Errorf("debiting escrow: %w", err)
		}
		return nil
	})
}

// runExecution checks the caller-supplied ExecutionOutcome (no delegate is
// invoked; see ExecutionOutcome) and, on failure, applies the retry matrix
// via retryOrFail (§4.9).
func (e *Engine) runExecution(ctx context.Context, rec *DelegationRecord, outcome ExecutionOutcome) error {
	if outcome.Succeeded {
		return nil
	}
	return e.retryOrFail(ctx, rec, outcome.FailureClass)
}

// runDelivery validates the structured output contract marker.
func (e *Engine) runDelivery(ctx context.Context, rec *DelegationRecord, outcome ExecutionOutcome) error {
	if outcome.Succeeded {
		return nil
	}
	return e.retryOrFail(ctx, rec, outcome.FailureClass)
}

func (e *Engine) retryOrFail(ctx context.Context, rec *DelegationRecord, class FailureClass) error {
	policy, ok := RetryMatrix[class]
	if !ok {
		return fmt.Errorf("unknown failure class %q", class)
	}

	if rec.AttemptCount >= policy.MaxRetries {
		return fmt.Errorf("%s: retries exhausted (max %d)", class, policy.MaxRetries)
	}

	backoffMs := 0
	if rec.AttemptCount < len(policy.BackoffMs) {
		backoffMs = policy.BackoffMs[rec.AttemptCount]
	}
	rec.AttemptCount++
	_, _ = e.pool.Exec(ctx, `UPDATE delegation_records SET attempt_count=$2, updated_at=now() WHERE delegation_id=$1`, rec.DelegationID, rec.AttemptCount)

	select {
	case <-time.After(time.Duration(backoffMs) * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// runSettlement computes actual cost, refunds unused escrow, and blocks on
// the 1.2x hard-stop ceiling (§4.9, §3 DelegationRecord invariant). When the
// delegation was authenticated with a delegation token, the actual cost is
// also recorded as a BudgetEvent against that token (§4.8) and re-evaluated
// in the same insert transaction, so C8's cumulative ok/soft_alert/reauth/
// hard_stop state machine — not just this one record's 1.2x ceiling — gates
// every cost-bearing settlement.
func (e *Engine) runSettlement(ctx context.Context, rec *DelegationRecord, outcome ExecutionOutcome, tokenID string) error {
	actual := outcome.ActualCostUSD
	if actual > 1.2*rec.MaxBudgetUSD {
		return fmt.Errorf("%w: actual_cost_usd %.2f exceeds 1.2x max_budget_usd %.2f", budget.ErrHardStop, actual, rec.MaxBudgetUSD)
	}

	if e.budgetStore != nil && tokenID != "" {
		eval, err := e.budgetStore.RecordEvent(ctx, tokenID, rec.RequesterAgentID, actual, "delegation settlement: "+rec.DelegationID, rec.MaxBudgetUSD)
		if err != nil {
			return err
		}
		if eval.State == budget.StateSoftAlert {
			rec.Warnings = append(rec.Warnings, "budget.soft_alert")
		}
	}

	refund := rec.EstimatedCostUSD - actual
	if refund < 0 {
		refund = 0
	}

	return db.WithSerializable(ctx, e.pool, func(ctx context.Context, tx pgx.Tx) error {
		if refund > 0 {
			if _, err := tx.Exec(ctx, `UPDATE delegation_balances SET balance_usd = balance_usd + $2 WHERE agent_id=$1`, rec.RequesterAgentID, refund); err != nil {
				return fmt.Errorf("refunding escrow: %w", err)
			}
		}
		if _, err := tx.Exec(ctx, `UPDATE delegation_records SET actual_cost_usd=$2, updated_at=now() WHERE delegation_id=$1`, rec.DelegationID, actual); err != nil {
			return fmt.Errorf("recording actual cost: %w", err)
		}
		rec.ActualCostUSD = &actual
		return nil
	})
}

// runFeedback records a usage_signal_emitted audit event (§4.9). It writes
// no outbox row, so no trust-scoring consumer receives it.
func (e *Engine) runFeedback(ctx context.Context, rec *DelegationRecord) error {
	return e.appendAudit(ctx, rec.DelegationID, StageFeedback, "usage_signal_emitted", "")
}

// Get loads a delegation record by ID (§6 GET /v1/delegations/{id}/status).
func (e *Engine) Get(ctx context.Context, delegationID string) (*DelegationRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM delegation_records WHERE delegation_id = $1`
	return scanRecord(e.pool.QueryRow(ctx, query, delegationID))
}

// TopUpBalance credits an agent's delegation balance — an operational helper
// with no dedicated endpoint in §6; used by seed/test fixtures to fund the
// negotiation stage's escrow debit.
func (e *Engine) TopUpBalance(ctx context.Context, agentID string, amountUSD float64) error {
	_, err := e.pool.Exec(ctx, `
		INSERT INTO delegation_balances (agent_id, balance_usd) VALUES ($1, $2)
		ON CONFLICT (agent_id) DO UPDATE SET balance_usd = delegation_balances.balance_usd + $2`,
		agentID, amountUSD,
	)
	return err
}

// ReapStale reclaims running rows whose heartbeat has gone stale for more
// than HeartbeatStale (§4.9, §5) by resuming them from their last persisted
// stage. runWorker in internal/app calls it on a periodic ticker.
func (e *Engine) ReapStale(ctx context.Context) (int, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT `+recordColumns+` FROM delegation_records
		WHERE status=$1 AND heartbeat_at < now() - interval '30 seconds'`,
		StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("querying stale delegations: %w", err)
	}
	var stale []*DelegationRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning stale delegation: %w", err)
		}
		stale = append(stale, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, rec := range stale {
		if err := e.run(ctx, rec, CreateParams{
			RequesterAgentID: rec.RequesterAgentID,
			DelegateAgentID:  rec.DelegateAgentID,
			TokenID:          rec.TokenID,
			EstimatedCostUSD: rec.EstimatedCostUSD,
			MaxBudgetUSD:     rec.MaxBudgetUSD,
		}); err != nil {
			continue
		}
		reclaimed++
	}
	return reclaimed, nil
}

// CancelRunningByAgentTx implements revocation.LeaseCanceller: every running
// record where the revoked agent is requester or delegate is set to
// cancelled inside the revocation transaction, so no in-flight grant
// outlives the revoke (§4.6 step 4).
func (e *Engine) CancelRunningByAgentTx(ctx context.Context, tx pgx.Tx, agentID string) (int, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE delegation_records SET status=$3, updated_at=now()
		WHERE (requester_agent_id=$1 OR delegate_agent_id=$1) AND status=$2`,
		agentID, StatusRunning, StatusCancelled,
	)
	if err != nil {
		return 0, fmt.Errorf("cancelling running delegations for agent: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
