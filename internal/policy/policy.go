// Package policy implements the policy/ABAC evaluator (C7): an ordered set
// of attribute checks producing a signed, explainable PolicyDecision,
// grounded in C1 cryptoprim's canonical-sign pattern.
package policy

import (
	"time"

	"github.com/agenthub/idcore/internal/cryptoprim"
)

// PrincipalContext is the subset of a principal's attributes relevant to
// policy evaluation (§4.7).
type PrincipalContext struct {
	TenantID       string
	AllowedActions []string
	MFAPresent     bool
}

// ResourceContext is the subset of a resource's attributes relevant to
// policy evaluation.
type ResourceContext struct {
	TenantID string
}

// Environment carries request-time environment attributes.
type Environment struct {
	RequiresMFA bool
}

// Decision enumerates the policy outcome.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// PolicyDecision is the ephemeral-but-audited result of Evaluate (§3).
type PolicyDecision struct {
	Decision         Decision          `json:"decision"`
	ViolationCodes   []string          `json:"violation_codes"`
	WarningCodes     []string          `json:"warning_codes"`
	AllowCodes       []string          `json:"allow_codes"`
	EvaluatedFields  map[string]string `json:"evaluated_fields"`
	DecisionSignature string           `json:"decision_signature"`
	SignedAt         time.Time         `json:"signed_at"`
}

// signaturePayload is the canonical form signed — everything in
// PolicyDecision except the signature itself (§4.7).
type signaturePayload struct {
	Decision        Decision          `json:"decision"`
	ViolationCodes  []string          `json:"violation_codes"`
	WarningCodes    []string          `json:"warning_codes"`
	AllowCodes      []string          `json:"allow_codes"`
	EvaluatedFields map[string]string `json:"evaluated_fields"`
	SignedAt        int64             `json:"signed_at"`
}

// Evaluator evaluates ABAC requests and signs the resulting decision.
type Evaluator struct {
	secret []byte
}

// NewEvaluator creates an Evaluator using the process-wide policy signing
// secret.
func NewEvaluator(policySigningSecret []byte) *Evaluator {
	return &Evaluator{secret: policySigningSecret}
}

// Evaluate runs the three ordered checks (§4.7) and returns a signed,
// explainable decision. The decision and its codes depend only on the
// inputs. The signature also covers SignedAt (the clock, in Unix seconds),
// so identical inputs yield identical signatures only when evaluated within
// the same second.
func (e *Evaluator) Evaluate(principal PrincipalContext, resource ResourceContext, env Environment, action string) *PolicyDecision {
	var violations, warnings, allows []string
	evaluatedFields := map[string]string{
		"principal.tenant_id": principal.TenantID,
		"resource.tenant_id":  resource.TenantID,
		"action":              action,
	}

	if principal.TenantID != resource.TenantID {
		violations = append(violations, "abac.tenant_mismatch")
	} else {
		allows = append(allows, "abac.tenant_match")
	}

	if !actionAllowed(action, principal.AllowedActions) {
		violations = append(violations, "abac.action_not_allowed")
	} else {
		allows = append(allows, "abac.action_allowed")
	}

	if env.RequiresMFA && !principal.MFAPresent {
		violations = append(violations, "abac.mfa_required")
	} else if env.RequiresMFA {
		allows = append(allows, "abac.mfa_satisfied")
	}

	decision := DecisionAllow
	if len(violations) > 0 {
		decision = DecisionDeny
	}

	now := time.Now().UTC()
	pd := &PolicyDecision{
		Decision:        decision,
		ViolationCodes:  violations,
		WarningCodes:    warnings,
		AllowCodes:      allows,
		EvaluatedFields: evaluatedFields,
		SignedAt:        now,
	}

	payload, err := cryptoprim.Canonical(signaturePayload{
		Decision:        pd.Decision,
		ViolationCodes:  pd.ViolationCodes,
		WarningCodes:    pd.WarningCodes,
		AllowCodes:      pd.AllowCodes,
		EvaluatedFields: pd.EvaluatedFields,
		SignedAt:        now.Unix(),
	})
	if err == nil {
		pd.DecisionSignature = cryptoprim.Sign(e.secret, payload)
	}

	return pd
}

// VerifySignature recomputes the decision's signature and compares it
// constant-time, so operators can confirm a persisted decision was not
// tampered with.
func (e *Evaluator) VerifySignature(pd *PolicyDecision) bool {
	payload, err := cryptoprim.Canonical(signaturePayload{
		Decision:        pd.Decision,
		ViolationCodes:  pd.ViolationCodes,
		WarningCodes:    pd.WarningCodes,
		AllowCodes:      pd.AllowCodes,
		EvaluatedFields: pd.EvaluatedFields,
		SignedAt:        pd.SignedAt.Unix(),
	})
	if err != nil {
		return false
	}
	return cryptoprim.Verify(e.secret, payload, pd.DecisionSignature)
}

func actionAllowed(action string, allowed []string) bool {
	for _, a := range allowed {
		if a == action {
			return true
		}
	}
	return false
}
