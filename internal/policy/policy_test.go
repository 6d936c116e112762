package policy

import "testing"

func TestEvaluateAllow(t *testing.T) {
	e := NewEvaluator([]byte("test-policy-secret"))
	pd := e.Evaluate(
		PrincipalContext{TenantID: "acme", AllowedActions: []string{"delegation.execute"}},
		ResourceContext{TenantID: "acme"},
		Environment{},
		"delegation.execute",
	)
	if pd.Decision != DecisionAllow {
		t.Fatalf("decision = %s, want allow; violations=%v", pd.Decision, pd.ViolationCodes)
	}
	if len(pd.ViolationCodes) != 0 {
		t.Fatalf("violation codes = %v, want none", pd.ViolationCodes)
	}
	if pd.DecisionSignature == "" {
		t.Fatal("decision signature is empty")
	}
}

func TestEvaluateTenantMismatch(t *testing.T) {
	e := NewEvaluator([]byte("test-policy-secret"))
	pd := e.Evaluate(
		PrincipalContext{TenantID: "acme", AllowedActions: []string{"delegation.execute"}},
		ResourceContext{TenantID: "globex"},
		Environment{},
		"delegation.execute",
	)
	if pd.Decision != DecisionDeny {
		t.Fatalf("decision = %s, want deny", pd.Decision)
	}
	if !containsCode(pd.ViolationCodes, "abac.tenant_mismatch") {
		t.Fatalf("violation codes = %v, want abac.tenant_mismatch", pd.ViolationCodes)
	}
}

func TestEvaluateActionNotAllowed(t *testing.T) {
	e := NewEvaluator([]byte("test-policy-secret"))
	pd := e.Evaluate(
		PrincipalContext{TenantID: "acme", AllowedActions: []string{"delegation.read"}},
		ResourceContext{TenantID: "acme"},
		Environment{},
		"delegation.execute",
	)
	if pd.Decision != DecisionDeny {
		t.Fatalf("decision = %s, want deny", pd.Decision)
	}
	if !containsCode(pd.ViolationCodes, "abac.action_not_allowed") {
		t.Fatalf("violation codes = %v, want abac.action_not_allowed", pd.ViolationCodes)
	}
}

func TestEvaluateMFARequired(t *testing.T) {
	e := NewEvaluator([]byte("test-policy-secret"))
	pd := e.Evaluate(
		PrincipalContext{TenantID: "acme", AllowedActions: []string{"delegation.execute"}, MFAPresent: false},
		ResourceContext{TenantID: "acme"},
		Environment{RequiresMFA: true},
		"delegation.execute",
	)
	if pd.Decision != DecisionDeny {
		t.Fatalf("decision = %s, want deny", pd.Decision)
	}
	if !containsCode(pd.ViolationCodes, "abac.mfa_required") {
		t.Fatalf("violation codes = %v, want abac.mfa_required", pd.ViolationCodes)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	e := NewEvaluator([]byte("test-policy-secret"))
	principal := PrincipalContext{TenantID: "acme", AllowedActions: []string{"delegation.execute"}}
	resource := ResourceContext{TenantID: "acme"}

	first := e.Evaluate(principal, resource, Environment{}, "delegation.execute")
	second := e.Evaluate(principal, resource, Environment{}, "delegation.execute")
	second.SignedAt = first.SignedAt

	if !e.VerifySignature(first) {
		t.Fatal("VerifySignature rejected a freshly signed decision")
	}
	if first.Decision != second.Decision {
		t.Fatalf("decisions diverged across identical inputs: %s vs %s", first.Decision, second.Decision)
	}
}

func TestVerifySignatureRejectsTamperedDecision(t *testing.T) {
	e := NewEvaluator([]byte("test-policy-secret"))
	pd := e.Evaluate(
		PrincipalContext{TenantID: "acme", AllowedActions: []string{"delegation.execute"}},
		ResourceContext{TenantID: "acme"},
		Environment{},
		"delegation.execute",
	)
	pd.Decision = DecisionDeny
	if e.VerifySignature(pd) {
		t.Fatal("VerifySignature accepted a decision mutated after signing")
	}
}

func containsCode(codes []string, want string) bool {
	for _, c := range codes {
		if c == want {
			return true
		}
	}
	return false
}
