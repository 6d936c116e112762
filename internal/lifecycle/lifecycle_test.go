package lifecycle

import "testing"

func TestJoinCodes(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want string
	}{
		{"empty", nil, ""},
		{"single", []string{"abac.tenant_mismatch"}, "abac.tenant_mismatch"},
		{"multiple", []string{"abac.tenant_mismatch", "abac.mfa_required"}, "abac.tenant_mismatch,abac.mfa_required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := joinCodes(tt.in); got != tt.want {
				t.Errorf("joinCodes(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// RetryMatrix is a fixed lookup consulted by retryOrFail; every failure
// class retryOrFail can see must resolve to an entry, and BackoffMs must
// never be shorter than MaxRetries would index into.
func TestRetryMatrixCoversAllFailureClasses(t *testing.T) {
	classes := []FailureClass{
		FailureTransientNetwork,
		FailureDelegateTimeout,
		FailurePolicyDenied,
		FailureHardStopBudget,
	}
	for _, class := range classes {
		policy, ok := RetryMatrix[class]
		if !ok {
			t.Fatalf("RetryMatrix has no entry for %s", class)
		}
		if len(policy.BackoffMs) < policy.MaxRetries {
			t.Errorf("%s: BackoffMs has %d entries but MaxRetries=%d", class, len(policy.BackoffMs), policy.MaxRetries)
		}
	}
}

func TestRetryMatrixDeniesHaveNoRetries(t *testing.T) {
	for _, class := range []FailureClass{FailurePolicyDenied, FailureHardStopBudget} {
		policy := RetryMatrix[class]
		if policy.MaxRetries != 0 {
			t.Errorf("%s: MaxRetries = %d, want 0 (non-retryable)", class, policy.MaxRetries)
		}
	}
}
