package breaker

import (
	"context"
	"testing"
	"time"
)

func recordN(t *testing.T, b *Breaker, n int, success bool, latencyMs float64) State {
	t.Helper()
	var state State
	for i := 0; i < n; i++ {
		state = b.Record(context.Background(), Sample{Success: success, LatencyMs: latencyMs, At: time.Now()})
	}
	return state
}

func TestBreakerStaysClosedBelowMinSamples(t *testing.T) {
	b := New(100, 500, nil)
	state := recordN(t, b, minSamplesForEnforcement-1, false, 5000)
	if state != StateClosed {
		t.Fatalf("state = %s, want closed below min sample gate", state)
	}
	if !b.Allow() {
		t.Fatalf("Allow() = false, want true below min sample gate")
	}
}

func TestBreakerOpensOnErrorRateBreach(t *testing.T) {
	b := New(100, 500, nil)
	// 10 samples, 4 failures = 40% error rate >= 30% threshold.
	recordN(t, b, 6, true, 10)
	state := recordN(t, b, 4, false, 10)
	if state != StateOpen {
		t.Fatalf("state = %s, want open", state)
	}
	if b.Allow() {
		t.Fatalf("Allow() = true, want false when open")
	}
}

func TestBreakerOpenToHalfOpenToClosed(t *testing.T) {
	b := New(100, 500, nil)
	recordN(t, b, 6, true, 10)
	if state := recordN(t, b, 4, false, 10); state != StateOpen {
		t.Fatalf("state = %s, want open", state)
	}

	// deriveTransition's documented contract (DESIGN.md open question 2):
	// half_open->closed consults the SAME rolling window as open detection.
	// The first run of recoveryWindow consecutive successes flips
	// open->half_open; one more success while still all-clean flips
	// half_open->closed, all from the identical rolling window (never a
	// separate post-open-only counter).
	if state := recordN(t, b, recoveryWindow, true, 10); state != StateHalfOpen {
		t.Fatalf("state after %d clean samples = %s, want half_open", recoveryWindow, state)
	}
	state := recordN(t, b, 1, true, 10)
	if state != StateClosed {
		t.Fatalf("state after one more clean sample = %s, want closed", state)
	}
}

func TestBreakerStaysOpenOnRenewedFailuresBeforeRecovery(t *testing.T) {
	b := New(100, 500, nil)
	recordN(t, b, 6, true, 10)
	recordN(t, b, 4, false, 10) // open
	recordN(t, b, 3, true, 10)  // not yet recovered (needs recoveryWindow consecutive)
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want still open before recovery window elapses", b.State())
	}

	state := recordN(t, b, 2, false, 10)
	if state != StateOpen {
		t.Fatalf("state = %s, want open after renewed failures", state)
	}
}

func TestBreakerOpensOnLatencySLOBreach(t *testing.T) {
	b := New(100, 100, nil) // SLO 100ms, multiplier 1.5 => breach above 150ms
	state := recordN(t, b, minSamplesForEnforcement, true, 500)
	if state != StateOpen {
		t.Fatalf("state = %s, want open on latency SLO breach", state)
	}
}

func TestBreakerWindowSizeClamped(t *testing.T) {
	b := New(0, 100, nil)
	if b.windowSize != 1 {
		t.Fatalf("windowSize = %d, want clamped to 1", b.windowSize)
	}
	b2 := New(5000, 100, nil)
	if b2.windowSize != 1000 {
		t.Fatalf("windowSize = %d, want clamped to 1000", b2.windowSize)
	}
}
