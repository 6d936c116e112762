package budget

import "testing"

func TestDeriveStateThresholds(t *testing.T) {
	tests := []struct {
		ratio float64
		want  State
	}{
		{0, StateOK},
		{0.5, StateOK},
		{0.79, StateOK},
		{0.80, StateSoftAlert},
		{0.95, StateSoftAlert},
		{1.00, StateReauthorizationRequired},
		{1.10, StateReauthorizationRequired},
		{1.20, StateHardStop},
		{5.00, StateHardStop},
	}

	for _, tt := range tests {
		if got := deriveState(tt.ratio); got != tt.want {
			t.Errorf("deriveState(%.2f) = %s, want %s", tt.ratio, got, tt.want)
		}
	}
}

func TestRankIsMonotoneWithState(t *testing.T) {
	order := []State{StateOK, StateSoftAlert, StateReauthorizationRequired, StateHardStop}
	for i := 1; i < len(order); i++ {
		if Rank(order[i]) <= Rank(order[i-1]) {
			t.Fatalf("Rank(%s)=%d is not greater than Rank(%s)=%d", order[i], Rank(order[i]), order[i-1], Rank(order[i-1]))
		}
	}
}
