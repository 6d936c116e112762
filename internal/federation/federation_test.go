package federation

import "testing"

func TestScopesSubsetOf(t *testing.T) {
	tests := []struct {
		name      string
		requested []string
		allowed   []string
		want      bool
	}{
		{"empty requested always subset", nil, []string{"delegation.execute"}, true},
		{"exact match", []string{"delegation.execute"}, []string{"delegation.execute"}, true},
		{"subset of wider allowed", []string{"delegation.read"}, []string{"delegation.read", "delegation.execute"}, true},
		{"wildcard allows anything", []string{"delegation.execute", "delegation.read"}, []string{"*"}, true},
		{"scope outside allowed set", []string{"delegation.execute"}, []string{"delegation.read"}, false},
		{"partial overlap rejected", []string{"delegation.read", "delegation.execute"}, []string{"delegation.read"}, false},
		{"nothing allowed rejects any request", []string{"delegation.read"}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := scopesSubsetOf(tt.requested, tt.allowed); got != tt.want {
				t.Errorf("scopesSubsetOf(%v, %v) = %v, want %v", tt.requested, tt.allowed, got, tt.want)
			}
		})
	}
}
