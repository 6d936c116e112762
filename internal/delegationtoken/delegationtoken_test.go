package delegationtoken

import (
	"reflect"
	"testing"
)

func TestSplitSignedToken(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		wantID    string
		wantSig   string
		wantOK    bool
	}{
		{"well formed", "dtok_abc.sig123", "dtok_abc", "sig123", true},
		{"no separator", "dtok_abc", "", "", false},
		{"empty signature", "dtok_abc.", "", "", false},
		{"empty id", ".sig123", "", "", false},
		{"id keeps dots before last separator", "dtok_abc.sig.with.dots", "dtok_abc.sig.with", "dots", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, sig, ok := splitSignedToken(tt.in)
			if ok != tt.wantOK || id != tt.wantID || sig != tt.wantSig {
				t.Errorf("splitSignedToken(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.in, id, sig, ok, tt.wantID, tt.wantSig, tt.wantOK)
			}
		})
	}
}

func TestScopesSubset(t *testing.T) {
	tests := []struct {
		name   string
		child  []string
		parent []string
		want   bool
	}{
		{"empty child always subset", nil, []string{"a"}, true},
		{"exact match", []string{"a", "b"}, []string{"a", "b"}, true},
		{"strict subset", []string{"a"}, []string{"a", "b"}, true},
		{"not a subset", []string{"a", "c"}, []string{"a", "b"}, false},
		{"empty parent rejects nonempty child", []string{"a"}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := scopesSubset(tt.child, tt.parent); got != tt.want {
				t.Errorf("scopesSubset(%v, %v) = %v, want %v", tt.child, tt.parent, got, tt.want)
			}
		})
	}
}

func TestIntersectScopes(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want []string
	}{
		{"full overlap", []string{"a", "b"}, []string{"a", "b"}, []string{"a", "b"}},
		{"partial overlap preserves a's order", []string{"a", "b", "c"}, []string{"c", "a"}, []string{"a", "c"}},
		{"no overlap", []string{"a"}, []string{"b"}, nil},
		{"empty a", nil, []string{"a"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := intersectScopes(tt.a, tt.b)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("intersectScopes(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}
