package authresolver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agenthub/idcore/internal/identityerr"
)

func TestHasScope(t *testing.T) {
	tests := []struct {
		name   string
		scopes []string
		want   string
		expect bool
	}{
		{"exact match", []string{"delegation.execute"}, "delegation.execute", true},
		{"no match", []string{"delegation.read"}, "delegation.execute", false},
		{"wildcard allows anything", []string{"*"}, "delegation.execute", true},
		{"empty scopes reject", nil, "delegation.execute", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Principal{Scopes: tt.scopes}
			if got := p.HasScope(tt.want); got != tt.expect {
				t.Errorf("HasScope(%q) = %v, want %v", tt.want, got, tt.expect)
			}
		})
	}
}

func TestResolveAPIKey(t *testing.T) {
	r := New(map[string]string{"valid-key": "acme-corp"}, nil, nil, nil, ModeEnforce)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "valid-key")

	p, err := r.Resolve(req.Context(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Owner != "acme-corp" || p.AuthMethod != MethodAPIKey || !p.HasScope("anything") {
		t.Fatalf("unexpected principal: %+v", p)
	}
}

func TestResolveUnknownAPIKey(t *testing.T) {
	r := New(map[string]string{"valid-key": "acme-corp"}, nil, nil, nil, ModeEnforce)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "bogus-key")

	_, err := r.Resolve(req.Context(), req)
	authErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if authErr.Code != identityerr.CodeAuthUnknownKey {
		t.Errorf("code = %s, want %s", authErr.Code, identityerr.CodeAuthUnknownKey)
	}
}

func TestResolveNoCredential(t *testing.T) {
	r := New(map[string]string{}, nil, nil, nil, ModeEnforce)
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	_, err := r.Resolve(req.Context(), req)
	authErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if authErr.Code != identityerr.CodeAuthMissing {
		t.Errorf("code = %s, want %s", authErr.Code, identityerr.CodeAuthMissing)
	}
}

func TestResolveWarnModeReturnsAnonymousPrincipalOnFailure(t *testing.T) {
	r := New(map[string]string{}, nil, nil, nil, ModeWarn)
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	p, err := r.Resolve(req.Context(), req)
	if err == nil {
		t.Fatal("expected a non-nil error to log even in warn mode")
	}
	if p == nil || p.AgentID != "" || p.AuthMethod != "" {
		t.Fatalf("expected an anonymous principal in warn mode, got %+v", p)
	}
}
