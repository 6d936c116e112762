// Package api wires every spec.md §6 HTTP route onto httpserver.Server's
// authenticated /v1 router: the authresolver/idempotency middleware chain,
// and the identity, delegation-token, federation, delegation-lifecycle, and
// reliability handler groups. Grounded in the teacher's per-domain
// Handler/Routes() idiom (pkg/incident, pkg/alert: NewHandler(logger, ...)
// returning a chi.Router from Routes()).
package api

import (
	"context"
	"net/http"

	"github.com/agenthub/idcore/internal/authresolver"
)

type principalKey struct{}

// WithPrincipal attaches the resolved Principal to a request context.
func WithPrincipal(ctx context.Context, p *authresolver.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext extracts the resolved Principal, or nil if absent.
func PrincipalFromContext(ctx context.Context) *authresolver.Principal {
	p, _ := ctx.Value(principalKey{}).(*authresolver.Principal)
	return p
}

// principal is a small helper for handlers. If no Principal is in the
// context (the auth middleware was skipped), it returns an empty Principal
// rather than nil.
func principal(r *http.Request) *authresolver.Principal {
	p := PrincipalFromContext(r.Context())
	if p == nil {
		return &authresolver.Principal{}
	}
	return p
}
