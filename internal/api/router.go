package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/agenthub/idcore/internal/authresolver"
	"github.com/agenthub/idcore/internal/breaker"
	"github.com/agenthub/idcore/internal/delegationtoken"
	"github.com/agenthub/idcore/internal/federation"
	"github.com/agenthub/idcore/internal/httpserver"
	"github.com/agenthub/idcore/internal/identitystore"
	"github.com/agenthub/idcore/internal/idempotency"
	"github.com/agenthub/idcore/internal/lifecycle"
	"github.com/agenthub/idcore/internal/revocation"
)

// Deps are the constructed components Mount wires onto the authenticated /v1
// router (§6: one route tree per domain handler).
type Deps struct {
	Resolver              *authresolver.Resolver
	IdempotencyStore      *idempotency.Store
	IdentityStore         *identitystore.Store
	Revocations           *revocation.Engine
	DelegationTokens      *delegationtoken.Engine
	Federation            *federation.Registry
	Lifecycle             *lifecycle.Engine
	Breaker               *breaker.Breaker
	IdentitySigningSecret []byte
}

// Mount wires the full AgentHub identity/delegation/authorization API onto
// s.V1Router: the authresolver boundary (§9 "single boundary layer") applies
// to the whole /v1 tree, idempotency reservation applies selectively to the
// mutating routes spec.md §6 marks as requiring it (token issuance and
// attestation issuance are explicitly excluded — they are themselves
// idempotent-by-signature and re-issuing on retry is the correct behavior).
func Mount(s *httpserver.Server, deps Deps) {
	s.V1Router.Use(AuthMiddleware(deps.Resolver, s.Logger))

	identityHandler := NewIdentityHandler(deps.IdentityStore, deps.Revocations, deps.IdentitySigningSecret)
	federationHandler := NewFederationHandler(deps.Federation)
	delegationTokenHandler := NewDelegationTokenHandler(deps.DelegationTokens)
	delegationsHandler := NewDelegationsHandler(deps.Lifecycle)
	reliabilityHandler := NewReliabilityHandler(deps.Breaker)

	idempotent := IdempotencyKeyRequired(deps.IdempotencyStore)

	s.V1Router.Route("/identity", func(r chi.Router) {
		identityHandler.Mount(r, idempotent)
		federationHandler.Mount(r, idempotent)

		r.Route("/delegation-tokens", func(r chi.Router) {
			// Token issuance and verification are excluded from the
			// idempotency gate for the same reason attestation issuance is
			// (§9 design note): re-issuing on retry is correct, not a
			// conflict.
			r.Post("/", delegationTokenHandler.Issue)
			r.Post("/verify", delegationTokenHandler.Verify)
			r.Get("/{id}/chain", delegationTokenHandler.Chain)
		})
	})

	s.V1Router.Route("/delegations", func(r chi.Router) {
		delegationsHandler.Mount(r, idempotent)
	})

	s.V1Router.Route("/reliability", func(r chi.Router) {
		reliabilityHandler.Mount(r)
	})
}
