package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agenthub/idcore/internal/authresolver"
	"github.com/agenthub/idcore/internal/httpserver"
	"github.com/agenthub/idcore/internal/identityerr"
	"github.com/agenthub/idcore/internal/idempotency"
	"github.com/agenthub/idcore/internal/telemetry"
)

// AuthMiddleware resolves the inbound Principal via the authresolver pipeline
// (C3) and rejects the request at this single boundary layer (§9) on
// failure, in enforce mode. In warn mode resolution failures are logged and
// the request proceeds as an anonymous principal.
func AuthMiddleware(resolver *authresolver.Resolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := resolver.Resolve(r.Context(), r)
			if err != nil {
				if p != nil {
					// warn mode: anonymous principal, log and proceed (§5
					// migration-window access mode).
					logger.Warn("auth resolution failed (warn mode)", "error", err, "path", r.URL.Path)
					next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
					return
				}

				var rerr *authresolver.Error
				if errors.As(err, &rerr) {
					httpserver.RespondError(w, rerr.Code, rerr.Message)
					return
				}
				httpserver.RespondError(w, identityerr.CodeAuthMissing, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// IdempotencyKeyRequired marks a route as requiring the Idempotency-Key
// header (§6: "Write routes require Idempotency-Key unless stated") and
// wraps it with the durable reservation/replay/conflict flow (C2, §8
// property 3).
func IdempotencyKeyRequired(store *idempotency.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				httpserver.RespondErrorFields(w, identityerr.CodeSchemaInvalid, "Idempotency-Key header is required", map[string]string{"idempotency_key": "this field is required"})
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
			if err != nil {
				httpserver.RespondError(w, identityerr.CodeSchemaInvalid, "reading request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			p := principal(r)
			routePattern := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				routePattern = rc.RoutePattern()
			}

			k := idempotency.Key{
				Tenant: p.Owner,
				Actor:  p.AgentID,
				Method: r.Method,
				Route:  routePattern,
				IdemKey: key,
			}
			requestHash := idempotency.HashRequest(body)

			outcome, record, err := store.Reserve(r.Context(), k, requestHash)
			if err != nil {
				httpserver.RespondError(w, identityerr.CodeInternal, "idempotency reservation failed")
				return
			}

			switch outcome {
			case idempotency.OutcomeConflict:
				telemetry.IdempotencyConflictsTotal.Inc()
				httpserver.RespondError(w, identityerr.CodeIdempotencyKeyReused, "idempotency key reused with a different request body")
				return
			case idempotency.OutcomeReplay:
				telemetry.IdempotencyReplaysTotal.Inc()
				for hk, hv := range record.Headers {
					w.Header().Set(hk, hv)
				}
				w.Header().Set("X-Agenthub-Idempotent-Replay", "true")
				w.Header().Set("Content-Type", "application/json")
				status := http.StatusOK
				if record.HTTPStatus != nil {
					status = *record.HTTPStatus
				}
				w.WriteHeader(status)
				_, _ = w.Write(record.ResponseBody)
				return
			}

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if errors.Is(r.Context().Err(), context.DeadlineExceeded) {
				// Timed out: mark the reservation failed so a retry with the
				// same key runs again instead of replaying this response.
				_ = store.Fail(context.WithoutCancel(r.Context()), k)
				return
			}

			headers := map[string]string{}
			if ct := rec.Header().Get("Content-Type"); ct != "" {
				headers["Content-Type"] = ct
			}
			if err := store.Complete(r.Context(), k, rec.status, headers, rec.body.Bytes()); err != nil {
				// The response already reached the client; this only risks a
				// future replay falling back to CONFLICT/NEW instead of REPLAY.
				_ = err
			}
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// decodeJSON is a small helper for a body already consumed once by
// IdempotencyKeyRequired (the body reader was rewound via
// io.NopCloser(bytes.NewReader(...)), so a second Decode works normally).
// No handler in this package calls it.
func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}
