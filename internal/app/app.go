// Package app wires AgentHub's identity/delegation/authorization core
// together: config, telemetry, infrastructure clients, every domain engine
// (C1-C11), and the HTTP surface, then runs the selected mode. Grounded in
// the teacher's internal/app.Run (config → logger → tracer → postgres →
// redis → migrations → metrics → mode dispatch).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/agenthub/idcore/internal/api"
	"github.com/agenthub/idcore/internal/authresolver"
	"github.com/agenthub/idcore/internal/breaker"
	"github.com/agenthub/idcore/internal/budget"
	"github.com/agenthub/idcore/internal/config"
	"github.com/agenthub/idcore/internal/delegationtoken"
	"github.com/agenthub/idcore/internal/federation"
	"github.com/agenthub/idcore/internal/httpserver"
	"github.com/agenthub/idcore/internal/identitystore"
	"github.com/agenthub/idcore/internal/idempotency"
	"github.com/agenthub/idcore/internal/lifecycle"
	"github.com/agenthub/idcore/internal/outbox"
	"github.com/agenthub/idcore/internal/platform"
	"github.com/agenthub/idcore/internal/policy"
	"github.com/agenthub/idcore/internal/revocation"
	"github.com/agenthub/idcore/internal/seed"
	"github.com/agenthub/idcore/internal/telemetry"
)

const serviceName = "agenthub-idcore"

// version is overridden at link time in production builds; this core has
// no shared version package the way the teacher's pkg/version is, so it is
// inlined here.
var version = "dev"

// Run is the main application entry point: loads and validates config,
// wires infrastructure, and starts the selected mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Info("starting agenthub idcore",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
		"access_mode", cfg.AccessMode,
	)

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, serviceName, version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = platform.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error("closing redis", "error", err)
			}
		}()
	} else {
		logger.Info("redis disabled (REDIS_URL not set); breaker state runs in-process only")
	}

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, db, rdb)
	case "seed":
		return seed.Run(ctx, db, logger)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// components bundles the domain engines shared between api and worker
// modes (the worker only needs the lifecycle reaper, but building
// everything once keeps construction order in a single place).
type components struct {
	identities  *identitystore.Store
	tokens      *delegationtoken.Engine
	lifecyc     *lifecycle.Engine
	revocations *revocation.Engine
	federation  *federation.Registry
	resolver    *authresolver.Resolver
	idempotent  *idempotency.Store
	brk         *breaker.Breaker
}

func buildComponents(pool *pgxpool.Pool, rdb *redis.Client, cfg *config.Config) *components {
	identitySecret := []byte(cfg.IdentitySigningSecret)

	identities := identitystore.NewStore(pool)
	tokenStore := delegationtoken.NewStore(pool)
	tokens := delegationtoken.NewEngine(tokenStore, identities, identitySecret)
	policyEval := policy.NewEvaluator([]byte(cfg.PolicySigningSecret))
	budgetStore := budget.NewStore(pool)
	brk := breaker.New(cfg.BreakerWindowSize, cfg.BreakerLatencySLOMs, rdb)
	lifecyc := lifecycle.NewEngine(pool, policyEval, budgetStore, brk)
	revocations := revocation.NewEngine(pool, identities, tokenStore, lifecyc)
	fed := federation.NewRegistry(pool, []byte(cfg.ProvenanceSigningSecret))
	resolver := authresolver.New(cfg.APIKeyOwners(), identities, tokens, identitySecret, authresolver.AccessMode(cfg.AccessMode))
	idem := idempotency.NewStore(pool)

	return &components{
		identities:  identities,
		tokens:      tokens,
		lifecyc:     lifecyc,
		revocations: revocations,
		federation:  fed,
		resolver:    resolver,
		idempotent:  idem,
		brk:         brk,
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	c := buildComponents(db, rdb, cfg)

	dispatcher := outbox.NewDispatcher(db, logger, logSink(logger))
	go dispatcher.Run(ctx)

	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger, db, rdb, metricsReg)

	api.Mount(srv, api.Deps{
		Resolver:              c.resolver,
		IdempotencyStore:      c.idempotent,
		IdentityStore:         c.identities,
		Revocations:           c.revocations,
		DelegationTokens:      c.tokens,
		Federation:            c.federation,
		Lifecycle:             c.lifecyc,
		Breaker:               c.brk,
		IdentitySigningSecret: []byte(cfg.IdentitySigningSecret),
	})

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runWorker reaps stalled delegations whose heartbeat has gone stale (§4.9,
// §5) and drains the durable outbox (§9 design note) on fixed tickers,
// grounded in the teacher's roster.RunScheduleTopUpLoop idiom.
func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) error {
	logger.Info("worker started")

	c := buildComponents(db, rdb, cfg)

	dispatcher := outbox.NewDispatcher(db, logger, logSink(logger))
	go dispatcher.Run(ctx)

	ticker := time.NewTicker(lifecycle.HeartbeatStale)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := c.lifecyc.ReapStale(ctx)
			if err != nil {
				logger.Error("reaping stale delegations", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("reaped stale delegations", "count", n)
			}
		}
	}
}

// logSink is the default outbox.Sink: it logs dispatched events at info
// level. A production deployment would swap this for a billing/metrics/
// federation-audit publisher per event type; this core only guarantees
// durable at-least-once delivery of the event, not a specific downstream.
func logSink(logger *slog.Logger) outbox.Sink {
	return func(ctx context.Context, events []outbox.Event) error {
		for _, ev := range events {
			logger.Info("outbox event dispatched", "event_id", ev.EventID, "type", ev.EventType)
		}
		return nil
	}
}
