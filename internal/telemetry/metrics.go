package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency across every route.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "agenthub",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// IdempotencyReplaysTotal counts requests served from the idempotency cache.
var IdempotencyReplaysTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "agenthub",
		Subsystem: "idempotency",
		Name:      "replays_total",
		Help:      "Total number of requests served as idempotent replays.",
	},
)

// IdempotencyConflictsTotal counts 409 key-reused-with-different-payload responses.
var IdempotencyConflictsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "agenthub",
		Subsystem: "idempotency",
		Name:      "conflicts_total",
		Help:      "Total number of idempotency key reuse conflicts.",
	},
)

// RevocationCascadeTotal counts kill-switch invocations. It has no labels;
// cascade sizes go to RevocationCascadeSize.
var RevocationCascadeTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "agenthub",
		Subsystem: "revocation",
		Name:      "cascades_total",
		Help:      "Total number of agent kill-switch cascades executed.",
	},
)

// RevocationCascadeSize observes the number of rows invalidated per cascade.
var RevocationCascadeSize = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "agenthub",
		Subsystem: "revocation",
		Name:      "cascade_size",
		Help:      "Number of credentials/tokens/leases invalidated per cascade.",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
	},
)

// BudgetStateTotal counts budget state-machine evaluations by resulting state.
var BudgetStateTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "agenthub",
		Subsystem: "budget",
		Name:      "state_total",
		Help:      "Total number of budget evaluations by resulting state.",
	},
	[]string{"state"},
)

// BreakerStateChangesTotal counts reliability breaker state transitions.
var BreakerStateChangesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "agenthub",
		Subsystem: "breaker",
		Name:      "state_changes_total",
		Help:      "Total number of reliability breaker state transitions.",
	},
	[]string{"from", "to"},
)

// DelegationStageDuration observes how long each lifecycle stage takes.
var DelegationStageDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "agenthub",
		Subsystem: "delegation",
		Name:      "stage_duration_seconds",
		Help:      "Delegation lifecycle stage duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"stage"},
)

// All returns every AgentHub-specific metric collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		IdempotencyReplaysTotal,
		IdempotencyConflictsTotal,
		RevocationCascadeTotal,
		RevocationCascadeSize,
		BudgetStateTotal,
		BreakerStateChangesTotal,
		DelegationStageDuration,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional collectors.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
