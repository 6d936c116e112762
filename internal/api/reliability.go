package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agenthub/idcore/internal/breaker"
	"github.com/agenthub/idcore/internal/httpserver"
)

// ReliabilityHandler serves the SLO dashboard route (C10; §6 "Policy /
// reliability").
type ReliabilityHandler struct {
	brk *breaker.Breaker
}

// NewReliabilityHandler creates a ReliabilityHandler.
func NewReliabilityHandler(brk *breaker.Breaker) *ReliabilityHandler {
	return &ReliabilityHandler{brk: brk}
}

type errorBudget struct {
	ErrorRateThreshold    float64 `json:"error_rate_threshold"`
	ErrorRateRemaining    float64 `json:"error_rate_remaining"`
	HardStopRateThreshold float64 `json:"hard_stop_rate_threshold"`
	HardStopRateRemaining float64 `json:"hard_stop_rate_remaining"`
}

type circuitBreakerView struct {
	State      string `json:"state"`
	WindowSize int    `json:"window_size"`
}

type sloDashboardResponse struct {
	Policy         string             `json:"policy"`
	Window         int                `json:"window"`
	Metrics        breaker.Metrics    `json:"metrics"`
	ErrorBudget    errorBudget        `json:"error_budget"`
	CircuitBreaker circuitBreakerView `json:"circuit_breaker"`
	Alerts         []string           `json:"alerts"`
}

const (
	errorRateThreshold    = 0.30
	hardStopRateThreshold = 0.20
)

// Dashboard handles GET /v1/reliability/slo-dashboard?window_size=N (§4.10,
// §6). The breaker's window is sized at construction; window_size is
// accepted and echoed for API parity but does not resize the live window —
// operators resize by reconfiguring and restarting the breaker.
func (h *ReliabilityHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	metrics := h.brk.Metrics()
	requested := parseWindowSize(r, metrics.SampleCount)

	alerts := []string{}
	if h.brk.State() == breaker.StateOpen {
		alerts = append(alerts, "circuit_breaker_open")
	}
	if metrics.ErrorRate >= errorRateThreshold {
		alerts = append(alerts, "error_rate_breached")
	}
	if metrics.HardStopRate >= hardStopRateThreshold {
		alerts = append(alerts, "hard_stop_rate_breached")
	}

	httpserver.Respond(w, http.StatusOK, sloDashboardResponse{
		Policy:  "reliability-dashboard-v1",
		Window:  requested,
		Metrics: metrics,
		ErrorBudget: errorBudget{
			ErrorRateThreshold:    errorRateThreshold,
			ErrorRateRemaining:    errorRateThreshold - metrics.ErrorRate,
			HardStopRateThreshold: hardStopRateThreshold,
			HardStopRateRemaining: hardStopRateThreshold - metrics.HardStopRate,
		},
		CircuitBreaker: circuitBreakerView{
			State:      string(h.brk.State()),
			WindowSize: metrics.SampleCount,
		},
		Alerts: alerts,
	})
}

// Mount registers the reliability routes onto r, scoped by the caller to
// /v1/reliability.
func (h *ReliabilityHandler) Mount(r chi.Router) {
	r.Get("/slo-dashboard", h.Dashboard)
}
