// Package breaker implements the reliability/SLO breaker (C10): a fixed-size
// sliding window over delegation outcomes deriving closed/open/half_open,
// grounded in Generativebots' circuitbreaker.CircuitBreaker (state machine
// shape, State.String()) but re-architected onto spec.md's fixed-N window
// and error-rate/hard-stop-rate/p95 thresholds instead of consecutive-
// failure counting, since a single rogue burst should not need to wait for
// a cooldown Interval/Timeout pair to re-evaluate.
package breaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// State enumerates the breaker states (§4.10).
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const (
	minSamplesForEnforcement = 10
	errorRateThreshold       = 0.30
	hardStopRateThreshold    = 0.20
	latencySLOMultiplier     = 1.5
	recoveryWindow           = 5 // "last 5 samples" (§4.10)
)

// Sample is one delegation outcome fed into the window.
type Sample struct {
	Success   bool
	HardStop  bool
	LatencyMs float64
	At        time.Time
}

// Metrics is the computed snapshot over the current window.
type Metrics struct {
	SampleCount   int     `json:"sample_count"`
	SuccessRate   float64 `json:"success_rate"`
	ErrorRate     float64 `json:"error_rate"`
	HardStopRate  float64 `json:"hard_stop_rate"`
	P95LatencyMs  float64 `json:"p95_latency_ms"`
}

// Breaker derives closed/open/half_open from the most recent N delegation
// outcomes (§4.10). Safe for concurrent use.
type Breaker struct {
	mu           sync.Mutex
	windowSize   int
	latencySLOMs float64
	samples      []Sample // ring buffer, oldest first
	state        State
	redis        *redis.Client // optional accelerator; may be nil
	redisKey     string
}

// New creates a Breaker with the given window size (clamped to [1,1000])
// and latency SLO.
func New(windowSize int, latencySLOMs float64, rdb *redis.Client) *Breaker {
	if windowSize < 1 {
		windowSize = 1
	}
	if windowSize > 1000 {
		windowSize = 1000
	}
	return &Breaker{
		windowSize:   windowSize,
		latencySLOMs: latencySLOMs,
		state:        StateClosed,
		redis:        rdb,
		redisKey:     "agenthub:breaker:state",
	}
}

// Record appends a delegation outcome and re-derives state (§4.10).
func (b *Breaker) Record(ctx context.Context, s Sample) State {
	b.mu.Lock()
	b.samples = append(b.samples, s)
	if len(b.samples) > b.windowSize {
		b.samples = b.samples[len(b.samples)-b.windowSize:]
	}
	b.state = b.deriveTransition(b.state, b.samples)
	state := b.state
	b.mu.Unlock()

	if b.redis != nil {
		// Best-effort cache of the derived state for other readers; the
		// breaker's own Allow/State calls never depend on this round trip.
		b.redis.Set(ctx, b.redisKey, string(state), 0)
	}
	return state
}

// State returns the current derived state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Metrics returns the current window's computed metrics.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return computeMetrics(b.samples)
}

// Allow reports whether new work (POST /v1/delegations) may proceed. Only
// the open state rejects; half_open and closed both allow (§4.10: "When
// open, POST /v1/delegations is rejected with 503").
func (b *Breaker) Allow() bool {
	return b.State() != StateOpen
}

// deriveTransition computes the next state from the current window,
// honoring the minimum-sample gate and the hysteresis documented as the
// resolved half_open contract: both the open→half_open and the
// half_open→closed transitions consult the identical most-recent-N window
// (never a separate post-open-only counter) — see DESIGN.md open question 2.
func (b *Breaker) deriveTransition(current State, samples []Sample) State {
	if len(samples) < minSamplesForEnforcement {
		return StateClosed
	}

	m := computeMetricsFromSamples(samples)
	breached := m.breached() || b.latencySLOBreached(m.P95LatencyMs)
	recovered := lastNSuccessful(samples, recoveryWindow)

	switch current {
	case StateOpen:
		if recovered {
			return StateHalfOpen
		}
		return StateOpen
	case StateHalfOpen:
		if breached {
			return StateOpen
		}
		if recovered {
			return StateClosed
		}
		return StateHalfOpen
	default:
		if breached {
			return StateOpen
		}
		return StateClosed
	}
}

func (m Metrics) breached() bool {
	return m.ErrorRate >= errorRateThreshold ||
		m.HardStopRate >= hardStopRateThreshold
}

func lastNSuccessful(samples []Sample, n int) bool {
	if len(samples) < n {
		return false
	}
	tail := samples[len(samples)-n:]
	for _, s := range tail {
		if !s.Success {
			return false
		}
	}
	return true
}

func computeMetrics(samples []Sample) Metrics {
	return computeMetricsFromSamples(samples)
}

func computeMetricsFromSamples(samples []Sample) Metrics {
	n := len(samples)
	if n == 0 {
		return Metrics{}
	}

	var successes, hardStops int
	latencies := make([]float64, 0, n)
	for _, s := range samples {
		if s.Success {
			successes++
		}
		if s.HardStop {
			hardStops++
		}
		latencies = append(latencies, s.LatencyMs)
	}

	sort.Float64s(latencies)
	p95Idx := int(float64(len(latencies)) * 0.95)
	if p95Idx >= len(latencies) {
		p95Idx = len(latencies) - 1
	}

	return Metrics{
		SampleCount:  n,
		SuccessRate:  float64(successes) / float64(n),
		ErrorRate:    1.0 - float64(successes)/float64(n),
		HardStopRate: float64(hardStops) / float64(n),
		P95LatencyMs: latencies[p95Idx],
	}
}

func (b *Breaker) latencySLOBreached(p95 float64) bool {
	return p95 > latencySLOMultiplier*b.latencySLOMs
}
