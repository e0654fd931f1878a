package upstream

import (
	"context"
	"sync"
	"time"

	"sinkzone/pkg/logging"
	"sinkzone/pkg/telemetry"

	"github.com/miekg/dns"
)

// HealthStatus is an endpoint's probe-driven state.
type HealthStatus int

const (
	// StatusUnknown endpoints have not crossed either threshold yet; they are
	// still eligible for queries.
	StatusUnknown HealthStatus = iota
	StatusHealthy
	StatusUnhealthy
)

// String returns the status name.
func (s HealthStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

type endpointState struct {
	status               HealthStatus
	consecutiveFailures  int
	consecutiveSuccesses int
}

// HealthChecker tracks per-endpoint health from both passive query results
// and the active prober. Endpoints are keyed by their canonical string.
type HealthChecker struct {
	mu               sync.RWMutex
	states           map[string]*endpointState
	failureThreshold int
	successThreshold int
	logger           *logging.Logger
	metrics          *telemetry.Metrics
}

// NewHealthChecker creates a tracker with the given thresholds.
func NewHealthChecker(failureThreshold, successThreshold int, logger *logging.Logger, metrics *telemetry.Metrics) *HealthChecker {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	if successThreshold <= 0 {
		successThreshold = 2
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &HealthChecker{
		states:           make(map[string]*endpointState),
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		logger:           logger,
		metrics:          metrics,
	}
}

// Register adds an endpoint in the Unknown state.
func (h *HealthChecker) Register(key string) {
	h.mu.Lock()
	if _, ok := h.states[key]; !ok {
		h.states[key] = &endpointState{}
	}
	h.mu.Unlock()
}

// IsHealthy reports whether an endpoint may be queried. Unknown endpoints
// are eligible; only confirmed-unhealthy ones are filtered.
func (h *HealthChecker) IsHealthy(key string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.states[key]
	if !ok {
		return true
	}
	return st.status != StatusUnhealthy
}

// Status returns the current state of an endpoint.
func (h *HealthChecker) Status(key string) HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if st, ok := h.states[key]; ok {
		return st.status
	}
	return StatusUnknown
}

// RecordSuccess counts a successful exchange; Unknown and Unhealthy
// endpoints become Healthy after success_threshold consecutive successes.
func (h *HealthChecker) RecordSuccess(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.states[key]
	if !ok {
		st = &endpointState{}
		h.states[key] = st
	}
	st.consecutiveFailures = 0
	st.consecutiveSuccesses++
	if st.status != StatusHealthy && st.consecutiveSuccesses >= h.successThreshold {
		h.transition(key, st, StatusHealthy)
	}
}

// RecordFailure counts a failed exchange; any state becomes Unhealthy after
// failure_threshold consecutive failures.
func (h *HealthChecker) RecordFailure(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.states[key]
	if !ok {
		st = &endpointState{}
		h.states[key] = st
	}
	st.consecutiveSuccesses = 0
	st.consecutiveFailures++
	if st.status != StatusUnhealthy && st.consecutiveFailures >= h.failureThreshold {
		h.transition(key, st, StatusUnhealthy)
	}
}

// transition must be called with the lock held.
func (h *HealthChecker) transition(key string, st *endpointState, to HealthStatus) {
	from := st.status
	st.status = to
	h.logger.Info("Upstream health transition",
		"server", key,
		"from", from.String(),
		"to", to.String())
	if h.metrics != nil {
		h.metrics.HealthFlips.Add(context.Background(), 1)
	}
}

// probeTimeout bounds one active health probe.
const probeTimeout = 2 * time.Second

// probeName is an innocuous name every resolver can answer.
const probeName = "google.com."

func buildProbeQuery() ([]byte, error) {
	m := new(dns.Msg)
	m.SetQuestion(probeName, dns.TypeA)
	m.RecursionDesired = true
	return m.Pack()
}

// RunProber sends an innocuous A query to every server at the configured
// interval, feeding results back into the state machine. It blocks until the
// context is cancelled.
func (m *Manager) RunProber(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

func (m *Manager) probeAll(ctx context.Context) {
	for _, pool := range m.pools {
		for _, srv := range pool.servers {
			srv := srv
			go func() {
				pctx, cancel := context.WithTimeout(ctx, probeTimeout)
				defer cancel()

				raw, err := buildProbeQuery()
				if err != nil {
					return
				}
				if _, err := srv.transport.Send(pctx, raw); err != nil {
					m.health.RecordFailure(srv.ep.String())
					return
				}
				m.health.RecordSuccess(srv.ep.String())
			}()
		}
	}
}
