package upstream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"sinkzone/pkg/config"
	"sinkzone/pkg/logging"
	"sinkzone/pkg/telemetry"

	"github.com/miekg/dns"
)

// StrategyKind selects how a pool dispatches queries to its servers.
type StrategyKind int

const (
	StrategyFailover StrategyKind = iota
	StrategyBalanced
	StrategyParallel
)

func parseStrategy(s string) (StrategyKind, error) {
	switch strings.ToLower(s) {
	case "", "failover":
		return StrategyFailover, nil
	case "balanced":
		return StrategyBalanced, nil
	case "parallel":
		return StrategyParallel, nil
	default:
		return 0, fmt.Errorf("unknown pool strategy %q", s)
	}
}

// server is one resolved endpoint with its transport. The TCP fallback for
// truncated UDP answers is built lazily.
type server struct {
	ep        Endpoint
	transport Transport

	fallbackMu  sync.Mutex
	tcpFallback Transport
}

// tcpPromotion returns the TCP transport to the same endpoint, for TC-bit
// retries of UDP answers.
func (s *server) tcpPromotion() Transport {
	s.fallbackMu.Lock()
	defer s.fallbackMu.Unlock()
	if s.tcpFallback == nil {
		s.tcpFallback = newTCPTransport(Endpoint{Proto: ProtoTCP, Addr: s.ep.Addr})
	}
	return s.tcpFallback
}

// Pool is one priority tier of upstream servers.
type Pool struct {
	Name     string
	Priority int
	Strategy StrategyKind
	servers  []*server
	rr       atomic.Uint64
}

// Manager owns the pool set, dispatching each query to the first pool (by
// ascending priority) that produces an answer.
type Manager struct {
	pools   []*Pool
	health  *HealthChecker
	timeout time.Duration
	logger  *logging.Logger
	metrics *telemetry.Metrics
}

// NewManager resolves every configured endpoint and builds the pool set.
func NewManager(ctx context.Context, cfg *config.UpstreamConfig, logger *logging.Logger, metrics *telemetry.Metrics) (*Manager, error) {
	if len(cfg.Pools) == 0 {
		return nil, fmt.Errorf("at least one upstream pool must be configured")
	}
	if logger == nil {
		logger = logging.Discard()
	}

	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	health := NewHealthChecker(cfg.HealthCheck.FailureThreshold, cfg.HealthCheck.SuccessThreshold, logger, metrics)

	m := &Manager{
		health:  health,
		timeout: timeout,
		logger:  logger,
		metrics: metrics,
	}

	for _, pc := range cfg.Pools {
		strategy, err := parseStrategy(pc.Strategy)
		if err != nil {
			return nil, fmt.Errorf("pool %q: %w", pc.Name, err)
		}
		pool := &Pool{Name: pc.Name, Priority: pc.Priority, Strategy: strategy}
		for _, s := range pc.Servers {
			endpoints, err := ResolveEndpoints(ctx, s)
			if err != nil {
				return nil, fmt.Errorf("pool %q: %w", pc.Name, err)
			}
			for _, ep := range endpoints {
				tr, err := newTransport(ep)
				if err != nil {
					return nil, fmt.Errorf("pool %q: %w", pc.Name, err)
				}
				pool.servers = append(pool.servers, &server{ep: ep, transport: tr})
				health.Register(ep.String())
			}
		}
		if len(pool.servers) == 0 {
			return nil, fmt.Errorf("pool %q resolved to zero endpoints", pc.Name)
		}
		m.pools = append(m.pools, pool)
	}

	sort.SliceStable(m.pools, func(i, j int) bool { return m.pools[i].Priority < m.pools[j].Priority })

	logger.Info("Upstream pool manager initialized",
		"pools", len(m.pools),
		"query_timeout", timeout)

	return m, nil
}

// Health exposes the tracker for status surfaces.
func (m *Manager) Health() *HealthChecker { return m.health }

// Exchange sends a query through the pool chain and returns the answer plus
// the responding server's identity. A DNS-level error answer (SERVFAIL,
// REFUSED) from a pool is final; transport failures advance to the next pool.
func (m *Manager) Exchange(ctx context.Context, q *dns.Msg) (*dns.Msg, string, error) {
	raw, err := q.Pack()
	if err != nil {
		return nil, "", fmt.Errorf("failed to pack query: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var lastErr error
	for _, pool := range m.pools {
		healthy := make([]*server, 0, len(pool.servers))
		for _, srv := range pool.servers {
			if m.health.IsHealthy(srv.ep.String()) {
				healthy = append(healthy, srv)
			}
		}
		if len(healthy) == 0 {
			m.logger.Debug("Skipping pool with no healthy servers", "pool", pool.Name)
			lastErr = ErrNoHealthyServers
			continue
		}

		var resp *dns.Msg
		var srvStr string
		switch pool.Strategy {
		case StrategyParallel:
			resp, srvStr, err = m.queryParallel(ctx, healthy, raw)
		case StrategyBalanced:
			resp, srvStr, err = m.querySequential(ctx, healthy, raw, int(pool.rr.Add(1)-1))
		default:
			resp, srvStr, err = m.querySequential(ctx, healthy, raw, 0)
		}

		if err != nil {
			if IsTransportError(err) {
				m.logger.Warn("Pool failed at the transport level, trying next pool",
					"pool", pool.Name, "error", err)
				lastErr = err
				continue
			}
			return nil, srvStr, err
		}

		resp.Id = q.Id
		return resp, srvStr, nil
	}

	if lastErr != nil {
		return nil, "", lastErr
	}
	return nil, "", ErrAllPoolsExhausted
}

// sendOne performs one exchange with a server, handling passive health
// accounting and TC-bit UDP→TCP promotion.
func (m *Manager) sendOne(ctx context.Context, srv *server, raw []byte) (*dns.Msg, string, error) {
	serverStr := srv.ep.String()
	start := time.Now()

	rawResp, err := srv.transport.Send(ctx, raw)
	if err != nil {
		// A cancelled race loser is not evidence against the server.
		if !errors.Is(err, context.Canceled) {
			m.health.RecordFailure(serverStr)
		}
		if m.metrics != nil {
			m.metrics.UpstreamFailures.Add(context.Background(), 1)
		}
		return nil, serverStr, err
	}
	m.health.RecordSuccess(serverStr)
	if m.metrics != nil {
		m.metrics.UpstreamLatency.Record(context.Background(), time.Since(start).Seconds())
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(rawResp); err != nil {
		return nil, serverStr, fmt.Errorf("malformed response from %s: %w", serverStr, err)
	}

	if resp.Truncated && srv.transport.Proto() == ProtoUDP {
		tcpStr := "tcp://" + srv.ep.Addr
		m.logger.Debug("Truncated UDP answer, retrying over TCP", "server", tcpStr)

		rawTCP, err := srv.tcpPromotion().Send(ctx, raw)
		if err != nil {
			return nil, tcpStr, err
		}
		tcpResp := new(dns.Msg)
		if err := tcpResp.Unpack(rawTCP); err != nil {
			return nil, tcpStr, fmt.Errorf("malformed response from %s: %w", tcpStr, err)
		}
		return tcpResp, tcpStr, nil
	}

	return resp, serverStr, nil
}

// Close releases every pooled connection.
func (m *Manager) Close() error {
	for _, pool := range m.pools {
		for _, srv := range pool.servers {
			_ = srv.transport.Close()
			srv.fallbackMu.Lock()
			if srv.tcpFallback != nil {
				_ = srv.tcpFallback.Close()
			}
			srv.fallbackMu.Unlock()
		}
	}
	return nil
}
