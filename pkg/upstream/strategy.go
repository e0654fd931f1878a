package upstream

import (
	"context"
	"fmt"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
)

// maxParallelRace bounds the task group racing a parallel pool.
const maxParallelRace = 8

// queryParallel races all healthy endpoints concurrently. The first success
// wins and cancels the rest; an all-failed race reports unreachability, and
// deadline exhaustion reports a pool-wide timeout.
func (m *Manager) queryParallel(ctx context.Context, servers []*server, raw []byte) (*dns.Msg, string, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		resp   *dns.Msg
		server string
		err    error
	}
	results := make(chan result, len(servers))

	var g errgroup.Group
	g.SetLimit(maxParallelRace)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			resp, serverStr, err := m.sendOne(raceCtx, srv, raw)
			select {
			case results <- result{resp: resp, server: serverStr, err: err}:
			case <-raceCtx.Done():
			}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(results)
	}()

	failed := 0
	for r := range results {
		if r.err == nil {
			cancel() // first success: losers are cancelled before they finish
			return r.resp, r.server, nil
		}
		failed++
		m.logger.Debug("Server failed in parallel race",
			"server", r.server, "failed", failed, "total", len(servers), "error", r.err)
	}

	if ctx.Err() != nil {
		return nil, "", &TimeoutError{Server: fmt.Sprintf("parallel(%d servers)", len(servers))}
	}
	return nil, "", ErrAllServersUnreachable
}

// querySequential tries servers one at a time starting at startIndex,
// advancing on per-server errors. Failover passes 0; balanced passes its
// round-robin counter.
func (m *Manager) querySequential(ctx context.Context, servers []*server, raw []byte, startIndex int) (*dns.Msg, string, error) {
	n := len(servers)
	start := startIndex % n
	for i := 0; i < n; i++ {
		srv := servers[(start+i)%n]
		resp, serverStr, err := m.sendOne(ctx, srv, raw)
		if err != nil {
			m.logger.Warn("Server failed, trying next", "server", serverStr, "error", err)
			if ctx.Err() != nil {
				return nil, "", &TimeoutError{Server: serverStr}
			}
			continue
		}
		return resp, serverStr, nil
	}
	return nil, "", ErrAllServersUnreachable
}
