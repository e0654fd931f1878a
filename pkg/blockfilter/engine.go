package blockfilter

import (
	"context"
	"net/netip"
	"sync/atomic"

	"sinkzone/pkg/config"
	"sinkzone/pkg/logging"
	"sinkzone/pkg/telemetry"
)

// FilterDecision is the engine's verdict for one query.
type FilterDecision struct {
	Blocked bool
	Source  string // tag of the source responsible, when blocked
}

// Allow is the zero decision.
var Allow = FilterDecision{}

// Block builds a blocking decision tagged with its source.
func Block(source string) FilterDecision {
	return FilterDecision{Blocked: true, Source: source}
}

// Engine owns the compiled index snapshot, the decision cache, and the
// client-to-group assignment. Index reads are lock-free: the snapshot pointer
// is loaded atomically and in-flight readers finish on the old snapshot during
// a reload. Decision-cache lookups and stores take that cache's locks.
type Engine struct {
	index          atomic.Pointer[Index]
	decisions      *DecisionCache
	clientGroups   map[netip.Addr]int64
	defaultGroupID int64
	compile        func() (*Index, error)
	logger         *logging.Logger
	metrics        *telemetry.Metrics
}

// NewEngine compiles the initial index from configuration and returns the
// engine. The compile closure is retained for reloads.
func NewEngine(cfg *config.BlockingConfig, logger *logging.Logger, metrics *telemetry.Metrics) (*Engine, error) {
	if logger == nil {
		logger = logging.Discard()
	}

	compile := func() (*Index, error) {
		in, err := LoadInput(cfg)
		if err != nil {
			return nil, err
		}
		return Compile(in)
	}

	ix, err := compile()
	if err != nil {
		return nil, err
	}

	clients := make(map[netip.Addr]int64, len(cfg.Clients))
	for _, c := range cfg.Clients {
		addr, err := netip.ParseAddr(c.IP)
		if err != nil {
			logger.Warn("Skipping client with invalid IP", "ip", c.IP)
			continue
		}
		clients[addr] = c.GroupID
	}

	e := &Engine{
		decisions:      NewDecisionCache(),
		clientGroups:   clients,
		defaultGroupID: cfg.DefaultGroupID,
		compile:        compile,
		logger:         logger,
		metrics:        metrics,
	}
	e.index.Store(ix)

	logger.Info("Block filter compiled",
		"sources", len(ix.sources),
		"exact_domains", ix.totalBlockedDomains,
		"wildcards", ix.wildcard.len(),
		"patterns", len(ix.patterns)+len(ix.regexes))

	return e, nil
}

// ResolveGroup maps a client address to its group, falling back to the
// default group.
func (e *Engine) ResolveGroup(ip netip.Addr) int64 {
	if gid, ok := e.clientGroups[ip]; ok {
		return gid
	}
	return e.defaultGroupID
}

// Check answers whether the domain is blocked for the group, consulting the
// decision cache first.
func (e *Engine) Check(domain string, groupID int64) FilterDecision {
	if d, ok := e.decisions.Get(domain, groupID); ok {
		if d.Blocked {
			return Block(d.Source)
		}
		return Allow
	}

	ix := e.index.Load()
	source, blocked := ix.Lookup(domain, groupID)

	e.decisions.Set(domain, groupID, Decision{Blocked: blocked, Source: source})

	if blocked {
		if e.metrics != nil {
			e.metrics.BlockedQueries.Add(context.Background(), 1)
		}
		return Block(source)
	}
	return Allow
}

// Reload recompiles the index from its inputs and swaps the snapshot. The
// decision cache is cleared before the swap so no stale verdict outlives the
// old index.
func (e *Engine) Reload() error {
	e.logger.Info("Block filter reload started")

	ix, err := e.compile()
	if err != nil {
		e.logger.Error("Block filter reload failed", "error", err)
		return err
	}

	e.decisions.Clear()
	e.index.Store(ix)

	e.logger.Info("Block filter reload completed",
		"exact_domains", ix.totalBlockedDomains)
	return nil
}

// CompiledDomainCount reports the exact-rule count of the live snapshot.
func (e *Engine) CompiledDomainCount() int {
	return e.index.Load().TotalBlockedDomains()
}
