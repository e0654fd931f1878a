package resolver

import (
	"context"
	"sort"
	"sync"
	"time"

	"sinkzone/pkg/logging"

	"github.com/miekg/dns"
)

// prefetchTimeout bounds one background prediction resolve.
const prefetchTimeout = 3 * time.Second

// Prefetcher predicts the next queried domain from observed query order (a
// first-order Markov chain, top-K successors per predecessor) and resolves
// predictions in the background so they land in the cache before the client
// asks.
type Prefetcher struct {
	mu         sync.Mutex
	patterns   map[string][]predictionEntry
	lastDomain string

	maxPredictions int
	minProbability float64
	logger         *logging.Logger
}

type predictionEntry struct {
	next        string
	count       uint32
	probability float64
}

// NewPrefetcher creates a predictor with the given successor cap and
// probability threshold.
func NewPrefetcher(maxPredictions int, minProbability float64, logger *logging.Logger) *Prefetcher {
	if maxPredictions <= 0 {
		maxPredictions = 5
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Prefetcher{
		patterns:       make(map[string][]predictionEntry),
		maxPredictions: maxPredictions,
		minProbability: minProbability,
		logger:         logger,
	}
}

// observe records the (previous → current) transition and returns the
// predictions for the current domain that cross the threshold.
func (p *Prefetcher) observe(domain string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if prev := p.lastDomain; prev != "" && prev != domain {
		entries := p.patterns[prev]
		found := false
		for i := range entries {
			if entries[i].next == domain {
				entries[i].count++
				found = true
				break
			}
		}
		if !found {
			entries = append(entries, predictionEntry{next: domain, count: 1})
		}

		var total uint32
		for _, e := range entries {
			total += e.count
		}
		for i := range entries {
			entries[i].probability = float64(entries[i].count) / float64(total)
		}
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].probability > entries[j].probability
		})
		if len(entries) > p.maxPredictions {
			entries = entries[:p.maxPredictions]
		}
		p.patterns[prev] = entries
	}
	p.lastDomain = domain

	var out []string
	for _, e := range p.patterns[domain] {
		if e.probability >= p.minProbability {
			out = append(out, e.next)
		}
	}
	return out
}

// ObserveAndPrefetch records the transition and resolves predictions in the
// background, silently populating the cache. Failures are discarded.
func (p *Prefetcher) ObserveAndPrefetch(ctx context.Context, domain string, r *CachedResolver) {
	predictions := p.observe(domain)
	for _, next := range predictions {
		if _, ok := r.cache.Get(next, dns.TypeA); ok {
			continue
		}
		next := next
		go func() {
			pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), prefetchTimeout)
			defer cancel()
			if _, err := r.resolveAndCache(pctx, &Query{Domain: next, Type: dns.TypeA}); err != nil {
				p.logger.Debug("Prefetch resolve failed", "domain", next, "error", err)
			}
		}()
	}
}

// Stats reports tracked pattern counts.
func (p *Prefetcher) Stats() (patterns int, domains int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, entries := range p.patterns {
		total += len(entries)
	}
	return total, len(p.patterns)
}
