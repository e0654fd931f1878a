package resolver

import (
	"context"
	"time"

	"sinkzone/pkg/cache"
	"sinkzone/pkg/clock"
	"sinkzone/pkg/config"
	"sinkzone/pkg/logging"
)

// Maintainer runs the two background cache timers: the refresh tick, which
// advances the coarse clock and proactively refreshes near-expiring hot
// entries, and the compaction tick, which removes dead entries and prunes
// the negative tracker. Both exit on context cancellation; per-cycle errors
// are logged and never terminate the loop.
type Maintainer struct {
	cache              *cache.Cache
	negatives          *cache.NegativeTracker
	resolver           *CachedResolver
	refreshInterval    time.Duration
	compactionInterval time.Duration
	logger             *logging.Logger
}

// NewMaintainer wires the maintenance loop.
func NewMaintainer(c *cache.Cache, negatives *cache.NegativeTracker, r *CachedResolver, cfg *config.MaintenanceConfig, logger *logging.Logger) *Maintainer {
	refreshInterval := cfg.RefreshInterval
	if refreshInterval <= 0 {
		refreshInterval = 60 * time.Second
	}
	compactionInterval := cfg.CompactionInterval
	if compactionInterval <= 0 {
		compactionInterval = 600 * time.Second
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Maintainer{
		cache:              c,
		negatives:          negatives,
		resolver:           r,
		refreshInterval:    refreshInterval,
		compactionInterval: compactionInterval,
		logger:             logger,
	}
}

// Run blocks until the context is cancelled.
func (m *Maintainer) Run(ctx context.Context) {
	m.logger.Info("Cache maintenance started",
		"refresh_interval", m.refreshInterval,
		"compaction_interval", m.compactionInterval)

	refreshTicker := time.NewTicker(m.refreshInterval)
	defer refreshTicker.Stop()
	compactionTicker := time.NewTicker(m.compactionInterval)
	defer compactionTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Cache maintenance stopped")
			return
		case <-refreshTicker.C:
			m.runRefreshCycle(ctx)
		case <-compactionTicker.C:
			m.runCompactionCycle()
		}
	}
}

func (m *Maintainer) runRefreshCycle(ctx context.Context) {
	clock.Tick()

	candidates := m.cache.RefreshCandidates()
	if len(candidates) == 0 {
		return
	}

	refreshed, failed := 0, 0
	for _, key := range candidates {
		if ctx.Err() != nil {
			return
		}
		if err := m.resolver.RefreshCandidate(ctx, key); err != nil {
			failed++
			continue
		}
		refreshed++
	}

	m.logger.Info("Cache refresh cycle completed",
		"candidates", len(candidates),
		"refreshed", refreshed,
		"failed", failed,
		"cache_size", m.cache.Size())
}

func (m *Maintainer) runCompactionCycle() {
	removed := m.cache.Compact()
	pruned := m.negatives.Prune()

	if removed > 0 || pruned > 0 {
		m.logger.Info("Cache compaction cycle completed",
			"entries_removed", removed,
			"negative_windows_pruned", pruned,
			"cache_size", m.cache.Size())
	}
}
