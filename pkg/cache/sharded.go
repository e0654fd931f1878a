package cache

import (
	"context"
	"errors"
	"hash/fnv"
	"runtime"
	"sync"
	"time"

	"sinkzone/pkg/clock"
	"sinkzone/pkg/config"
	"sinkzone/pkg/logging"
	"sinkzone/pkg/telemetry"
)

// ErrInvalidConfig is returned when cache configuration is invalid.
var ErrInvalidConfig = errors.New("invalid cache configuration")

// permanentHorizon is the synthetic expiry attached to permanent entries.
const permanentHorizon = 365 * 24 * time.Hour

// Negative-response TTLs are bounded independently of min_ttl/max_ttl.
const (
	negativeTTLFloor   = 30
	negativeTTLCeiling = 3600
)

// refreshQueueDepth bounds the stale-refresh channel; sends never block.
const refreshQueueDepth = 1024

// refreshScanCap limits how many entries a single refresh-candidate scan
// visits, keeping the tick cheap on large caches.
const refreshScanCap = 4096

// shard is one independently-locked slice of the cache.
type shard struct {
	mu      sync.RWMutex
	entries map[Key]*entry
}

// Cache is the sharded DNS answer cache. Lookup and insertion never suspend;
// per-entry hot-path state (hit count, last access, refresh lease) is atomic.
type Cache struct {
	cfg        *config.CacheConfig
	logger     *logging.Logger
	metrics    *telemetry.Metrics
	shards     []*shard
	shardMask  uint32
	strategy   evictionStrategy
	useLFUK    bool
	maxEntries int
	refreshCh  chan Key
	stats      counters
}

// New creates a sharded answer cache from configuration. Shard count defaults
// to clamp(cores×4, 8, 256), rounded up to a power of two.
func New(cfg *config.CacheConfig, logger *logging.Logger, metrics *telemetry.Metrics) (*Cache, error) {
	if cfg == nil || cfg.MaxEntries <= 0 {
		return nil, ErrInvalidConfig
	}
	if logger == nil {
		logger = logging.Discard()
	}

	shardCount := cfg.Shards
	if shardCount <= 0 {
		shardCount = runtime.NumCPU() * 4
		if shardCount < 8 {
			shardCount = 8
		}
		if shardCount > 256 {
			shardCount = 256
		}
	}
	shardCount = nextPowerOfTwo(shardCount)

	strategy, err := newEvictionStrategy(cfg)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		shards:     make([]*shard, shardCount),
		shardMask:  uint32(shardCount - 1),
		strategy:   strategy,
		useLFUK:    strategy.name() == "lfuk",
		maxEntries: cfg.MaxEntries,
		refreshCh:  make(chan Key, refreshQueueDepth),
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[Key]*entry, cfg.MaxEntries/shardCount+1)}
	}

	logger.Info("Answer cache initialized",
		"shards", shardCount,
		"max_entries", cfg.MaxEntries,
		"min_ttl", cfg.MinTTL,
		"max_ttl", cfg.MaxTTL,
		"eviction_strategy", strategy.name())

	return c, nil
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// shardFor hashes the domain only, so same-domain entries of different types
// land on the same shard.
func (c *Cache) shardFor(domain string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(domain))
	return c.shards[h.Sum32()&c.shardMask]
}

// Refreshes exposes the stale-refresh queue consumed by the resolver.
func (c *Cache) Refreshes() <-chan Key {
	return c.refreshCh
}

// Get looks up an answer. Fresh entries return their remaining TTL; entries
// expired but within the 2×TTL grace window are served stale with a synthetic
// TTL of 1 while at most one refresh request is queued for the key.
func (c *Cache) Get(domain string, qtype uint16) (Hit, bool) {
	key := Key{Domain: domain, Type: qtype}
	s := c.shardFor(domain)

	s.mu.RLock()
	e := s.entries[key]
	s.mu.RUnlock()

	if e == nil || e.marked.Load() {
		c.recordMiss()
		return Hit{}, false
	}

	now := time.Now()

	if e.permanent {
		e.recordHit()
		c.recordHit()
		return Hit{Data: e.data, Dnssec: e.dnssec, RemainingTTL: e.ttl}, true
	}

	if !e.isExpired(now) {
		e.recordHit()
		c.recordHit()
		remaining := uint32(e.expiresAt.Sub(now) / time.Second)
		if remaining < 1 {
			remaining = 1
		}
		return Hit{Data: e.data, Dnssec: e.dnssec, RemainingTTL: remaining}, true
	}

	if e.isStaleUsable(now) {
		e.recordHit()
		c.recordHit()
		c.stats.staleHits.Add(1)
		if c.metrics != nil {
			c.metrics.CacheStaleHits.Add(context.Background(), 1)
		}
		// CAS-owned refresh lease: only the winner queues a refresh. A full
		// queue releases the lease so the next reader can retry.
		if e.refreshing.CompareAndSwap(false, true) {
			select {
			case c.refreshCh <- key:
				c.stats.optimisticRefreshes.Add(1)
			default:
				e.refreshing.Store(false)
				c.stats.droppedRefreshes.Add(1)
			}
		}
		return Hit{Data: e.data, Dnssec: e.dnssec, RemainingTTL: 1, Stale: true}, true
	}

	// Beyond grace: lazily mark for deletion and report a miss. Compaction
	// unlinks it.
	if e.marked.CompareAndSwap(false, true) {
		c.stats.lazyDeletions.Add(1)
	}
	c.recordMiss()
	return Hit{}, false
}

// Insert stores an answer, clamping the TTL and evicting under pressure.
// An existing entry for the key is overwritten, which also releases any
// refresh lease held on it.
func (c *Cache) Insert(domain string, qtype uint16, data Data, ttl uint32, dnssec DnssecStatus) {
	ttl = c.clampTTL(ttl, data)

	if c.Size() >= c.maxEntries {
		c.evictBatch()
	}

	now := time.Now()
	e := &entry{
		data:       data,
		dnssec:     dnssec,
		expiresAt:  now.Add(time.Duration(ttl) * time.Second),
		insertedAt: now,
		ttl:        ttl,
	}
	e.lastAccess.Store(clock.NowSecs())
	if c.useLFUK {
		e.history = &accessHistory{}
	}

	c.put(Key{Domain: domain, Type: qtype}, e)
}

// InsertPermanent stores a locally-defined record that never expires and is
// never evicted.
func (c *Cache) InsertPermanent(domain string, qtype uint16, data Data, ttl uint32) {
	now := time.Now()
	e := &entry{
		data:       data,
		dnssec:     DnssecUnknown,
		expiresAt:  now.Add(permanentHorizon),
		insertedAt: now,
		ttl:        ttl,
		permanent:  true,
	}
	e.lastAccess.Store(clock.NowSecs())

	c.put(Key{Domain: domain, Type: qtype}, e)
}

func (c *Cache) put(key Key, e *entry) {
	s := c.shardFor(key.Domain)
	s.mu.Lock()
	_, existed := s.entries[key]
	s.entries[key] = e
	s.mu.Unlock()

	c.stats.insertions.Add(1)
	if c.metrics != nil && !existed {
		c.metrics.CacheSize.Add(context.Background(), 1)
	}
}

// Remove deletes an entry outright. Used when a local record is rewritten.
func (c *Cache) Remove(domain string, qtype uint16) bool {
	key := Key{Domain: domain, Type: qtype}
	s := c.shardFor(domain)
	s.mu.Lock()
	_, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
	}
	s.mu.Unlock()

	if ok && c.metrics != nil {
		c.metrics.CacheSize.Add(context.Background(), -1)
	}
	return ok
}

// TryLeaseRefresh attempts to take the refresh lease on a key. Used by the
// maintenance loop before dispatching a proactive refresh; the stale-serve
// path takes the lease internally.
func (c *Cache) TryLeaseRefresh(domain string, qtype uint16) bool {
	key := Key{Domain: domain, Type: qtype}
	s := c.shardFor(domain)
	s.mu.RLock()
	e := s.entries[key]
	s.mu.RUnlock()
	if e == nil {
		return false
	}
	return e.refreshing.CompareAndSwap(false, true)
}

// ClearRefreshing releases the refresh lease on a key. Called by the resolver
// on every refresh exit path that does not overwrite the entry.
func (c *Cache) ClearRefreshing(domain string, qtype uint16) {
	key := Key{Domain: domain, Type: qtype}
	s := c.shardFor(domain)
	s.mu.RLock()
	e := s.entries[key]
	s.mu.RUnlock()
	if e != nil {
		e.refreshing.Store(false)
	}
}

// Size returns the number of live entries. O(shards).
func (c *Cache) Size() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.entries)
		s.mu.RUnlock()
	}
	return total
}

// clampTTL applies the configured bounds; negative responses use their own
// floor and ceiling.
func (c *Cache) clampTTL(ttl uint32, data Data) uint32 {
	if data.IsNegative() {
		if ttl < negativeTTLFloor {
			return negativeTTLFloor
		}
		if ttl > negativeTTLCeiling {
			return negativeTTLCeiling
		}
		return ttl
	}
	if ttl < c.cfg.MinTTL {
		return c.cfg.MinTTL
	}
	if c.cfg.MaxTTL > 0 && ttl > c.cfg.MaxTTL {
		return c.cfg.MaxTTL
	}
	return ttl
}

// RefreshCandidates scans a capped sample of entries and returns the keys
// whose age/TTL ratio crossed the refresh threshold and whose score is at
// least the sampled mean. Negative, permanent, HTTPS, and already-refreshing
// entries are skipped.
func (c *Cache) RefreshCandidates() []Key {
	now := time.Now()

	type scored struct {
		key   Key
		e     *entry
		score float64
	}
	var sample []scored
	var scoreSum float64

	visited := 0
	for _, s := range c.shards {
		if visited >= refreshScanCap {
			break
		}
		s.mu.RLock()
		for key, e := range s.entries {
			if visited >= refreshScanCap {
				break
			}
			visited++
			if e.marked.Load() || e.permanent || e.isExpired(now) {
				continue
			}
			sc := c.strategy.score(e, now)
			scoreSum += sc
			sample = append(sample, scored{key: key, e: e, score: sc})
		}
		s.mu.RUnlock()
	}

	if len(sample) == 0 {
		return nil
	}
	mean := scoreSum / float64(len(sample))

	const typeHTTPS = 65
	var out []Key
	for _, sc := range sample {
		e := sc.e
		if e.data.IsNegative() || sc.key.Type == typeHTTPS {
			continue
		}
		if e.refreshing.Load() {
			continue
		}
		if e.ageSecs(now) < float64(e.ttl)*c.cfg.RefreshThreshold {
			continue
		}
		if sc.score < mean {
			continue
		}
		out = append(out, sc.key)
	}
	return out
}

// Compact removes entries expired beyond the stale-grace window or marked
// for deletion. Returns the number of entries removed.
func (c *Cache) Compact() int {
	now := time.Now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for key, e := range s.entries {
			if e.permanent {
				continue
			}
			beyondGrace := now.Sub(e.insertedAt) >= time.Duration(e.ttl)*2*time.Second
			if beyondGrace || e.marked.Load() {
				delete(s.entries, key)
				removed++
			}
		}
		s.mu.Unlock()
	}

	c.stats.compactions.Add(1)
	if removed > 0 && c.metrics != nil {
		c.metrics.CacheSize.Add(context.Background(), int64(-removed))
	}
	return removed
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	hits := c.stats.hits.Load()
	misses := c.stats.misses.Load()
	st := Stats{
		Hits:                hits,
		Misses:              misses,
		Insertions:          c.stats.insertions.Load(),
		Evictions:           c.stats.evictions.Load(),
		BatchEvictions:      c.stats.batchEvictions.Load(),
		OptimisticRefreshes: c.stats.optimisticRefreshes.Load(),
		DroppedRefreshes:    c.stats.droppedRefreshes.Load(),
		LazyDeletions:       c.stats.lazyDeletions.Load(),
		Compactions:         c.stats.compactions.Load(),
		StaleHits:           c.stats.staleHits.Load(),
		Entries:             c.Size(),
	}
	if total := hits + misses; total > 0 {
		st.HitRate = float64(hits) / float64(total)
	}
	return st
}

func (c *Cache) recordHit() {
	c.stats.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHits.Add(context.Background(), 1)
	}
}

// AgeEntryForTest rewrites an entry's timestamps so it appears age old with
// the given TTL. Test hook; production code never rewrites timestamps.
func (c *Cache) AgeEntryForTest(domain string, qtype uint16, age time.Duration, ttl uint32) error {
	key := Key{Domain: domain, Type: qtype}
	s := c.shardFor(domain)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return errors.New("no such entry")
	}
	now := time.Now()
	e.insertedAt = now.Add(-age)
	e.expiresAt = e.insertedAt.Add(time.Duration(ttl) * time.Second)
	e.ttl = ttl
	return nil
}

func (c *Cache) recordMiss() {
	c.stats.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMisses.Add(context.Background(), 1)
	}
}
