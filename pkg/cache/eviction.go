package cache

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"sinkzone/pkg/config"
)

// evictionStrategy scores entries for sampled eviction. Lower scores are
// evicted first. The guard is the minimum score an entry needs to survive
// when the strategy defines one.
type evictionStrategy interface {
	name() string
	score(e *entry, now time.Time) float64
	guard() float64
}

type lruStrategy struct{}

func (lruStrategy) name() string { return "lru" }
func (lruStrategy) score(e *entry, _ time.Time) float64 {
	return float64(e.lastAccess.Load())
}
func (lruStrategy) guard() float64 { return 0 }

type hitRateStrategy struct{ minThreshold float64 }

func (hitRateStrategy) name() string { return "hitrate" }
func (hitRateStrategy) score(e *entry, now time.Time) float64 {
	age := e.ageSecs(now)
	if age <= 0 {
		return float64(e.hits.Load())
	}
	return float64(e.hits.Load()) / age
}
func (s hitRateStrategy) guard() float64 { return s.minThreshold }

type lfuStrategy struct{ minFrequency uint64 }

func (lfuStrategy) name() string { return "lfu" }
func (lfuStrategy) score(e *entry, _ time.Time) float64 {
	return float64(e.hits.Load())
}
func (s lfuStrategy) guard() float64 { return float64(s.minFrequency) }

type lfukStrategy struct{ minScore float64 }

func (lfukStrategy) name() string { return "lfuk" }
func (lfukStrategy) score(e *entry, now time.Time) float64 {
	if e.history == nil {
		return 0
	}
	n, span := e.history.span()
	if n < 2 {
		return 0
	}
	if span <= 0 {
		return float64(n)
	}
	return float64(n) / span.Seconds()
}
func (s lfukStrategy) guard() float64 { return s.minScore }

func newEvictionStrategy(cfg *config.CacheConfig) (evictionStrategy, error) {
	switch strings.ToLower(cfg.EvictionStrategy) {
	case "", "lru":
		return lruStrategy{}, nil
	case "hitrate":
		return hitRateStrategy{minThreshold: cfg.MinThreshold}, nil
	case "lfu":
		return lfuStrategy{minFrequency: cfg.MinFrequency}, nil
	case "lfuk":
		return lfukStrategy{minScore: cfg.MinLFUKScore}, nil
	default:
		return nil, fmt.Errorf("%w: unknown eviction strategy %q", ErrInvalidConfig, cfg.EvictionStrategy)
	}
}

// evictBatch frees batch_eviction_percentage × max_entries slots by sampling
// entries across shards, scoring them with the active strategy, and removing
// the worst. Permanent and refresh-leased entries are never picked.
func (c *Cache) evictBatch() {
	sampleSize := c.cfg.EvictionSampleSize
	if sampleSize <= 0 {
		sampleSize = 8
	}
	target := int(c.cfg.BatchEvictionPercentage * float64(c.maxEntries))
	if target < 1 {
		target = 1
	}

	now := time.Now()

	type candidate struct {
		key   Key
		s     *shard
		e     *entry
		score float64
	}
	var sample []candidate

	// Walk shards from a random start; map iteration order randomizes the
	// entries taken within a shard.
	start := rand.Intn(len(c.shards))
	for i := 0; i < len(c.shards) && len(sample) < sampleSize; i++ {
		s := c.shards[(start+i)%len(c.shards)]
		s.mu.RLock()
		for key, e := range s.entries {
			if len(sample) >= sampleSize {
				break
			}
			if e.permanent || e.refreshing.Load() || e.marked.Load() {
				continue
			}
			sample = append(sample, candidate{key: key, s: s, e: e, score: c.strategy.score(e, now)})
		}
		s.mu.RUnlock()
	}

	if len(sample) == 0 {
		return
	}

	sort.Slice(sample, func(i, j int) bool { return sample[i].score < sample[j].score })

	guard := c.strategy.guard()
	if c.cfg.AdaptiveThresholds {
		var sum float64
		for _, cand := range sample {
			sum += cand.score
		}
		mean := sum / float64(len(sample))
		if scaled := mean / 2; scaled > guard {
			guard = scaled
		}
	}

	evicted := 0
	for _, cand := range sample {
		if evicted >= target && cand.score >= guard {
			break
		}
		cand.e.marked.Store(true)
		cand.s.mu.Lock()
		// Re-check under the lock: a concurrent Insert may have replaced the
		// entry, and replacing entries must not be unlinked.
		if cur := cand.s.entries[cand.key]; cur == cand.e {
			delete(cand.s.entries, cand.key)
			evicted++
		}
		cand.s.mu.Unlock()
	}

	if evicted > 0 {
		c.stats.evictions.Add(uint64(evicted))
		c.stats.batchEvictions.Add(1)
		if c.metrics != nil {
			c.metrics.CacheEvictions.Add(context.Background(), int64(evicted))
			c.metrics.CacheSize.Add(context.Background(), int64(-evicted))
		}
	}
}
