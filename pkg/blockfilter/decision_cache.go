package blockfilter

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	decisionTTL          = 60 * time.Second
	decisionCacheShards  = 16
	decisionCacheEntries = 100_000
)

// Decision is a memoized block-filter verdict.
type Decision struct {
	Blocked bool
	Source  string
}

// DecisionCache memoizes (domain, group) verdicts for 60 seconds. Go has no
// per-thread storage for an L0 tier, so the shared tier is sharded instead:
// the key hash picks one of 16 independent expirable LRUs, which bounds lock
// contention the same way the thread-local front would have.
type DecisionCache struct {
	mu     sync.RWMutex // guards shard replacement on Clear
	shards [decisionCacheShards]*lru.LRU[uint64, Decision]
}

// NewDecisionCache creates the sharded decision cache.
func NewDecisionCache() *DecisionCache {
	c := &DecisionCache{}
	for i := range c.shards {
		c.shards[i] = lru.NewLRU[uint64, Decision](decisionCacheEntries/decisionCacheShards, nil, decisionTTL)
	}
	return c
}

func decisionKey(domain string, groupID int64) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(domain)
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(groupID >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

// Get returns the memoized decision for (domain, group), if present.
func (c *DecisionCache) Get(domain string, groupID int64) (Decision, bool) {
	key := decisionKey(domain, groupID)
	c.mu.RLock()
	shard := c.shards[key%decisionCacheShards]
	c.mu.RUnlock()
	return shard.Get(key)
}

// Set memoizes a decision.
func (c *DecisionCache) Set(domain string, groupID int64, d Decision) {
	key := decisionKey(domain, groupID)
	c.mu.RLock()
	shard := c.shards[key%decisionCacheShards]
	c.mu.RUnlock()
	shard.Add(key, d)
}

// Clear drops every memoized decision. Called on index reload, before the
// new index becomes observable.
func (c *DecisionCache) Clear() {
	c.mu.Lock()
	for i := range c.shards {
		c.shards[i] = lru.NewLRU[uint64, Decision](decisionCacheEntries/decisionCacheShards, nil, decisionTTL)
	}
	c.mu.Unlock()
}

// Len returns the number of memoized decisions across shards.
func (c *DecisionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := 0
	for _, s := range c.shards {
		total += s.Len()
	}
	return total
}
