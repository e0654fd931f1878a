package cache

import (
	"sync"
	"time"
)

// negativeWindow is how long a domain's query counter stays relevant.
const negativeWindow = 300 * time.Second

// NegativeTracker decides the TTL for cached negative responses by query
// frequency: rarely-queried NXDOMAINs can be cached long, frequently-queried
// ones stay short so newly-registered names appear quickly.
type NegativeTracker struct {
	mu                 sync.Mutex
	counts             map[string]*negativeCounter
	frequentTTL        uint32
	rareTTL            uint32
	frequencyThreshold uint32
}

type negativeCounter struct {
	count       uint64
	windowStart time.Time
}

// NewNegativeTracker creates a tracker with the given TTLs and threshold.
// Zero values fall back to the defaults (60s frequent, 300s rare, 5 queries).
func NewNegativeTracker(frequentTTL, rareTTL, frequencyThreshold uint32) *NegativeTracker {
	if frequentTTL == 0 {
		frequentTTL = 60
	}
	if rareTTL == 0 {
		rareTTL = 300
	}
	if frequencyThreshold == 0 {
		frequencyThreshold = 5
	}
	return &NegativeTracker{
		counts:             make(map[string]*negativeCounter),
		frequentTTL:        frequentTTL,
		rareTTL:            rareTTL,
		frequencyThreshold: frequencyThreshold,
	}
}

// RecordAndTTL counts a negative response for the domain and returns the TTL
// to cache it with.
func (t *NegativeTracker) RecordAndTTL(domain string) uint32 {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.counts[domain]
	if !ok {
		t.counts[domain] = &negativeCounter{count: 1, windowStart: now}
		return t.rareTTL
	}

	if now.Sub(c.windowStart) > negativeWindow {
		c.count = 1
		c.windowStart = now
		return t.rareTTL
	}

	c.count++
	if c.count > uint64(t.frequencyThreshold) {
		return t.frequentTTL
	}
	return t.rareTTL
}

// Prune drops counters whose window expired. Called by the compaction tick.
func (t *NegativeTracker) Prune() int {
	now := time.Now()
	removed := 0

	t.mu.Lock()
	for domain, c := range t.counts {
		if now.Sub(c.windowStart) > negativeWindow {
			delete(t.counts, domain)
			removed++
		}
	}
	t.mu.Unlock()

	return removed
}

// Len returns the number of tracked domains.
func (t *NegativeTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.counts)
}
