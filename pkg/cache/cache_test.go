package cache

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"sinkzone/pkg/config"
	"sinkzone/pkg/logging"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.CacheConfig {
	return &config.CacheConfig{
		MaxEntries:              1000,
		Shards:                  8,
		MinTTL:                  1,
		MaxTTL:                  86400,
		DefaultTTL:              300,
		RefreshThreshold:        0.8,
		EvictionStrategy:        "lru",
		EvictionSampleSize:      8,
		BatchEvictionPercentage: 0.1,
	}
}

func newTestCache(t *testing.T, cfg *config.CacheConfig) *Cache {
	t.Helper()
	c, err := New(cfg, logging.Discard(), nil)
	require.NoError(t, err)
	return c
}

func addrs(ips ...string) []netip.Addr {
	out := make([]netip.Addr, 0, len(ips))
	for _, ip := range ips {
		out = append(out, netip.MustParseAddr(ip))
	}
	return out
}

func TestInsertThenGet(t *testing.T) {
	c := newTestCache(t, testConfig())

	c.Insert("example.com", dns.TypeA, Addresses(addrs("93.184.216.34"), nil), 300, DnssecUnknown)

	hit, ok := c.Get("example.com", dns.TypeA)
	require.True(t, ok)
	assert.Equal(t, KindAddresses, hit.Data.Kind)
	assert.Equal(t, addrs("93.184.216.34"), hit.Data.Addresses)
	assert.False(t, hit.Stale)
	assert.GreaterOrEqual(t, hit.RemainingTTL, uint32(1))
	assert.LessOrEqual(t, hit.RemainingTTL, uint32(300))
}

func TestGetMissOnAbsentKey(t *testing.T) {
	c := newTestCache(t, testConfig())

	_, ok := c.Get("absent.example", dns.TypeA)
	assert.False(t, ok)

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, uint64(0), st.Hits)
}

func TestTypeIsPartOfTheKey(t *testing.T) {
	c := newTestCache(t, testConfig())

	c.Insert("example.com", dns.TypeA, Addresses(addrs("1.2.3.4"), nil), 300, DnssecUnknown)

	_, ok := c.Get("example.com", dns.TypeAAAA)
	assert.False(t, ok)

	c.Insert("example.com", dns.TypeAAAA, Addresses(addrs("2001:db8::1"), nil), 300, DnssecUnknown)
	hit, ok := c.Get("example.com", dns.TypeAAAA)
	require.True(t, ok)
	assert.Equal(t, addrs("2001:db8::1"), hit.Data.Addresses)

	hit, ok = c.Get("example.com", dns.TypeA)
	require.True(t, ok)
	assert.Equal(t, addrs("1.2.3.4"), hit.Data.Addresses)
}

func TestTTLClamping(t *testing.T) {
	cfg := testConfig()
	cfg.MinTTL = 60
	cfg.MaxTTL = 3600
	c := newTestCache(t, cfg)

	// TTL 0 clamps up to min_ttl.
	c.Insert("low.example", dns.TypeA, Addresses(addrs("1.1.1.1"), nil), 0, DnssecUnknown)
	hit, ok := c.Get("low.example", dns.TypeA)
	require.True(t, ok)
	assert.LessOrEqual(t, hit.RemainingTTL, uint32(60))
	assert.Greater(t, hit.RemainingTTL, uint32(55))

	// TTL above max_ttl clamps down.
	c.Insert("high.example", dns.TypeA, Addresses(addrs("1.1.1.2"), nil), 1<<20, DnssecUnknown)
	hit, ok = c.Get("high.example", dns.TypeA)
	require.True(t, ok)
	assert.LessOrEqual(t, hit.RemainingTTL, uint32(3600))
}

func TestNegativeTTLBounds(t *testing.T) {
	c := newTestCache(t, testConfig())

	c.Insert("neg.example", dns.TypeA, Negative(), 5, DnssecInsecure)
	hit, ok := c.Get("neg.example", dns.TypeA)
	require.True(t, ok)
	assert.True(t, hit.Data.IsNegative())
	// 5s clamps to the 30s negative floor.
	assert.Greater(t, hit.RemainingTTL, uint32(25))

	c.Insert("neg2.example", dns.TypeA, Negative(), 7200, DnssecInsecure)
	hit, ok = c.Get("neg2.example", dns.TypeA)
	require.True(t, ok)
	assert.LessOrEqual(t, hit.RemainingTTL, uint32(3600))
}

func TestPermanentEntriesIgnoreBoundsAndExpiry(t *testing.T) {
	cfg := testConfig()
	cfg.MinTTL = 60
	c := newTestCache(t, cfg)

	c.InsertPermanent("router.lan", dns.TypeA, Addresses(addrs("192.168.1.1"), nil), 1)

	hit, ok := c.Get("router.lan", dns.TypeA)
	require.True(t, ok)
	assert.Equal(t, uint32(1), hit.RemainingTTL)
	assert.False(t, hit.Stale)
}

func TestRemove(t *testing.T) {
	c := newTestCache(t, testConfig())

	c.Insert("example.com", dns.TypeA, Addresses(addrs("1.1.1.1"), nil), 300, DnssecUnknown)
	assert.True(t, c.Remove("example.com", dns.TypeA))
	assert.False(t, c.Remove("example.com", dns.TypeA))

	_, ok := c.Get("example.com", dns.TypeA)
	assert.False(t, ok)
}

func TestStaleServeSingleRefresh(t *testing.T) {
	c := newTestCache(t, testConfig())

	c.Insert("s.example", dns.TypeA, Addresses(addrs("10.0.0.1"), nil), 1, DnssecUnknown)

	// Age the entry past its TTL but inside the 2×TTL grace window.
	key := Key{Domain: "s.example", Type: dns.TypeA}
	s := c.shardFor("s.example")
	s.mu.Lock()
	e := s.entries[key]
	e.expiresAt = time.Now().Add(-500 * time.Millisecond)
	e.insertedAt = time.Now().Add(-1500 * time.Millisecond)
	s.mu.Unlock()

	const readers = 100
	var wg sync.WaitGroup
	wg.Add(readers)
	for i := 0; i < readers; i++ {
		go func() {
			defer wg.Done()
			hit, ok := c.Get("s.example", dns.TypeA)
			assert.True(t, ok)
			assert.True(t, hit.Stale)
			assert.Equal(t, uint32(1), hit.RemainingTTL)
			assert.Equal(t, addrs("10.0.0.1"), hit.Data.Addresses)
		}()
	}
	wg.Wait()

	// Exactly one refresh request was queued.
	select {
	case got := <-c.Refreshes():
		assert.Equal(t, key, got)
	default:
		t.Fatal("expected a refresh request on the channel")
	}
	select {
	case <-c.Refreshes():
		t.Fatal("more than one refresh request queued for the same key")
	default:
	}

	// The lease is held until the resolver completes; overwrite releases it.
	assert.True(t, e.refreshing.Load())
	c.Insert("s.example", dns.TypeA, Addresses(addrs("10.0.0.2"), nil), 60, DnssecUnknown)
	hit, ok := c.Get("s.example", dns.TypeA)
	require.True(t, ok)
	assert.False(t, hit.Stale)
	assert.Equal(t, addrs("10.0.0.2"), hit.Data.Addresses)
}

func TestClearRefreshingReleasesLease(t *testing.T) {
	c := newTestCache(t, testConfig())
	c.Insert("r.example", dns.TypeA, Addresses(addrs("10.0.0.1"), nil), 1, DnssecUnknown)

	s := c.shardFor("r.example")
	s.mu.RLock()
	e := s.entries[Key{Domain: "r.example", Type: dns.TypeA}]
	s.mu.RUnlock()

	require.True(t, e.refreshing.CompareAndSwap(false, true))
	c.ClearRefreshing("r.example", dns.TypeA)
	assert.False(t, e.refreshing.Load())
}

func TestExpiredBeyondGraceIsAMiss(t *testing.T) {
	c := newTestCache(t, testConfig())
	c.Insert("gone.example", dns.TypeA, Addresses(addrs("10.0.0.1"), nil), 1, DnssecUnknown)

	s := c.shardFor("gone.example")
	s.mu.Lock()
	e := s.entries[Key{Domain: "gone.example", Type: dns.TypeA}]
	e.expiresAt = time.Now().Add(-10 * time.Second)
	e.insertedAt = time.Now().Add(-11 * time.Second)
	s.mu.Unlock()

	_, ok := c.Get("gone.example", dns.TypeA)
	assert.False(t, ok)

	// Marked entries are invisible to later readers and removed by compaction.
	_, ok = c.Get("gone.example", dns.TypeA)
	assert.False(t, ok)
	removed := c.Compact()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, c.Size())
}

func TestCompactRemovesMarkedAndBeyondGrace(t *testing.T) {
	c := newTestCache(t, testConfig())

	c.Insert("fresh.example", dns.TypeA, Addresses(addrs("1.1.1.1"), nil), 300, DnssecUnknown)
	c.Insert("old.example", dns.TypeA, Addresses(addrs("1.1.1.2"), nil), 1, DnssecUnknown)
	c.InsertPermanent("perm.lan", dns.TypeA, Addresses(addrs("192.168.0.1"), nil), 60)

	s := c.shardFor("old.example")
	s.mu.Lock()
	e := s.entries[Key{Domain: "old.example", Type: dns.TypeA}]
	e.insertedAt = time.Now().Add(-10 * time.Second)
	e.expiresAt = time.Now().Add(-9 * time.Second)
	s.mu.Unlock()

	removed := c.Compact()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, c.Size())

	_, ok := c.Get("fresh.example", dns.TypeA)
	assert.True(t, ok)
	_, ok = c.Get("perm.lan", dns.TypeA)
	assert.True(t, ok)
}

func TestRefreshCandidatesSelection(t *testing.T) {
	cfg := testConfig()
	cfg.RefreshThreshold = 0.5
	c := newTestCache(t, cfg)

	c.Insert("hot.example", dns.TypeA, Addresses(addrs("1.1.1.1"), nil), 100, DnssecUnknown)
	c.Insert("neg.example", dns.TypeA, Negative(), 100, DnssecInsecure)
	c.Insert("https.example", dns.TypeHTTPS, Addresses(addrs("1.1.1.3"), nil), 100, DnssecUnknown)
	c.InsertPermanent("perm.lan", dns.TypeA, Addresses(addrs("192.168.0.1"), nil), 60)

	// Age every non-permanent entry past the refresh threshold, and make the
	// hot entry the highest-scoring one.
	for _, name := range []string{"hot.example", "neg.example", "https.example"} {
		s := c.shardFor(name)
		s.mu.Lock()
		for k, e := range s.entries {
			if k.Domain != name {
				continue
			}
			e.insertedAt = time.Now().Add(-60 * time.Second)
			e.expiresAt = time.Now().Add(40 * time.Second)
		}
		s.mu.Unlock()
	}
	for i := 0; i < 10; i++ {
		c.Get("hot.example", dns.TypeA)
	}

	candidates := c.RefreshCandidates()
	require.Len(t, candidates, 1)
	assert.Equal(t, Key{Domain: "hot.example", Type: dns.TypeA}, candidates[0])
}

func TestSizeNeverExceedsMaxEntries(t *testing.T) {
	cfg := testConfig()
	cfg.MaxEntries = 4
	cfg.EvictionStrategy = "lfu"
	cfg.BatchEvictionPercentage = 0.5
	c := newTestCache(t, cfg)

	c.Insert("a.example", dns.TypeA, Addresses(addrs("1.0.0.1"), nil), 300, DnssecUnknown)
	c.Insert("b.example", dns.TypeA, Addresses(addrs("1.0.0.2"), nil), 300, DnssecUnknown)
	c.Insert("c.example", dns.TypeA, Addresses(addrs("1.0.0.3"), nil), 300, DnssecUnknown)
	c.Insert("d.example", dns.TypeA, Addresses(addrs("1.0.0.4"), nil), 300, DnssecUnknown)

	for i := 0; i < 10; i++ {
		c.Get("a.example", dns.TypeA)
	}

	c.Insert("e.example", dns.TypeA, Addresses(addrs("1.0.0.5"), nil), 300, DnssecUnknown)

	assert.LessOrEqual(t, c.Size(), 4)

	// The hot entry survives; at least two cold ones were evicted.
	_, ok := c.Get("a.example", dns.TypeA)
	assert.True(t, ok)
	st := c.Stats()
	assert.GreaterOrEqual(t, st.Evictions, uint64(2))
}

func TestPermanentEntriesSurviveEviction(t *testing.T) {
	cfg := testConfig()
	cfg.MaxEntries = 2
	cfg.BatchEvictionPercentage = 0.5
	c := newTestCache(t, cfg)

	c.InsertPermanent("perm.lan", dns.TypeA, Addresses(addrs("192.168.0.1"), nil), 60)
	c.Insert("x.example", dns.TypeA, Addresses(addrs("1.0.0.1"), nil), 300, DnssecUnknown)
	c.Insert("y.example", dns.TypeA, Addresses(addrs("1.0.0.2"), nil), 300, DnssecUnknown)

	_, ok := c.Get("perm.lan", dns.TypeA)
	assert.True(t, ok)
}

func TestConcurrentInsertGetVisibility(t *testing.T) {
	c := newTestCache(t, testConfig())

	const writers = 8
	const perWriter = 50
	var wg sync.WaitGroup
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				domain := domainFor(w, i)
				c.Insert(domain, dns.TypeA, Addresses(addrs("10.0.0.1"), nil), 300, DnssecUnknown)
				hit, ok := c.Get(domain, dns.TypeA)
				if !ok {
					t.Errorf("insert not visible for %s", domain)
					return
				}
				if hit.RemainingTTL < 1 || hit.RemainingTTL > 300 {
					t.Errorf("remaining ttl out of range: %d", hit.RemainingTTL)
					return
				}
			}
		}(w)
	}
	wg.Wait()
}

func domainFor(w, i int) string {
	return string(rune('a'+w)) + ".w" + string(rune('0'+i%10)) + ".example"
}

func TestStatsSnapshot(t *testing.T) {
	c := newTestCache(t, testConfig())

	c.Insert("a.example", dns.TypeA, Addresses(addrs("1.1.1.1"), nil), 300, DnssecUnknown)
	c.Get("a.example", dns.TypeA)
	c.Get("miss.example", dns.TypeA)

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, uint64(1), st.Insertions)
	assert.InDelta(t, 0.5, st.HitRate, 0.001)
	assert.Equal(t, 1, st.Entries)
}
