package localrecords

import (
	"testing"

	"sinkzone/pkg/cache"
	"sinkzone/pkg/config"
	"sinkzone/pkg/logging"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *cache.Cache) {
	t.Helper()
	c, err := cache.New(&config.CacheConfig{
		MaxEntries:              100,
		Shards:                  4,
		MinTTL:                  60,
		MaxTTL:                  3600,
		RefreshThreshold:        0.8,
		EvictionStrategy:        "lru",
		BatchEvictionPercentage: 0.1,
	}, logging.Discard(), nil)
	require.NoError(t, err)
	return NewManager(c, logging.Discard()), c
}

func TestLoadConfigInsertsPermanentEntries(t *testing.T) {
	m, c := newTestManager(t)

	err := m.LoadConfig([]config.LocalRecord{
		{Domain: "router.lan", Type: "A", Values: []string{"192.168.1.1"}, TTL: 60},
		{Domain: "router.lan", Type: "AAAA", Values: []string{"fd00::1"}},
		{Domain: "nas.lan", Type: "CNAME", Values: []string{"router.lan"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, m.Count())

	hit, ok := c.Get("router.lan", dns.TypeA)
	require.True(t, ok)
	assert.Equal(t, "192.168.1.1", hit.Data.Addresses[0].String())
	assert.Equal(t, uint32(60), hit.RemainingTTL)

	hit, ok = c.Get("nas.lan", dns.TypeCNAME)
	require.True(t, ok)
	assert.Equal(t, cache.KindCanonicalName, hit.Data.Kind)
	assert.Equal(t, "router.lan", hit.Data.Target)
}

func TestRewriteInvalidatesOldEntry(t *testing.T) {
	m, c := newTestManager(t)

	require.NoError(t, m.LoadConfig([]config.LocalRecord{
		{Domain: "host.lan", Type: "A", Values: []string{"10.0.0.1"}},
	}))
	require.NoError(t, m.LoadConfig([]config.LocalRecord{
		{Domain: "host.lan", Type: "A", Values: []string{"10.0.0.2"}},
	}))

	assert.Equal(t, 1, m.Count())
	hit, ok := c.Get("host.lan", dns.TypeA)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.2", hit.Data.Addresses[0].String())
}

func TestRemoveDeletesCacheEntry(t *testing.T) {
	m, c := newTestManager(t)

	require.NoError(t, m.LoadConfig([]config.LocalRecord{
		{Domain: "gone.lan", Type: "A", Values: []string{"10.0.0.1"}},
	}))

	assert.True(t, m.Remove("gone.lan", dns.TypeA))
	assert.False(t, m.Remove("gone.lan", dns.TypeA))

	_, ok := c.Get("gone.lan", dns.TypeA)
	assert.False(t, ok)
}

func TestParseRecordValidation(t *testing.T) {
	tests := []struct {
		name  string
		entry config.LocalRecord
	}{
		{"empty domain", config.LocalRecord{Type: "A", Values: []string{"1.1.1.1"}}},
		{"bad type", config.LocalRecord{Domain: "x.lan", Type: "MX", Values: []string{"mail.x.lan"}}},
		{"v6 in A", config.LocalRecord{Domain: "x.lan", Type: "A", Values: []string{"fd00::1"}}},
		{"v4 in AAAA", config.LocalRecord{Domain: "x.lan", Type: "AAAA", Values: []string{"1.1.1.1"}}},
		{"bad address", config.LocalRecord{Domain: "x.lan", Type: "A", Values: []string{"not-an-ip"}}},
		{"no values", config.LocalRecord{Domain: "x.lan", Type: "A"}},
		{"two cname targets", config.LocalRecord{Domain: "x.lan", Type: "CNAME", Values: []string{"a.lan", "b.lan"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseRecord(tt.entry)
			assert.Error(t, err)
		})
	}
}
