package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadMinimal(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_address: ":5353"
upstream:
  pools:
    - name: default
      priority: 1
      strategy: balanced
      servers:
        - udp://1.1.1.1
        - udp://8.8.8.8
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":5353", cfg.Server.ListenAddress)
	assert.Equal(t, 100000, cfg.Cache.MaxEntries)
	assert.Equal(t, uint32(60), cfg.Cache.MinTTL)
	assert.Equal(t, 2*time.Second, cfg.Upstream.QueryTimeout)
	require.Len(t, cfg.Upstream.Pools, 1)
	assert.Equal(t, "balanced", cfg.Upstream.Pools[0].Strategy)
}

func TestLoadRejectsBadStrategy(t *testing.T) {
	path := writeConfig(t, `
upstream:
  pools:
    - name: default
      strategy: fastest
      servers: [udp://1.1.1.1]
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown strategy")
}

func TestLoadRejectsEmptyPools(t *testing.T) {
	path := writeConfig(t, `
cache:
  max_entries: 100
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream pool")
}

func TestValidateTTLBounds(t *testing.T) {
	cfg := Default()
	cfg.Upstream.Pools = []PoolConfig{{Name: "p", Servers: []string{"udp://1.1.1.1"}}}
	cfg.Cache.MinTTL = 7200
	cfg.Cache.MaxTTL = 3600
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_ttl")
}

func TestValidateSourceCap(t *testing.T) {
	cfg := Default()
	cfg.Upstream.Pools = []PoolConfig{{Name: "p", Servers: []string{"udp://1.1.1.1"}}}
	for i := 0; i < 64; i++ {
		cfg.Blocking.Sources = append(cfg.Blocking.Sources, RuleSource{ID: int64(i), Path: "x"})
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "63 blocklist sources")
}

func TestRuleWatcherFiresOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.txt")
	require.NoError(t, os.WriteFile(path, []byte("ads.example\n"), 0o600))

	fired := make(chan struct{}, 1)
	w, err := NewRuleWatcher([]string{path}, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, os.WriteFile(path, []byte("ads.example\nmore.example\n"), 0o600))

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not fire after rule file write")
	}
}
