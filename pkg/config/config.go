// Package config defines the runtime configuration structs, parsing helpers,
// and the rule-file watcher shared across services.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
//
//nolint:fieldalignment // Struct is organized for readability; padding cost is acceptable.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Cache       CacheConfig       `yaml:"cache"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Blocking    BlockingConfig    `yaml:"blocking"`
	Filters     FilterConfig      `yaml:"filters"`
	DNSSEC      DNSSECConfig      `yaml:"dnssec"`
	Prefetch    PrefetchConfig    `yaml:"prefetch"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	LocalRecords []LocalRecord    `yaml:"local_records"`
	Policy      PolicyConfig      `yaml:"policy"`
	QueryLog    QueryLogConfig    `yaml:"query_log"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address"` // host:port for UDP and TCP
	UDPEnabled    bool   `yaml:"udp_enabled"`
	TCPEnabled    bool   `yaml:"tcp_enabled"`
	FastPath      bool   `yaml:"fast_path"` // zero-alloc UDP fast path for plain A/AAAA
	// BlockedResponse selects the RCODE for blocked queries: "refused" or "nxdomain".
	BlockedResponse string `yaml:"blocked_response"`
}

// CacheConfig holds answer-cache settings. TTL values are in seconds.
type CacheConfig struct {
	MaxEntries              int     `yaml:"max_entries"`
	Shards                  int     `yaml:"shards"` // 0 = clamp(cores*4, 8, 256)
	MinTTL                  uint32  `yaml:"min_ttl"`
	MaxTTL                  uint32  `yaml:"max_ttl"`
	DefaultTTL              uint32  `yaml:"default_ttl"`
	RefreshThreshold        float64 `yaml:"refresh_threshold"` // age/ttl ratio that makes an entry a refresh candidate
	EvictionStrategy        string  `yaml:"eviction_strategy"` // lru, hitrate, lfu, lfuk
	EvictionSampleSize      int     `yaml:"eviction_sample_size"`
	BatchEvictionPercentage float64 `yaml:"batch_eviction_percentage"`
	MinThreshold            float64 `yaml:"min_threshold"`  // hitrate guard
	MinFrequency            uint64  `yaml:"min_frequency"`  // lfu guard
	MinLFUKScore            float64 `yaml:"min_lfuk_score"` // lfu-k guard
	AdaptiveThresholds      bool    `yaml:"adaptive_thresholds"`

	// Negative-response TTL tracking.
	NegativeFrequentTTL       uint32 `yaml:"negative_frequent_ttl"`
	NegativeRareTTL           uint32 `yaml:"negative_rare_ttl"`
	NegativeFrequencyThreshold uint32 `yaml:"negative_frequency_threshold"`
}

// UpstreamConfig holds the pool set and query budget.
type UpstreamConfig struct {
	Pools        []PoolConfig      `yaml:"pools"`
	QueryTimeout time.Duration     `yaml:"query_timeout"`
	HealthCheck  HealthCheckConfig `yaml:"health_check"`
}

// PoolConfig describes one upstream pool.
type PoolConfig struct {
	Name     string   `yaml:"name"`
	Priority int      `yaml:"priority"` // lower = tried first
	Strategy string   `yaml:"strategy"` // parallel, balanced, failover
	Servers  []string `yaml:"servers"`  // udp://, tcp://, tls://, https://, quic://
}

// HealthCheckConfig controls the active upstream prober.
type HealthCheckConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
}

// BlockingConfig holds block-filter inputs.
type BlockingConfig struct {
	Enabled        bool                `yaml:"enabled"`
	Sources        []RuleSource        `yaml:"sources"`
	AllowSources   []RuleSource        `yaml:"allow_sources"`
	ManualDomains  []string            `yaml:"manual_domains"`
	RegexFilters   []string            `yaml:"regex_filters"`
	Groups         []GroupConfig       `yaml:"groups"`
	DefaultGroupID int64               `yaml:"default_group_id"`
	Clients        []ClientGroupConfig `yaml:"clients"`
	WatchSources   bool                `yaml:"watch_sources"` // recompile on rule-file change
}

// RuleSource is a local rule file (hosts, plain, or adblock format).
type RuleSource struct {
	ID   int64  `yaml:"id"`
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// GroupConfig selects which sources apply to a client group.
type GroupConfig struct {
	ID      int64   `yaml:"id"`
	Name    string  `yaml:"name"`
	Sources []int64 `yaml:"sources"` // enabled source IDs; empty inherits the default group
}

// ClientGroupConfig assigns a client IP to a group.
type ClientGroupConfig struct {
	IP      string `yaml:"ip"`
	GroupID int64  `yaml:"group_id"`
}

// FilterConfig holds pre-resolution query filters.
type FilterConfig struct {
	BlockPrivatePTR bool   `yaml:"block_private_ptr"`
	BlockNonFQDN    bool   `yaml:"block_non_fqdn"`
	LocalDomain     string `yaml:"local_domain"`     // appended to bare hostnames; also the local TLD
	LocalDNSServer  string `yaml:"local_dns_server"` // host:port handling local-TLD queries
}

// DNSSECConfig controls the validation layer.
type DNSSECConfig struct {
	Enabled  bool `yaml:"enabled"`
	SoftFail bool `yaml:"soft_fail"` // downgrade Bogus to Insecure instead of SERVFAIL
}

// PrefetchConfig controls the Markov-chain predictor.
type PrefetchConfig struct {
	Enabled        bool    `yaml:"enabled"`
	MaxPredictions int     `yaml:"max_predictions"`
	MinProbability float64 `yaml:"min_probability"`
}

// MaintenanceConfig holds background cache maintenance intervals.
type MaintenanceConfig struct {
	RefreshInterval    time.Duration `yaml:"refresh_interval"`
	CompactionInterval time.Duration `yaml:"compaction_interval"`
}

// LocalRecord is a locally-defined permanent record.
type LocalRecord struct {
	Domain string   `yaml:"domain"`
	Type   string   `yaml:"type"` // A, AAAA, CNAME
	Values []string `yaml:"values"`
	TTL    uint32   `yaml:"ttl"`
}

// PolicyConfig holds expression-based query policies.
type PolicyConfig struct {
	Enabled bool         `yaml:"enabled"`
	Rules   []PolicyRule `yaml:"rules"`
}

// PolicyRule is a single expression rule.
type PolicyRule struct {
	Name    string `yaml:"name"`
	Logic   string `yaml:"logic"`
	Action  string `yaml:"action"` // BLOCK or ALLOW
	Enabled bool   `yaml:"enabled"`
}

// QueryLogConfig holds the async query-log sink settings.
type QueryLogConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Path       string        `yaml:"path"` // sqlite database file
	BufferSize int           `yaml:"buffer_size"`
	Workers    int           `yaml:"workers"`
	FlushEvery time.Duration `yaml:"flush_interval"`
}

// TelemetryConfig holds metrics exporter settings.
type TelemetryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddress string        `yaml:"listen_address"` // /metrics endpoint
	SystemMetrics bool          `yaml:"system_metrics"`
	SystemInterval time.Duration `yaml:"system_interval"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level     string `yaml:"level"`  // debug, info, warn, error
	Format    string `yaml:"format"` // text, json
	Output    string `yaml:"output"` // stdout, stderr, file
	FilePath  string `yaml:"file_path"`
	AddSource bool   `yaml:"add_source"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a configuration with sensible defaults applied.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			ListenAddress:   ":53",
			UDPEnabled:      true,
			TCPEnabled:      true,
			FastPath:        true,
			BlockedResponse: "refused",
		},
		Cache: CacheConfig{
			MaxEntries:              100000,
			MinTTL:                  60,
			MaxTTL:                  86400,
			DefaultTTL:              300,
			RefreshThreshold:        0.8,
			EvictionStrategy:        "lru",
			EvictionSampleSize:      8,
			BatchEvictionPercentage: 0.05,
			NegativeFrequentTTL:     60,
			NegativeRareTTL:         300,
			NegativeFrequencyThreshold: 5,
		},
		Upstream: UpstreamConfig{
			QueryTimeout: 2 * time.Second,
			HealthCheck: HealthCheckConfig{
				Enabled:          true,
				Interval:         30 * time.Second,
				FailureThreshold: 3,
				SuccessThreshold: 2,
			},
		},
		Filters: FilterConfig{
			BlockPrivatePTR: true,
		},
		Prefetch: PrefetchConfig{
			MaxPredictions: 5,
			MinProbability: 0.5,
		},
		Maintenance: MaintenanceConfig{
			RefreshInterval:    60 * time.Second,
			CompactionInterval: 600 * time.Second,
		},
		QueryLog: QueryLogConfig{
			BufferSize: 50000,
			Workers:    4,
			FlushEvery: 2 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ListenAddress:  ":9153",
			SystemInterval: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
	return cfg
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be positive, got %d", c.Cache.MaxEntries)
	}
	if c.Cache.MinTTL > c.Cache.MaxTTL {
		return fmt.Errorf("cache.min_ttl (%d) exceeds cache.max_ttl (%d)", c.Cache.MinTTL, c.Cache.MaxTTL)
	}
	if c.Cache.RefreshThreshold <= 0 || c.Cache.RefreshThreshold >= 1 {
		return fmt.Errorf("cache.refresh_threshold must be in (0, 1), got %g", c.Cache.RefreshThreshold)
	}
	switch strings.ToLower(c.Cache.EvictionStrategy) {
	case "lru", "hitrate", "lfu", "lfuk":
	default:
		return fmt.Errorf("unknown cache.eviction_strategy %q", c.Cache.EvictionStrategy)
	}
	if len(c.Upstream.Pools) == 0 {
		return fmt.Errorf("at least one upstream pool must be configured")
	}
	for _, p := range c.Upstream.Pools {
		if len(p.Servers) == 0 {
			return fmt.Errorf("pool %q has no servers", p.Name)
		}
		switch strings.ToLower(p.Strategy) {
		case "", "parallel", "balanced", "failover":
		default:
			return fmt.Errorf("pool %q: unknown strategy %q", p.Name, p.Strategy)
		}
	}
	switch strings.ToLower(c.Server.BlockedResponse) {
	case "", "refused", "nxdomain":
	default:
		return fmt.Errorf("server.blocked_response must be refused or nxdomain, got %q", c.Server.BlockedResponse)
	}
	if len(c.Blocking.Sources) > 63 {
		return fmt.Errorf("at most 63 blocklist sources are supported, got %d", len(c.Blocking.Sources))
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Upstream.QueryTimeout <= 0 {
		c.Upstream.QueryTimeout = 2 * time.Second
	}
	if c.Maintenance.RefreshInterval <= 0 {
		c.Maintenance.RefreshInterval = 60 * time.Second
	}
	if c.Maintenance.CompactionInterval <= 0 {
		c.Maintenance.CompactionInterval = 600 * time.Second
	}
	if c.QueryLog.BufferSize <= 0 {
		c.QueryLog.BufferSize = 50000
	}
	if c.QueryLog.Workers <= 0 {
		c.QueryLog.Workers = 4
	}
}
