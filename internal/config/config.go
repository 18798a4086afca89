// Package config holds the typed configuration tree. Secret-bearing
// fields carry secret://vault/item/field references that stay unresolved
// until a component asks the secret resolver for them.
package config

import (
	"fmt"
	"time"

	"github.com/datagen24/dshield-mcp-sub001/internal/logs"
)

// Transport modes.
const (
	TransportStdio = "stdio"
	TransportTCP   = "tcp"
)

// Config is the root of the configuration tree.
type Config struct {
	SIEMStore       SIEMStoreConfig   `json:"siem_store" mapstructure:"siem_store"`
	ThreatIntel     ThreatIntelConfig `json:"threat_intel" mapstructure:"threat_intel"`
	RateLimits      RateLimitConfig   `json:"rate_limits" mapstructure:"rate_limits"`
	CircuitBreakers BreakerConfig     `json:"circuit_breakers" mapstructure:"circuit_breakers"`
	Transport       TransportConfig   `json:"transport" mapstructure:"transport"`
	APIKeys         APIKeyConfig      `json:"api_keys" mapstructure:"api_keys"`
	Features        FeatureConfig     `json:"features" mapstructure:"features"`
	Query           QueryConfig       `json:"query" mapstructure:"query"`
	Correlation     CorrelationConfig `json:"correlation" mapstructure:"correlation"`
	Logging         *logs.Config      `json:"logging,omitempty" mapstructure:"logging"`
	Observability   ObservabilityCfg  `json:"observability" mapstructure:"observability"`

	// DataDir holds the disk cache and key metadata database.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// StrictStartup makes an unreachable mandatory dependency fatal.
	StrictStartup bool `json:"strict_startup" mapstructure:"strict_startup"`
}

// SIEMStoreConfig configures the Elasticsearch-backed event store.
type SIEMStoreConfig struct {
	URL      string `json:"url" mapstructure:"url"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"` // may be a secret:// ref

	// Index patterns to discover, in priority order.
	IndexPatterns    []IndexPattern `json:"index_patterns" mapstructure:"index_patterns"`
	QueryTimeout     time.Duration  `json:"query_timeout" mapstructure:"query_timeout"`
	DiscoveryRefresh time.Duration  `json:"discovery_refresh" mapstructure:"discovery_refresh"`
	VerifyTLS        bool           `json:"verify_tls" mapstructure:"verify_tls"`
}

// IndexPattern is one discoverable pattern plus its fallback.
type IndexPattern struct {
	Primary       string `json:"primary" mapstructure:"primary"`
	Fallback      string `json:"fallback,omitempty" mapstructure:"fallback"`
	UnionFallback bool   `json:"union_fallback" mapstructure:"union_fallback"`
}

// ThreatIntelConfig configures enrichment sources, cache, and write-back.
type ThreatIntelConfig struct {
	Sources   []IntelSourceConfig `json:"sources" mapstructure:"sources"`
	Cache     IntelCacheConfig    `json:"cache" mapstructure:"cache"`
	Writeback WritebackConfig     `json:"writeback" mapstructure:"writeback"`
}

// IntelSourceConfig configures one threat-intel HTTP source.
type IntelSourceConfig struct {
	Name              string        `json:"name" mapstructure:"name"`
	URL               string        `json:"url" mapstructure:"url"`
	APIKey            string        `json:"api_key,omitempty" mapstructure:"api_key"` // may be a secret:// ref
	Enabled           bool          `json:"enabled" mapstructure:"enabled"`
	RequestsPerMinute float64       `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int           `json:"max_concurrent" mapstructure:"max_concurrent"`
	Timeout           time.Duration `json:"timeout" mapstructure:"timeout"`
	ReliabilityWeight float64       `json:"reliability_weight" mapstructure:"reliability_weight"`
}

// IntelCacheConfig configures the dual-tier enrichment cache.
type IntelCacheConfig struct {
	TTL            time.Duration `json:"ttl" mapstructure:"ttl"`
	MemoryCapacity int           `json:"memory_capacity" mapstructure:"memory_capacity"`
	SweepInterval  time.Duration `json:"sweep_interval" mapstructure:"sweep_interval"`
}

// WritebackConfig controls storing enrichment results back into the SIEM.
type WritebackConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	IndexPrefix string `json:"index_prefix" mapstructure:"index_prefix"`
}

// RateLimitConfig configures the limiter family.
type RateLimitConfig struct {
	GlobalPerMinute     float64 `json:"global_per_minute" mapstructure:"global_per_minute"`
	GlobalBurst         int     `json:"global_burst" mapstructure:"global_burst"`
	ConnectionPerMinute float64 `json:"connection_per_minute" mapstructure:"connection_per_minute"`
	ConnectionBurst     int     `json:"connection_burst" mapstructure:"connection_burst"`
}

// BreakerConfig configures outbound-dependency circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" mapstructure:"failure_threshold"`
	CoolDown         time.Duration `json:"cool_down" mapstructure:"cool_down"`
	RetryBase        time.Duration `json:"retry_base" mapstructure:"retry_base"`
	RetryCap         time.Duration `json:"retry_cap" mapstructure:"retry_cap"`
	MaxAttempts      int           `json:"max_attempts" mapstructure:"max_attempts"`
}

// TransportConfig selects and configures the wire transport.
type TransportConfig struct {
	Mode           string        `json:"mode" mapstructure:"mode"` // stdio or tcp
	TCPBind        string        `json:"tcp_bind" mapstructure:"tcp_bind"`
	TCPPort        int           `json:"tcp_port" mapstructure:"tcp_port"`
	MaxConnections int           `json:"max_connections" mapstructure:"max_connections"`
	IdleTimeout    time.Duration `json:"idle_timeout" mapstructure:"idle_timeout"`
	DrainTimeout   time.Duration `json:"drain_timeout" mapstructure:"drain_timeout"`
}

// APIKeyConfig configures key storage and validation.
type APIKeyConfig struct {
	Vault            string        `json:"vault" mapstructure:"vault"` // secret vault holding key values
	ValidationTTL    time.Duration `json:"validation_ttl" mapstructure:"validation_ttl"`
	DefaultRateLimit uint32        `json:"default_rate_limit" mapstructure:"default_rate_limit"`
}

// FeatureConfig configures the feature manager.
type FeatureConfig struct {
	ProbeInterval time.Duration `json:"probe_interval" mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `json:"probe_timeout" mapstructure:"probe_timeout"`
}

// QueryConfig configures the query and streaming engine.
type QueryConfig struct {
	ResultBudgetBytes    int           `json:"result_budget_bytes" mapstructure:"result_budget_bytes"`
	AverageDocBytes      int           `json:"average_doc_bytes" mapstructure:"average_doc_bytes"`
	DefaultPageSize      int           `json:"default_page_size" mapstructure:"default_page_size"`
	MaxPageSize          int           `json:"max_page_size" mapstructure:"max_page_size"`
	SessionFields        []string      `json:"session_fields" mapstructure:"session_fields"`
	MaxSessionGap        time.Duration `json:"max_session_gap" mapstructure:"max_session_gap"`
	DefaultToolTimeout   time.Duration `json:"default_tool_timeout" mapstructure:"default_tool_timeout"`
	MaxToolTimeout       time.Duration `json:"max_tool_timeout" mapstructure:"max_tool_timeout"`
	DeepPaginationLimit  int           `json:"deep_pagination_limit" mapstructure:"deep_pagination_limit"`
}

// CorrelationConfig configures the campaign correlator.
type CorrelationConfig struct {
	WindowMinutes      int                `json:"correlation_window_minutes" mapstructure:"correlation_window_minutes"`
	BehavioralThreshold float64           `json:"behavioral_pattern_threshold" mapstructure:"behavioral_pattern_threshold"`
	MinConfidence      float64            `json:"min_confidence" mapstructure:"min_confidence"`
	SubnetPrefixBits   int                `json:"subnet_prefix_bits" mapstructure:"subnet_prefix_bits"`
	StageTimeout       time.Duration      `json:"stage_timeout" mapstructure:"stage_timeout"`
	StageWeights       map[string]float64 `json:"stage_weights,omitempty" mapstructure:"stage_weights"`
	MaxEmbeddedEvents  int                `json:"max_embedded_events" mapstructure:"max_embedded_events"`
}

// ObservabilityCfg configures the optional localhost health/metrics listener.
type ObservabilityCfg struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Listen  string `json:"listen" mapstructure:"listen"`
}

// Default returns a configuration with every default from the design
// filled in. Load applies file and environment values on top of it.
func Default() *Config {
	return &Config{
		SIEMStore: SIEMStoreConfig{
			URL: "https://localhost:9200",
			IndexPatterns: []IndexPattern{
				{Primary: "cowrie-*", Fallback: "honeypot-*"},
				{Primary: "dshield-*"},
			},
			QueryTimeout:     30 * time.Second,
			DiscoveryRefresh: 5 * time.Minute,
			VerifyTLS:        true,
		},
		ThreatIntel: ThreatIntelConfig{
			Cache: IntelCacheConfig{
				TTL:            time.Hour,
				MemoryCapacity: 4096,
				SweepInterval:  time.Minute,
			},
			Writeback: WritebackConfig{
				Enabled:     false,
				IndexPrefix: "enrichment-intel",
			},
		},
		RateLimits: RateLimitConfig{
			GlobalPerMinute:     600,
			GlobalBurst:         60,
			ConnectionPerMinute: 120,
			ConnectionBurst:     20,
		},
		CircuitBreakers: BreakerConfig{
			FailureThreshold: 5,
			CoolDown:         30 * time.Second,
			RetryBase:        100 * time.Millisecond,
			RetryCap:         5 * time.Second,
			MaxAttempts:      3,
		},
		Transport: TransportConfig{
			Mode:           TransportStdio,
			TCPBind:        "127.0.0.1",
			TCPPort:        3000,
			MaxConnections: 64,
			IdleTimeout:    300 * time.Second,
			DrainTimeout:   30 * time.Second,
		},
		APIKeys: APIKeyConfig{
			Vault:            "keyring",
			ValidationTTL:    60 * time.Second,
			DefaultRateLimit: 60,
		},
		Features: FeatureConfig{
			ProbeInterval: 30 * time.Second,
			ProbeTimeout:  5 * time.Second,
		},
		Query: QueryConfig{
			ResultBudgetBytes:   10 << 20,
			AverageDocBytes:     2048,
			DefaultPageSize:     100,
			MaxPageSize:         1000,
			SessionFields:       []string{"source_ip", "destination_ip", "user_name", "session_id"},
			MaxSessionGap:       30 * time.Minute,
			DefaultToolTimeout:  60 * time.Second,
			MaxToolTimeout:      300 * time.Second,
			DeepPaginationLimit: 10_000,
		},
		Correlation: CorrelationConfig{
			WindowMinutes:       30,
			BehavioralThreshold: 0.6,
			MinConfidence:       0.7,
			SubnetPrefixBits:    24,
			StageTimeout:        20 * time.Second,
			MaxEmbeddedEvents:   100,
		},
		Logging: logs.DefaultConfig(),
		Observability: ObservabilityCfg{
			Enabled: false,
			Listen:  "127.0.0.1:9105",
		},
		StrictStartup: false,
	}
}

// Validate fills defaults for zero values and rejects impossible
// combinations.
func (c *Config) Validate() error {
	if c.Transport.Mode != TransportStdio && c.Transport.Mode != TransportTCP {
		return fmt.Errorf("transport.mode must be %q or %q, got %q",
			TransportStdio, TransportTCP, c.Transport.Mode)
	}
	if c.Transport.TCPPort <= 0 || c.Transport.TCPPort > 65535 {
		return fmt.Errorf("transport.tcp_port out of range: %d", c.Transport.TCPPort)
	}
	if c.SIEMStore.URL == "" {
		return fmt.Errorf("siem_store.url is required")
	}

	d := Default()
	if c.Query.ResultBudgetBytes <= 0 {
		c.Query.ResultBudgetBytes = d.Query.ResultBudgetBytes
	}
	if c.Query.DefaultPageSize <= 0 {
		c.Query.DefaultPageSize = d.Query.DefaultPageSize
	}
	if c.Query.MaxPageSize <= 0 {
		c.Query.MaxPageSize = d.Query.MaxPageSize
	}
	if c.Query.DeepPaginationLimit <= 0 {
		c.Query.DeepPaginationLimit = d.Query.DeepPaginationLimit
	}
	if len(c.Query.SessionFields) == 0 {
		c.Query.SessionFields = d.Query.SessionFields
	}
	if c.Query.MaxSessionGap <= 0 {
		c.Query.MaxSessionGap = d.Query.MaxSessionGap
	}
	if c.Query.DefaultToolTimeout <= 0 {
		c.Query.DefaultToolTimeout = d.Query.DefaultToolTimeout
	}
	if c.Query.MaxToolTimeout <= 0 {
		c.Query.MaxToolTimeout = d.Query.MaxToolTimeout
	}
	if c.CircuitBreakers.FailureThreshold <= 0 {
		c.CircuitBreakers.FailureThreshold = d.CircuitBreakers.FailureThreshold
	}
	if c.CircuitBreakers.CoolDown <= 0 {
		c.CircuitBreakers.CoolDown = d.CircuitBreakers.CoolDown
	}
	if c.CircuitBreakers.MaxAttempts <= 0 {
		c.CircuitBreakers.MaxAttempts = d.CircuitBreakers.MaxAttempts
	}
	if c.Correlation.MinConfidence <= 0 {
		c.Correlation.MinConfidence = d.Correlation.MinConfidence
	}
	if c.Correlation.WindowMinutes <= 0 {
		c.Correlation.WindowMinutes = d.Correlation.WindowMinutes
	}
	if c.Correlation.BehavioralThreshold <= 0 {
		c.Correlation.BehavioralThreshold = d.Correlation.BehavioralThreshold
	}
	if c.Correlation.SubnetPrefixBits <= 0 || c.Correlation.SubnetPrefixBits > 32 {
		c.Correlation.SubnetPrefixBits = d.Correlation.SubnetPrefixBits
	}
	if c.Correlation.StageTimeout <= 0 {
		c.Correlation.StageTimeout = d.Correlation.StageTimeout
	}
	if c.Correlation.MaxEmbeddedEvents <= 0 {
		c.Correlation.MaxEmbeddedEvents = d.Correlation.MaxEmbeddedEvents
	}
	if c.APIKeys.ValidationTTL <= 0 {
		c.APIKeys.ValidationTTL = d.APIKeys.ValidationTTL
	}
	if c.APIKeys.DefaultRateLimit == 0 {
		c.APIKeys.DefaultRateLimit = d.APIKeys.DefaultRateLimit
	}
	if c.APIKeys.Vault == "" {
		c.APIKeys.Vault = d.APIKeys.Vault
	}
	if c.Features.ProbeInterval <= 0 {
		c.Features.ProbeInterval = d.Features.ProbeInterval
	}
	if c.Features.ProbeTimeout <= 0 {
		c.Features.ProbeTimeout = d.Features.ProbeTimeout
	}
	if c.Transport.IdleTimeout <= 0 {
		c.Transport.IdleTimeout = d.Transport.IdleTimeout
	}
	if c.Transport.DrainTimeout <= 0 {
		c.Transport.DrainTimeout = d.Transport.DrainTimeout
	}
	if c.Transport.MaxConnections <= 0 {
		c.Transport.MaxConnections = d.Transport.MaxConnections
	}
	if c.RateLimits.GlobalPerMinute <= 0 {
		c.RateLimits.GlobalPerMinute = d.RateLimits.GlobalPerMinute
	}
	if c.RateLimits.GlobalBurst <= 0 {
		c.RateLimits.GlobalBurst = d.RateLimits.GlobalBurst
	}
	if c.RateLimits.ConnectionPerMinute <= 0 {
		c.RateLimits.ConnectionPerMinute = d.RateLimits.ConnectionPerMinute
	}
	if c.RateLimits.ConnectionBurst <= 0 {
		c.RateLimits.ConnectionBurst = d.RateLimits.ConnectionBurst
	}
	if c.ThreatIntel.Cache.TTL <= 0 {
		c.ThreatIntel.Cache.TTL = d.ThreatIntel.Cache.TTL
	}
	if c.ThreatIntel.Cache.MemoryCapacity <= 0 {
		c.ThreatIntel.Cache.MemoryCapacity = d.ThreatIntel.Cache.MemoryCapacity
	}
	if c.ThreatIntel.Cache.SweepInterval <= 0 {
		c.ThreatIntel.Cache.SweepInterval = d.ThreatIntel.Cache.SweepInterval
	}
	if c.ThreatIntel.Writeback.IndexPrefix == "" {
		c.ThreatIntel.Writeback.IndexPrefix = d.ThreatIntel.Writeback.IndexPrefix
	}
	if c.SIEMStore.QueryTimeout <= 0 {
		c.SIEMStore.QueryTimeout = d.SIEMStore.QueryTimeout
	}
	if c.SIEMStore.DiscoveryRefresh <= 0 {
		c.SIEMStore.DiscoveryRefresh = d.SIEMStore.DiscoveryRefresh
	}
	if c.Query.AverageDocBytes <= 0 {
		c.Query.AverageDocBytes = d.Query.AverageDocBytes
	}
	for i := range c.ThreatIntel.Sources {
		src := &c.ThreatIntel.Sources[i]
		if src.RequestsPerMinute <= 0 {
			src.RequestsPerMinute = 60
		}
		if src.MaxConcurrent <= 0 {
			src.MaxConcurrent = 4
		}
		if src.Timeout <= 0 {
			src.Timeout = 30 * time.Second
		}
		if src.ReliabilityWeight <= 0 {
			src.ReliabilityWeight = 0.5
		}
	}
	return nil
}
