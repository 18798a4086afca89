package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Environment override variables. These win over file values.
const (
	EnvSIEMStoreURL      = "SIEM_STORE_URL"
	EnvSIEMStoreUsername = "SIEM_STORE_USERNAME"
	EnvSIEMStorePassword = "SIEM_STORE_PASSWORD"
	EnvTransportMode     = "TRANSPORT_MODE"
	EnvTCPBind           = "TCP_BIND"
	EnvTCPPort           = "TCP_PORT"
	EnvLogLevel          = "LOG_LEVEL"
)

// DefaultDataDir is created under the user's home when data_dir is unset.
const DefaultDataDir = ".dshield-mcp"

// Load reads configuration from path (JSON or YAML by extension; empty
// path means defaults only), applies environment overrides, fills
// defaults, and validates. Unknown file keys are logged and ignored.
func Load(path string, logger *zap.Logger) (*Config, error) {
	cfg := Default()

	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		warnUnknownKeys(v, logger)
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, DefaultDataDir)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvSIEMStoreURL); v != "" {
		cfg.SIEMStore.URL = v
	}
	if v := os.Getenv(EnvSIEMStoreUsername); v != "" {
		cfg.SIEMStore.Username = v
	}
	if v := os.Getenv(EnvSIEMStorePassword); v != "" {
		cfg.SIEMStore.Password = v
	}
	if v := os.Getenv(EnvTransportMode); v != "" {
		cfg.Transport.Mode = strings.ToLower(v)
	}
	if v := os.Getenv(EnvTCPBind); v != "" {
		cfg.Transport.TCPBind = v
	}
	if v := os.Getenv(EnvTCPPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Transport.TCPPort = port
		}
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		if cfg.Logging == nil {
			cfg.Logging = Default().Logging
		}
		cfg.Logging.Level = strings.ToLower(v)
	}
}

// knownTopLevelKeys mirrors the Config struct's sections.
var knownTopLevelKeys = map[string]bool{
	"siem_store":       true,
	"threat_intel":     true,
	"rate_limits":      true,
	"circuit_breakers": true,
	"transport":        true,
	"api_keys":         true,
	"features":         true,
	"query":            true,
	"correlation":      true,
	"logging":          true,
	"observability":    true,
	"data_dir":         true,
	"strict_startup":   true,
}

func warnUnknownKeys(v *viper.Viper, logger *zap.Logger) {
	if logger == nil {
		return
	}
	for _, key := range v.AllKeys() {
		top := key
		if i := strings.Index(key, "."); i > 0 {
			top = key[:i]
		}
		if !knownTopLevelKeys[top] {
			logger.Warn("Unknown configuration key ignored", zap.String("key", key))
		}
	}
}
