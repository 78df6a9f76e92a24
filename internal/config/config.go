// Package config loads and holds all gateway configuration.
// Settings are read from built-in defaults, then gateway.yaml (or the
// path named by GATEWAY_CONFIG), then environment variables, in that
// order. Go's net/http automatically respects HTTP_PROXY / HTTPS_PROXY
// env vars, so outbound proxy chaining requires no extra code here.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full gateway configuration.
type Config struct {
	BindAddress string `yaml:"bind_address"`
	ListenPort  int    `yaml:"listen_port"`
	AdminPort   int    `yaml:"admin_port"`
	AdminToken  string `yaml:"admin_token"`
	LogLevel    string `yaml:"log_level"`

	UpstreamURL    string `yaml:"upstream_url"`
	UpstreamAPIKey string `yaml:"upstream_api_key"`

	MappingTTLSeconds int    `yaml:"mapping_ttl_seconds"`
	MappingStore      string `yaml:"mapping_store"` // memory | redis
	RedisAddr         string `yaml:"redis_addr"`

	InjectPrompt bool `yaml:"inject_prompt"`

	RatePerMinute    int  `yaml:"rate_limit"` // requests per minute per tenant
	RateLimitEnabled bool `yaml:"rate_limit_enabled"`
	TenantConfigPath string `yaml:"tenant_config_path"` // per-tenant quota YAML

	CacheEnabled    bool `yaml:"cache_enabled"`
	CacheTTLSeconds int  `yaml:"cache_ttl_seconds"`
	CacheMaxEntries int  `yaml:"cache_max_entries"`

	SecretScanEnabled bool   `yaml:"secret_scan_enabled"`
	CompliancePreset  string `yaml:"compliance_preset"` // default | gdpr | strict

	FuzzyEnabled             bool    `yaml:"fuzzy_enabled"`
	FuzzyConfidenceThreshold float64 `yaml:"fuzzy_confidence_threshold"`

	RequestTimeoutSeconds    int `yaml:"request_timeout_seconds"`
	UpstreamTimeoutSeconds   int `yaml:"upstream_timeout_seconds"`
	StreamIdleTimeoutSeconds int `yaml:"stream_idle_timeout_seconds"`

	MaxPlaceholderLength int   `yaml:"max_placeholder_length"`
	MaxBodyBytes         int64 `yaml:"max_body_bytes"`

	CustomPatternPath string `yaml:"custom_pattern_path"`
	AllowlistDir      string `yaml:"allowlist_dir"`
	SyntheticCacheDB  string `yaml:"synthetic_cache_db"` // bbolt file; empty = memory only
	SyntheticSeed     string `yaml:"synthetic_seed"`     // keys deterministic synthetic values
}

// Load returns config with defaults overridden by the YAML file and env vars.
func Load() *Config {
	cfg := defaults()
	path := os.Getenv("GATEWAY_CONFIG")
	if path == "" {
		path = "gateway.yaml"
	}
	loadFile(cfg, path)
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		BindAddress: "127.0.0.1",
		ListenPort:  8080,
		AdminPort:   8081,
		LogLevel:    "info",

		UpstreamURL: "https://api.openai.com",

		MappingTTLSeconds: 300,
		MappingStore:      "memory",
		RedisAddr:         "localhost:6379",

		InjectPrompt: true,

		RatePerMinute:    300,
		RateLimitEnabled: false,

		CacheEnabled:    false,
		CacheTTLSeconds: 300,
		CacheMaxEntries: 1024,

		SecretScanEnabled: true,
		CompliancePreset:  "default",

		FuzzyEnabled:             true,
		FuzzyConfidenceThreshold: 0.85,

		RequestTimeoutSeconds:    120,
		UpstreamTimeoutSeconds:   10,
		StreamIdleTimeoutSeconds: 30,

		MaxPlaceholderLength: 25,
		MaxBodyBytes:         10 << 20,
	}
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // file is optional
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
	} else {
		log.Printf("[CONFIG] Loaded %s", path)
	}
}

func loadEnv(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	setStr("GATEWAY_BIND_ADDRESS", &cfg.BindAddress)
	setInt("GATEWAY_PORT", &cfg.ListenPort)
	setInt("GATEWAY_ADMIN_PORT", &cfg.AdminPort)
	setStr("GATEWAY_ADMIN_TOKEN", &cfg.AdminToken)
	setStr("GATEWAY_LOG_LEVEL", &cfg.LogLevel)
	setStr("GATEWAY_UPSTREAM_URL", &cfg.UpstreamURL)
	setStr("GATEWAY_UPSTREAM_API_KEY", &cfg.UpstreamAPIKey)
	setInt("GATEWAY_MAPPING_TTL_SECONDS", &cfg.MappingTTLSeconds)
	setStr("GATEWAY_MAPPING_STORE", &cfg.MappingStore)
	setStr("GATEWAY_REDIS_ADDR", &cfg.RedisAddr)
	setBool("GATEWAY_INJECT_PROMPT", &cfg.InjectPrompt)
	setInt("GATEWAY_RATE_LIMIT", &cfg.RatePerMinute)
	setBool("GATEWAY_RATE_LIMIT_ENABLED", &cfg.RateLimitEnabled)
	setStr("GATEWAY_TENANT_CONFIG_PATH", &cfg.TenantConfigPath)
	setBool("GATEWAY_CACHE_ENABLED", &cfg.CacheEnabled)
	setInt("GATEWAY_CACHE_TTL_SECONDS", &cfg.CacheTTLSeconds)
	setInt("GATEWAY_CACHE_MAX_ENTRIES", &cfg.CacheMaxEntries)
	setBool("GATEWAY_SECRET_SCAN_ENABLED", &cfg.SecretScanEnabled)
	setStr("GATEWAY_COMPLIANCE_PRESET", &cfg.CompliancePreset)
	setBool("GATEWAY_FUZZY_ENABLED", &cfg.FuzzyEnabled)
	setFloat("GATEWAY_FUZZY_CONFIDENCE_THRESHOLD", &cfg.FuzzyConfidenceThreshold)
	setInt("GATEWAY_REQUEST_TIMEOUT_SECONDS", &cfg.RequestTimeoutSeconds)
	setInt("GATEWAY_UPSTREAM_TIMEOUT_SECONDS", &cfg.UpstreamTimeoutSeconds)
	setInt("GATEWAY_STREAM_IDLE_TIMEOUT_SECONDS", &cfg.StreamIdleTimeoutSeconds)
	setInt("GATEWAY_MAX_PLACEHOLDER_LENGTH", &cfg.MaxPlaceholderLength)
	setStr("GATEWAY_CUSTOM_PATTERN_PATH", &cfg.CustomPatternPath)
	setStr("GATEWAY_ALLOWLIST_DIR", &cfg.AllowlistDir)
	setStr("GATEWAY_SYNTHETIC_CACHE_DB", &cfg.SyntheticCacheDB)
	setStr("GATEWAY_SYNTHETIC_SEED", &cfg.SyntheticSeed)
}

// Validate checks the configuration for values the gateway cannot run with.
func (c *Config) Validate() error {
	if c.UpstreamURL == "" {
		return fmt.Errorf("upstream_url must not be empty")
	}
	if c.MappingTTLSeconds <= 0 {
		return fmt.Errorf("mapping_ttl_seconds must be positive, got %d", c.MappingTTLSeconds)
	}
	if c.MaxPlaceholderLength < len("<A_1>") {
		return fmt.Errorf("max_placeholder_length %d is too small for any placeholder", c.MaxPlaceholderLength)
	}
	switch c.MappingStore {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown mapping_store %q (want memory or redis)", c.MappingStore)
	}
	switch c.CompliancePreset {
	case "default", "gdpr", "strict":
	default:
		return fmt.Errorf("unknown compliance_preset %q", c.CompliancePreset)
	}
	if c.FuzzyConfidenceThreshold < 0 || c.FuzzyConfidenceThreshold > 1 {
		return fmt.Errorf("fuzzy_confidence_threshold must be in [0,1], got %v", c.FuzzyConfidenceThreshold)
	}
	return nil
}

// MappingTTL returns the mapping TTL as a duration.
func (c *Config) MappingTTL() time.Duration {
	return time.Duration(c.MappingTTLSeconds) * time.Second
}

// CacheTTL returns the response-cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// RequestTimeout returns the total request budget.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// UpstreamTimeout returns the upstream connect budget.
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutSeconds) * time.Second
}

// StreamIdleTimeout returns the per-chunk idle budget for streaming.
func (c *Config) StreamIdleTimeout() time.Duration {
	return time.Duration(c.StreamIdleTimeoutSeconds) * time.Second
}
