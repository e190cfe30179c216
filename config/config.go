// Package config loads the bridge runner configuration from JSBRIDGE_* environment
// variables and the optional YAML rules file.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix of every environment variable, e.g. JSBRIDGE_HOST_URLS, JSBRIDGE_LOGGING_LEVEL.
const Prefix = "JSBRIDGE"

type Config struct {
	HostURLs             []string      `envconfig:"HOST_URLS" default:"ws://localhost:8765/bridge"`
	HostBalancer         string        `envconfig:"HOST_BALANCER" default:"consistent_hash"`
	PageURL              string        `envconfig:"PAGE_URL" default:"about:blank"`
	Script               string        `envconfig:"SCRIPT"`
	CallTimeout          time.Duration `envconfig:"CALL_TIMEOUT" default:"10s"`
	Heartbeat            time.Duration `envconfig:"HEARTBEAT" default:"30s"`
	EnableServiceManager bool          `envconfig:"ENABLE_SERVICE_MANAGER" default:"true"`
	MetricsAddr          string        `envconfig:"METRICS_ADDR" default:":9102"`
	RulesFile            string        `envconfig:"RULES_FILE"`

	RateLimit RateLimitConfig
	Logging   LogConfig
	Registry  RegistryConfig
}

// RateLimitConfig bounds outbound calls (JSBRIDGE_RATELIMIT_*).
type RateLimitConfig struct {
	RequestsPerSecond float64 `envconfig:"RPS" default:"100"`
	Burst             int     `envconfig:"BURST" default:"200"`
	Enabled           bool    `envconfig:"ENABLED" default:"true"`
}

// LogConfig (JSBRIDGE_LOGGING_*).
type LogConfig struct {
	Level       string `envconfig:"LEVEL" default:"info"`
	Development bool   `envconfig:"DEV" default:"false"`
}

// RegistryConfig selects where ACL and web filter documents come from
// (JSBRIDGE_REGISTRY_*). Without endpoints an in-memory registry is used.
type RegistryConfig struct {
	Endpoints   []string      `envconfig:"ENDPOINTS"`
	ACLKey      string        `envconfig:"ACL_KEY" default:"acl/default"`
	FiltersKey  string        `envconfig:"FILTERS_KEY" default:"webfilters/default"`
	DialTimeout time.Duration `envconfig:"DIAL_TIMEOUT" default:"5s"`
	TTL         int64         `envconfig:"TTL" default:"0"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from the environment or returns Default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

func Default() *Config {
	return &Config{
		HostURLs:             []string{"ws://localhost:8765/bridge"},
		HostBalancer:         "consistent_hash",
		PageURL:              "about:blank",
		CallTimeout:          10 * time.Second,
		Heartbeat:            30 * time.Second,
		EnableServiceManager: true,
		MetricsAddr:          ":9102",
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
		Logging: LogConfig{
			Level: "info",
		},
		Registry: RegistryConfig{
			ACLKey:      "acl/default",
			FiltersKey:  "webfilters/default",
			DialTimeout: 5 * time.Second,
		},
	}
}
