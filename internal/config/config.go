// Package config defines all configuration for the strategy runtime.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via PMS_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	MarketData MarketDataConfig `mapstructure:"market_data"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Regime     RegimeConfig     `mapstructure:"regime"`
	Composite  CompositeConfig  `mapstructure:"composite"`
	Store      StoreConfig      `mapstructure:"store"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	API        APIConfig        `mapstructure:"api"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// ExecutionConfig holds the execution-channel endpoints and auth.
type ExecutionConfig struct {
	WSURL       string `mapstructure:"ws_url"`
	RESTBaseURL string `mapstructure:"rest_base_url"`
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
}

// MarketDataConfig points at the external market-data push feed this
// runtime only ever consumes, never owns.
type MarketDataConfig struct {
	WSURL string `mapstructure:"ws_url"`
}

// RegistryConfig tunes the strategy registry's lifecycle defaults.
type RegistryConfig struct {
	StopGracePeriod time.Duration `mapstructure:"stop_grace_period"`
	ResumeOnStartup bool          `mapstructure:"resume_on_startup"`
}

// RegimeConfig holds regime classifier settings. They are loaded and
// validated but not passed on: agents build their own classifiers, with the
// warmup from the agent request and fixed 30s/5m windows.
type RegimeConfig struct {
	WarmupTicks int           `mapstructure:"warmup_ticks"`
	FastWindow  time.Duration `mapstructure:"fast_window"`
	SlowWindow  time.Duration `mapstructure:"slow_window"`
}

// CompositeConfig holds the composite signal's confidence gate. It is
// loaded and validated but not passed on: agents use the MinConfidence of
// their own request.
type CompositeConfig struct {
	MinConfidence float64 `mapstructure:"min_confidence"`
}

// StoreConfig sets where the durable sqlite file lives.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// APIConfig controls the HTTP/WebSocket control-plane server.
type APIConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// MetricsConfig is loaded but not read; the API server always registers
// the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: PMS_EXECUTION_API_KEY, PMS_EXECUTION_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("PMS_EXECUTION_API_KEY"); key != "" {
		cfg.Execution.APIKey = key
	}
	if secret := os.Getenv("PMS_EXECUTION_API_SECRET"); secret != "" {
		cfg.Execution.APISecret = secret
	}
	if os.Getenv("PMS_DRY_RUN") == "true" || os.Getenv("PMS_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Execution.WSURL == "" {
		return fmt.Errorf("execution.ws_url is required")
	}
	if c.Execution.RESTBaseURL == "" {
		return fmt.Errorf("execution.rest_base_url is required")
	}
	if c.MarketData.WSURL == "" {
		return fmt.Errorf("market_data.ws_url is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Regime.WarmupTicks <= 0 {
		return fmt.Errorf("regime.warmup_ticks must be > 0")
	}
	if c.Composite.MinConfidence <= 0 || c.Composite.MinConfidence > 1 {
		return fmt.Errorf("composite.min_confidence must be in (0,1]")
	}
	if c.API.Enabled && c.API.Port == 0 {
		return fmt.Errorf("api.port is required when api.enabled is true")
	}
	return nil
}
