// Package config loads application configuration from config.yaml and the
// SIGNAL_* environment, and initializes the global logger.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Pool       PoolConfig       `yaml:"pool" mapstructure:"pool"`
	Hop        HopConfig        `yaml:"hop" mapstructure:"hop"`
	Params     ParamsConfig     `yaml:"params" mapstructure:"params"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Salesforce SalesforceConfig `yaml:"salesforce" mapstructure:"salesforce"`
	Notion     NotionConfig     `yaml:"notion" mapstructure:"notion"`
	Rollout    RolloutConfig    `yaml:"rollout" mapstructure:"rollout"`
	Fetcher    FetcherConfig    `yaml:"fetcher" mapstructure:"fetcher"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the persistence backend.
type StoreConfig struct {
	// Driver selects the backend: postgres, sqlite, or memory.
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	// Path is the sqlite database file.
	Path string `yaml:"path" mapstructure:"path"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// CacheConfig configures the hypothesis cache.
type CacheConfig struct {
	Capacity         int `yaml:"capacity" mapstructure:"capacity"`
	TTLSecs          int `yaml:"ttl_secs" mapstructure:"ttl_secs"`
	WarmIntervalSecs int `yaml:"warm_interval_secs" mapstructure:"warm_interval_secs"`
	WarmBatch        int `yaml:"warm_batch" mapstructure:"warm_batch"`
}

// PoolConfig configures batch discovery concurrency.
type PoolConfig struct {
	Workers int `yaml:"workers" mapstructure:"workers"`
}

// HopConfig configures hop execution.
type HopConfig struct {
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Rate             float64 `yaml:"rate" mapstructure:"rate"`
	Burst            int     `yaml:"burst" mapstructure:"burst"`
	MaxRetries       int     `yaml:"max_retries" mapstructure:"max_retries"`
	BackoffMs        int     `yaml:"backoff_ms" mapstructure:"backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	BreakerFailures  int     `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerResetSecs int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// ParamsConfig configures the parameter registry.
type ParamsConfig struct {
	// Path is an optional YAML document of configs to publish at startup.
	Path string `yaml:"path" mapstructure:"path"`
	// ActiveVersion pins the active config; empty keeps the stored one.
	ActiveVersion string `yaml:"active_version" mapstructure:"active_version"`
}

// AnthropicConfig holds Anthropic API settings for entity classification.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// SalesforceConfig holds Salesforce JWT auth settings for lead export.
type SalesforceConfig struct {
	ClientID string `yaml:"client_id" mapstructure:"client_id"`
	Username string `yaml:"username" mapstructure:"username"`
	KeyPath  string `yaml:"key_path" mapstructure:"key_path"`
	LoginURL string `yaml:"login_url" mapstructure:"login_url"`
}

// NotionConfig holds Notion credentials for rollout reports.
type NotionConfig struct {
	Token    string `yaml:"token" mapstructure:"token"`
	ReportDB string `yaml:"report_db" mapstructure:"report_db"`
}

// RolloutConfig configures staged rollout alerting.
type RolloutConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// FetcherConfig configures validation-set retrieval.
type FetcherConfig struct {
	UserAgent string `yaml:"user_agent" mapstructure:"user_agent"`
	TempDir   string `yaml:"temp_dir" mapstructure:"temp_dir"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SIGNAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "signal.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("cache.capacity", 4096)
	v.SetDefault("cache.ttl_secs", 300)
	v.SetDefault("cache.warm_interval_secs", 60)
	v.SetDefault("cache.warm_batch", 100)
	v.SetDefault("pool.workers", 4)
	v.SetDefault("hop.timeout_secs", 30)
	v.SetDefault("hop.rate", 5)
	v.SetDefault("hop.burst", 5)
	v.SetDefault("hop.max_retries", 3)
	v.SetDefault("hop.backoff_ms", 500)
	v.SetDefault("hop.max_backoff_ms", 10000)
	v.SetDefault("hop.breaker_failures", 5)
	v.SetDefault("hop.breaker_reset_secs", 30)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("fetcher.user_agent", "signal-engine/1.0")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
