// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Admission AdmissionConfig `mapstructure:"admission"`
	DB        DBConfig        `mapstructure:"db"`
	AI        AIConfig        `mapstructure:"ai"`
	Session   SessionConfig   `mapstructure:"session"`
	Cache     CacheConfig     `mapstructure:"cache"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CrawlerConfig governs the crawl engine.
type CrawlerConfig struct {
	UserAgent       string `mapstructure:"user_agent"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
	DelayMs         int    `mapstructure:"delay_ms"`
	MaxPagesCeiling int    `mapstructure:"max_pages_ceiling"`
	DefaultMaxPages int    `mapstructure:"default_max_pages"`
	// Progress updates are throttled to one per interval.
	ProgressIntervalSeconds int `mapstructure:"progress_interval_seconds"`

	// Adaptive termination knobs.
	LowLinkRatio         float64 `mapstructure:"low_link_ratio"`
	DiscoveryThreshold   int     `mapstructure:"discovery_threshold"`
	LowStreakLimit       int     `mapstructure:"low_streak_limit"`
	MinPagesForEarlyStop int     `mapstructure:"min_pages_for_early_stop"`
}

// BucketConfig is the rolling window applied to one admission bucket.
type BucketConfig struct {
	WindowSeconds int `mapstructure:"window_seconds"`
	MaxCount      int `mapstructure:"max_count"`
}

// AdmissionConfig enumerates the per-bucket windows and the ban duration.
type AdmissionConfig struct {
	BanSeconds int          `mapstructure:"ban_seconds"`
	General    BucketConfig `mapstructure:"general"`
	URL        BucketConfig `mapstructure:"url"`
	AI         BucketConfig `mapstructure:"ai"`
}

// DBConfig selects and configures the relational store.
type DBConfig struct {
	// Driver is either "sqlite" or "postgres".
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// AIConfig points at an OpenAI-compatible chat completion endpoint.
type AIConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// SessionConfig bounds per-user conversation state.
type SessionConfig struct {
	TimeoutMinutes int `mapstructure:"timeout_minutes"`
	MaxRequests    int `mapstructure:"max_requests"`
	// KeepClosed is how many closed sessions are retained per user.
	KeepClosed int `mapstructure:"keep_closed"`
}

// CacheConfig controls document cache retention.
type CacheConfig struct {
	RetentionDays int `mapstructure:"retention_days"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITEBRIEF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("crawler.user_agent", "Mozilla/5.0 (compatible; sitebrief/1.0)")
	v.SetDefault("crawler.timeout_seconds", 10)
	v.SetDefault("crawler.delay_ms", 100)
	v.SetDefault("crawler.max_pages_ceiling", 1000)
	v.SetDefault("crawler.default_max_pages", 200)
	v.SetDefault("crawler.progress_interval_seconds", 2)
	v.SetDefault("crawler.low_link_ratio", 0.3)
	v.SetDefault("crawler.discovery_threshold", 3)
	v.SetDefault("crawler.low_streak_limit", 5)
	v.SetDefault("crawler.min_pages_for_early_stop", 50)
	v.SetDefault("admission.ban_seconds", 300)
	v.SetDefault("admission.general.window_seconds", 60)
	v.SetDefault("admission.general.max_count", 30)
	v.SetDefault("admission.url.window_seconds", 300)
	v.SetDefault("admission.url.max_count", 10)
	v.SetDefault("admission.ai.window_seconds", 60)
	v.SetDefault("admission.ai.max_count", 15)
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.dsn", "sitebrief.db")
	v.SetDefault("ai.base_url", "https://generativelanguage.googleapis.com/v1beta/openai")
	v.SetDefault("ai.model", "gemini-2.0-flash")
	v.SetDefault("ai.timeout_seconds", 60)
	v.SetDefault("session.timeout_minutes", 30)
	v.SetDefault("session.max_requests", 20)
	v.SetDefault("session.keep_closed", 5)
	v.SetDefault("cache.retention_days", 30)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.timeout_seconds must be > 0")
	}
	if c.Crawler.MaxPagesCeiling <= 0 {
		return fmt.Errorf("crawler.max_pages_ceiling must be > 0")
	}
	if c.Crawler.DefaultMaxPages <= 0 || c.Crawler.DefaultMaxPages > c.Crawler.MaxPagesCeiling {
		return fmt.Errorf("crawler.default_max_pages must be in (0, max_pages_ceiling]")
	}
	if c.Crawler.LowLinkRatio <= 0 || c.Crawler.LowLinkRatio >= 1 {
		return fmt.Errorf("crawler.low_link_ratio must be in (0, 1)")
	}
	if c.Crawler.LowStreakLimit <= 0 {
		return fmt.Errorf("crawler.low_streak_limit must be > 0")
	}
	if c.Admission.BanSeconds <= 0 {
		return fmt.Errorf("admission.ban_seconds must be > 0")
	}
	for name, b := range map[string]BucketConfig{
		"general": c.Admission.General,
		"url":     c.Admission.URL,
		"ai":      c.Admission.AI,
	} {
		if b.WindowSeconds <= 0 {
			return fmt.Errorf("admission.%s.window_seconds must be > 0", name)
		}
		if b.MaxCount <= 0 {
			return fmt.Errorf("admission.%s.max_count must be > 0", name)
		}
	}
	switch c.DB.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("db.driver must be sqlite or postgres, got %q", c.DB.Driver)
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required")
	}
	if c.Session.MaxRequests <= 0 {
		return fmt.Errorf("session.max_requests must be > 0")
	}
	if c.Cache.RetentionDays <= 0 {
		return fmt.Errorf("cache.retention_days must be > 0")
	}
	return nil
}

// FetchTimeout converts the crawler timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Crawler.TimeoutSeconds) * time.Second
}

// FetchDelay is the politeness delay between outbound requests.
func (c Config) FetchDelay() time.Duration {
	return time.Duration(c.Crawler.DelayMs) * time.Millisecond
}

// ProgressInterval is the minimum spacing between progress updates.
func (c Config) ProgressInterval() time.Duration {
	return time.Duration(c.Crawler.ProgressIntervalSeconds) * time.Second
}
