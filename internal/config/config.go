// Package config loads and validates vendor discovery configuration via Viper.
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
	Auth      AuthConfig      `mapstructure:"auth"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Verifier  VerifierConfig  `mapstructure:"verifier"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Store     StoreConfig     `mapstructure:"store"`
	DB        DBConfig        `mapstructure:"db"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Events    EventsConfig    `mapstructure:"events"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SchedulerConfig controls the daily tick loop. DefaultRunHour and
// DefaultDailyCap apply until an operator persists a config.
type SchedulerConfig struct {
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	Timezone        string        `mapstructure:"timezone"`
	DefaultRunHour  int           `mapstructure:"default_run_hour"`
	DefaultDailyCap int           `mapstructure:"default_daily_cap"`
	Autostart       bool          `mapstructure:"autostart"`
}

// PipelineConfig bounds the per-run work.
type PipelineConfig struct {
	ExclusionCap   int `mapstructure:"exclusion_cap"`
	VerifyBatchCap int `mapstructure:"verify_batch_cap"`
}

// VerifierConfig configures website reachability checks.
type VerifierConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	Window      int           `mapstructure:"window"`
	UserAgent   string        `mapstructure:"user_agent"`
	MaxBodySize int           `mapstructure:"max_body_size"`
}

// ProviderConfig selects and configures the vendor discovery provider.
type ProviderConfig struct {
	Kind              string        `mapstructure:"kind"`
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Temperature       float64       `mapstructure:"temperature"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Kind string `mapstructure:"kind"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// ArchiveConfig sets where raw provider responses are kept.
type ArchiveConfig struct {
	Kind      string `mapstructure:"kind"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// EventsConfig holds metadata for run event notifications.
type EventsConfig struct {
	Kind        string `mapstructure:"kind"`
	Topic       string `mapstructure:"topic"`
	RedisURL    string `mapstructure:"redis_url"`
	RedisPrefix string `mapstructure:"redis_prefix"`
	ProjectID   string `mapstructure:"project_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Backend kinds accepted by the kind fields.
const (
	KindNone     = "none"
	KindMemory   = "memory"
	KindPostgres = "postgres"
	KindGemini   = "gemini"
	KindLocal    = "local"
	KindGCS      = "gcs"
	KindRedis    = "redis"
	KindPubSub   = "pubsub"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DISCOVERY")
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
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("scheduler.tick_interval", "15m")
	v.SetDefault("scheduler.timezone", "America/New_York")
	v.SetDefault("scheduler.default_run_hour", 9)
	v.SetDefault("scheduler.default_daily_cap", 100)
	v.SetDefault("scheduler.autostart", true)
	v.SetDefault("pipeline.exclusion_cap", 200)
	v.SetDefault("pipeline.verify_batch_cap", 50)
	v.SetDefault("verifier.timeout", "8s")
	v.SetDefault("verifier.window", 5)
	v.SetDefault("verifier.user_agent", "vendor-discovery-bot/0.1")
	v.SetDefault("verifier.max_body_size", 64*1024)
	v.SetDefault("provider.kind", KindNone)
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.model", "gemini-1.5-flash")
	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.timeout", "60s")
	v.SetDefault("provider.requests_per_second", 1.0)
	v.SetDefault("provider.temperature", 0.4)
	v.SetDefault("store.kind", KindMemory)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.ensure_schema", false)
	v.SetDefault("archive.kind", KindNone)
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("events.kind", KindNone)
	v.SetDefault("events.topic", "discovery-runs")
	v.SetDefault("events.redis_prefix", "vendor-discovery:")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be > 0")
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("scheduler.timezone %q: %w", c.Scheduler.Timezone, err)
	}
	if c.Scheduler.DefaultRunHour < 0 || c.Scheduler.DefaultRunHour > 23 {
		return fmt.Errorf("scheduler.default_run_hour must be between 0 and 23")
	}
	if c.Scheduler.DefaultDailyCap < 1 {
		return fmt.Errorf("scheduler.default_daily_cap must be >= 1")
	}
	if c.Pipeline.ExclusionCap < 0 {
		return fmt.Errorf("pipeline.exclusion_cap must be >= 0")
	}
	if c.Pipeline.VerifyBatchCap <= 0 {
		return fmt.Errorf("pipeline.verify_batch_cap must be > 0")
	}
	if c.Verifier.Timeout <= 0 {
		return fmt.Errorf("verifier.timeout must be > 0")
	}
	if c.Verifier.Window <= 0 {
		return fmt.Errorf("verifier.window must be > 0")
	}
	if err := c.validateBackends(); err != nil {
		return err
	}
	return nil
}

func (c Config) validateBackends() error {
	switch c.Provider.Kind {
	case KindNone:
	case KindGemini:
		if c.Provider.APIKey == "" {
			return fmt.Errorf("provider.api_key must be set for the gemini provider")
		}
	default:
		return fmt.Errorf("provider.kind %q is not one of none, gemini", c.Provider.Kind)
	}

	switch c.Store.Kind {
	case KindMemory:
	case KindPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres store")
		}
	default:
		return fmt.Errorf("store.kind %q is not one of memory, postgres", c.Store.Kind)
	}

	switch c.Archive.Kind {
	case KindNone, KindMemory:
	case KindLocal:
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set for the local archive")
		}
	case KindGCS:
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set for the gcs archive")
		}
	default:
		return fmt.Errorf("archive.kind %q is not one of none, memory, local, gcs", c.Archive.Kind)
	}

	switch c.Events.Kind {
	case KindNone, KindMemory:
	case KindRedis:
		if c.Events.RedisURL == "" {
			return fmt.Errorf("events.redis_url must be set for redis events")
		}
	case KindPubSub:
		if c.Events.ProjectID == "" {
			return fmt.Errorf("events.project_id must be set for pubsub events")
		}
	default:
		return fmt.Errorf("events.kind %q is not one of none, memory, redis, pubsub", c.Events.Kind)
	}
	if c.Events.Kind != KindNone && c.Events.Topic == "" {
		return fmt.Errorf("events.topic must be set when events are enabled")
	}
	return nil
}

// Location resolves the scheduler timezone. Validate has already checked it.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
