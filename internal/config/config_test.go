package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Scheduler.TickInterval != 15*time.Minute {
		t.Fatalf("expected 15m tick interval, got %v", cfg.Scheduler.TickInterval)
	}
	if cfg.Scheduler.DefaultRunHour != 9 || cfg.Scheduler.DefaultDailyCap != 100 {
		t.Fatalf("unexpected scheduler defaults: %+v", cfg.Scheduler)
	}
	if cfg.Pipeline.ExclusionCap != 200 || cfg.Pipeline.VerifyBatchCap != 50 {
		t.Fatalf("unexpected pipeline defaults: %+v", cfg.Pipeline)
	}
	if cfg.Verifier.Timeout != 8*time.Second || cfg.Verifier.Window != 5 {
		t.Fatalf("unexpected verifier defaults: %+v", cfg.Verifier)
	}
	if cfg.Store.Kind != KindMemory || cfg.Provider.Kind != KindNone {
		t.Fatalf("expected memory store and no provider by default")
	}
	if got := cfg.Location().String(); got != "America/New_York" {
		t.Fatalf("expected America/New_York, got %s", got)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
scheduler:
  tick_interval: 5m
  timezone: America/Chicago
  default_run_hour: 7
  default_daily_cap: 40
  autostart: false
pipeline:
  exclusion_cap: 50
  verify_batch_cap: 10
verifier:
  timeout: 3s
  window: 2
provider:
  kind: gemini
  api_key: gm-key
  model: gemini-test
store:
  kind: postgres
db:
  dsn: postgres://localhost/discovery
  max_conns: 4
archive:
  kind: local
  base_dir: /tmp/raw
events:
  kind: redis
  redis_url: redis://localhost:6379/0
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9090 || !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected server/auth overrides to apply: %+v %+v", cfg.Server, cfg.Auth)
	}
	if cfg.Scheduler.TickInterval != 5*time.Minute || cfg.Scheduler.Autostart {
		t.Fatalf("expected scheduler overrides to apply: %+v", cfg.Scheduler)
	}
	if cfg.Provider.Kind != KindGemini || cfg.Provider.Model != "gemini-test" {
		t.Fatalf("expected provider overrides to apply: %+v", cfg.Provider)
	}
	if cfg.DB.MaxConns != 4 || cfg.Archive.BaseDir != "/tmp/raw" {
		t.Fatalf("expected db/archive overrides to apply")
	}
	if cfg.Events.Topic != "discovery-runs" {
		t.Fatalf("expected default topic to survive, got %q", cfg.Events.Topic)
	}
	if cfg.Logging.Development {
		t.Fatalf("expected development logging off")
	}
	if got := cfg.Location().String(); got != "America/Chicago" {
		t.Fatalf("expected America/Chicago, got %s", got)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DISCOVERY_SERVER_PORT", "7070")
	t.Setenv("DISCOVERY_SCHEDULER_DEFAULT_DAILY_CAP", "12")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 || cfg.Scheduler.DefaultDailyCap != 12 {
		t.Fatalf("expected env overrides, got port=%d cap=%d", cfg.Server.Port, cfg.Scheduler.DefaultDailyCap)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:    ServerConfig{Port: 8080},
		Scheduler: SchedulerConfig{TickInterval: time.Minute, Timezone: "UTC", DefaultRunHour: 9, DefaultDailyCap: 100},
		Pipeline:  PipelineConfig{ExclusionCap: 200, VerifyBatchCap: 50},
		Verifier:  VerifierConfig{Timeout: time.Second, Window: 5},
		Provider:  ProviderConfig{Kind: KindNone},
		Store:     StoreConfig{Kind: KindMemory},
		Archive:   ArchiveConfig{Kind: KindNone},
		Events:    EventsConfig{Kind: KindNone},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"zero tick", func(c *Config) { c.Scheduler.TickInterval = 0 }, "scheduler.tick_interval"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"run hour", func(c *Config) { c.Scheduler.DefaultRunHour = 24 }, "scheduler.default_run_hour"},
		{"daily cap", func(c *Config) { c.Scheduler.DefaultDailyCap = 0 }, "scheduler.default_daily_cap"},
		{"verify batch", func(c *Config) { c.Pipeline.VerifyBatchCap = 0 }, "pipeline.verify_batch_cap"},
		{"verifier window", func(c *Config) { c.Verifier.Window = 0 }, "verifier.window"},
		{"gemini key", func(c *Config) { c.Provider.Kind = KindGemini }, "provider.api_key"},
		{"unknown provider", func(c *Config) { c.Provider.Kind = "openai" }, "provider.kind"},
		{"postgres dsn", func(c *Config) { c.Store.Kind = KindPostgres }, "db.dsn"},
		{"local dir", func(c *Config) { c.Archive.Kind = KindLocal }, "archive.base_dir"},
		{"gcs bucket", func(c *Config) { c.Archive.Kind = KindGCS }, "archive.gcs_bucket"},
		{"redis url", func(c *Config) { c.Events.Kind = KindRedis }, "events.redis_url"},
		{"pubsub project", func(c *Config) { c.Events.Kind = KindPubSub }, "events.project_id"},
		{"events topic", func(c *Config) { c.Events.Kind = KindMemory; c.Events.Topic = "" }, "events.topic"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
