package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Port:                     "8080",
		Env:                      "development",
		SyncBatchSize:            100,
		SyncMaxRetries:           3,
		SyncRetryDelayMs:         1000,
		HTTPTimeoutSeconds:       30,
		CDCMaxEntries:            10000,
		WebhookMaxRetries:        3,
		WebhookInitialDelayMs:    1000,
		WebhookBackoffMultiplier: 2.0,
		SchedulerMaxSleepHours:   24,
	}
}

func TestValidate_Defaults(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidate_BadEnv(t *testing.T) {
	cfg := validConfig()
	cfg.Env = "qa"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown ENV")
	}
}

func TestValidate_ProductionRequiresDatabase(t *testing.T) {
	cfg := validConfig()
	cfg.Env = "production"
	cfg.DatabaseURL = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for production without DATABASE_URL")
	}

	cfg.DatabaseURL = "postgres://localhost/medbridge"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid production config, got %v", err)
	}
}

func TestValidate_Bounds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch size", func(c *Config) { c.SyncBatchSize = 0 }},
		{"negative retries", func(c *Config) { c.SyncMaxRetries = -1 }},
		{"multiplier below one", func(c *Config) { c.WebhookBackoffMultiplier = 0.5 }},
		{"zero sleep cap", func(c *Config) { c.SchedulerMaxSleepHours = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for %s", tc.name)
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := validConfig()
	if got := cfg.HTTPTimeout(); got != 30*time.Second {
		t.Errorf("HTTPTimeout = %v, want 30s", got)
	}
	if got := cfg.SchedulerMaxSleep(); got != 24*time.Hour {
		t.Errorf("SchedulerMaxSleep = %v, want 24h", got)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SyncBatchSize != 100 {
		t.Errorf("SyncBatchSize = %d, want 100", cfg.SyncBatchSize)
	}
	if cfg.WebhookBackoffMultiplier != 2.0 {
		t.Errorf("WebhookBackoffMultiplier = %v, want 2.0", cfg.WebhookBackoffMultiplier)
	}
}
