package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	// Sync engine defaults, overridable per integration config.
	SyncBatchSize    int `mapstructure:"SYNC_BATCH_SIZE"`
	SyncMaxRetries   int `mapstructure:"SYNC_MAX_RETRIES"`
	SyncRetryDelayMs int `mapstructure:"SYNC_RETRY_DELAY_MS"`

	// Outbound HTTP behaviour for connectors and webhook deliveries.
	HTTPTimeoutSeconds int `mapstructure:"HTTP_TIMEOUT_SECONDS"`

	// Change-data-capture log bound (entries, oldest synced evicted first).
	CDCMaxEntries int `mapstructure:"CDC_MAX_ENTRIES"`

	// Webhook delivery defaults when an endpoint has no explicit policy.
	WebhookMaxRetries        int     `mapstructure:"WEBHOOK_MAX_RETRIES"`
	WebhookInitialDelayMs    int     `mapstructure:"WEBHOOK_INITIAL_DELAY_MS"`
	WebhookBackoffMultiplier float64 `mapstructure:"WEBHOOK_BACKOFF_MULTIPLIER"`

	// Scheduler timer cap: the loop never sleeps longer than this before
	// re-evaluating the queue.
	SchedulerMaxSleepHours int `mapstructure:"SCHEDULER_MAX_SLEEP_HOURS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("SYNC_BATCH_SIZE", 100)
	v.SetDefault("SYNC_MAX_RETRIES", 3)
	v.SetDefault("SYNC_RETRY_DELAY_MS", 1000)
	v.SetDefault("HTTP_TIMEOUT_SECONDS", 30)
	v.SetDefault("CDC_MAX_ENTRIES", 10000)
	v.SetDefault("WEBHOOK_MAX_RETRIES", 3)
	v.SetDefault("WEBHOOK_INITIAL_DELAY_MS", 1000)
	v.SetDefault("WEBHOOK_BACKOFF_MULTIPLIER", 2.0)
	v.SetDefault("SCHEDULER_MAX_SLEEP_HOURS", 24)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("SYNC_BATCH_SIZE")
	v.BindEnv("SYNC_MAX_RETRIES")
	v.BindEnv("SYNC_RETRY_DELAY_MS")
	v.BindEnv("HTTP_TIMEOUT_SECONDS")
	v.BindEnv("CDC_MAX_ENTRIES")
	v.BindEnv("WEBHOOK_MAX_RETRIES")
	v.BindEnv("WEBHOOK_INITIAL_DELAY_MS")
	v.BindEnv("WEBHOOK_BACKOFF_MULTIPLIER")
	v.BindEnv("SCHEDULER_MAX_SLEEP_HOURS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// HTTPTimeout returns the per-call deadline applied to connector and webhook
// HTTP requests.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// SchedulerMaxSleep returns the cap on how long the scheduler loop sleeps
// before re-checking its queue.
func (c *Config) SchedulerMaxSleep() time.Duration {
	return time.Duration(c.SchedulerMaxSleepHours) * time.Hour
}

// Validate checks that the configuration is safe to run. DATABASE_URL may be
// empty, in which case all durable state lives in memory and is lost on
// restart; that is only acceptable outside production.
func (c *Config) Validate() error {
	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return fmt.Errorf("ENV must be \"development\", \"staging\", or \"production\", got %q", c.Env)
	}
	if c.Env == "production" && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	if c.SyncBatchSize <= 0 {
		return fmt.Errorf("SYNC_BATCH_SIZE must be positive, got %d", c.SyncBatchSize)
	}
	if c.SyncMaxRetries < 0 {
		return fmt.Errorf("SYNC_MAX_RETRIES must not be negative, got %d", c.SyncMaxRetries)
	}
	if c.WebhookBackoffMultiplier < 1 {
		return fmt.Errorf("WEBHOOK_BACKOFF_MULTIPLIER must be >= 1, got %v", c.WebhookBackoffMultiplier)
	}
	if c.SchedulerMaxSleepHours <= 0 {
		return fmt.Errorf("SCHEDULER_MAX_SLEEP_HOURS must be positive, got %d", c.SchedulerMaxSleepHours)
	}
	return nil
}
