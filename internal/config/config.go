package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// Process
	// ----------------------------
	// Mode selects what this process runs: "api", "worker" or "all".
	Mode string `envconfig:"MODE" default:"all"`

	// ----------------------------
	// Workers
	// ----------------------------
	WorkerCount   int           `envconfig:"WORKER_COUNT" default:"2"`
	RateLimit     int           `envconfig:"RATE_LIMIT" default:"10"`
	MaxRetries    int           `envconfig:"MAX_RETRIES" default:"3"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"5s"`
	StaleJobAge   time.Duration `envconfig:"STALE_JOB_AGE" default:"1m"`
	// JobLease must outlast one send (PROVIDER_TIMEOUT) plus the limiter wait.
	JobLease time.Duration `envconfig:"JOB_LEASE" default:"2m"`

	// ----------------------------
	// Providers
	// ----------------------------
	ProviderTimeout    time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"30s"`
	QuotaResetInterval time.Duration `envconfig:"QUOTA_RESET_INTERVAL" default:"1h"`
	QuotaTimezone      string        `envconfig:"QUOTA_TIMEZONE" default:"UTC"`

	// ----------------------------
	// Local capture (dev/staging)
	// ----------------------------
	CaptureEnabled bool   `envconfig:"CAPTURE_ENABLED" default:"false"`
	CaptureDir     string `envconfig:"CAPTURE_DIR" default:"captured-mail"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Queue
	// ----------------------------
	RedisURL string `envconfig:"REDIS_URL" default:"redis://127.0.0.1:6379/0"`
	QueueKey string `envconfig:"QUEUE_KEY" default:"dispatch:jobs"`

	// ----------------------------
	// Database
	// ----------------------------
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
}

func Load() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return &cfg, err
}

// Location resolves QuotaTimezone, falling back to UTC for unknown zones.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.QuotaTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
