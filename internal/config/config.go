package config

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// Transport
	// ----------------------------
	// smtp or api
	Transport string `envconfig:"TRANSPORT" default:"smtp"`

	ProviderRPS     float64       `envconfig:"PROVIDER_RPS" default:"10"`
	BreakerFailures uint32        `envconfig:"BREAKER_FAILURES" default:"5"`
	BreakerOpenFor  time.Duration `envconfig:"BREAKER_OPEN_FOR" default:"30s"`

	// ----------------------------
	// SMTP
	// ----------------------------
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:""`

	// ----------------------------
	// Provider API
	// ----------------------------
	APIBaseURL string        `envconfig:"MAIL_API_URL" default:"https://api.mailersend.com"`
	APIToken   string        `envconfig:"MAIL_API_TOKEN" default:""`
	APITimeout time.Duration `envconfig:"MAIL_API_TIMEOUT" default:"30s"`

	// ----------------------------
	// Dispatch
	// ----------------------------
	MaxRetries        int           `envconfig:"MAX_RETRIES" default:"3"`
	RetryBackoff      time.Duration `envconfig:"RETRY_BACKOFF" default:"2s"`
	Spacing           time.Duration `envconfig:"SEND_SPACING" default:"125ms"`
	ProgressInterval  time.Duration `envconfig:"PROGRESS_INTERVAL" default:"2s"`
	Timezone          string        `envconfig:"TIMEZONE" default:"Asia/Seoul"`
	BusinessStartHour int           `envconfig:"BUSINESS_START_HOUR" default:"9"`
	BusinessEndHour   int           `envconfig:"BUSINESS_END_HOUR" default:"18"`
	AttachmentDir     string        `envconfig:"ATTACHMENT_DIR" default:""`
	EventBuffer       int           `envconfig:"EVENT_BUFFER" default:"64"`

	// ----------------------------
	// Store
	// ----------------------------
	// memory, sqlite, redis or postgres
	StoreDriver string `envconfig:"STORE_DRIVER" default:"sqlite"`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"data/bulksend.db"`
	RedisURL    string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	RedisPrefix string `envconfig:"REDIS_PREFIX" default:"bulksend:"`
	DatabaseURL string `envconfig:"DATABASE_URL" default:""`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) check() error {
	switch c.Transport {
	case "smtp":
	case "api":
		if c.APIToken == "" {
			return fmt.Errorf("MAIL_API_TOKEN is required for the api transport")
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}

	if c.BusinessStartHour < 0 || c.BusinessEndHour > 24 || c.BusinessStartHour >= c.BusinessEndHour {
		return fmt.Errorf("invalid business hours %d-%d", c.BusinessStartHour, c.BusinessEndHour)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative")
	}
	return nil
}

// Location resolves the timezone used for business hours and daily quotas.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
