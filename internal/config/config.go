// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"credit-ledger/internal/billing"
	"credit-ledger/internal/cache"
	"credit-ledger/internal/logger"
)

const (
	ReporterInline = "inline"
	ReporterAMQP   = "amqp"
)

type Config struct {
	Server struct {
		Addr            string        `yaml:"addr"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`

	// Redis is optional; an empty addr disables the balance cache.
	Redis cache.RedisConfig `yaml:"redis"`

	RabbitMQ struct {
		URL   string `yaml:"url"`
		Queue string `yaml:"queue"`
	} `yaml:"rabbitmq"`

	Auth struct {
		JWTSecret string        `yaml:"jwt_secret"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	Log logger.Config `yaml:"log"`

	Ledger struct {
		MaxRetries      uint64        `yaml:"max_retries"`
		InitialInterval time.Duration `yaml:"initial_interval"`
		MaxInterval     time.Duration `yaml:"max_interval"`
		// AuditInterval schedules VerifyAll. Zero disables the audit.
		AuditInterval time.Duration `yaml:"audit_interval"`
		AuditRepair   bool          `yaml:"audit_repair"`
	} `yaml:"ledger"`

	Reporter struct {
		Mode           string        `yaml:"mode"` // inline or amqp
		Workers        int           `yaml:"workers"`
		QueueSize      int           `yaml:"queue_size"`
		AttemptTimeout time.Duration `yaml:"attempt_timeout"`
		MaxAttempts    uint64        `yaml:"max_attempts"`
		RateLimit      float64       `yaml:"rate_limit"`
		Burst          int           `yaml:"burst"`
	} `yaml:"reporter"`

	Stripe struct {
		SecretKey        string        `yaml:"secret_key"`
		WebhookSecret    string        `yaml:"webhook_secret"`
		MeterEventName   string        `yaml:"meter_event_name"`
		Tolerance        time.Duration `yaml:"tolerance"`
		IgnoreAPIVersion bool          `yaml:"ignore_api_version"`
	} `yaml:"stripe"`

	Plans []billing.Plan `yaml:"plans"`
}

// Default returns a config with every optional field populated.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Addr = ":8080"
	cfg.Server.ReadTimeout = 10 * time.Second
	cfg.Server.WriteTimeout = 10 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second
	cfg.Redis.TTL = 30 * time.Second
	cfg.RabbitMQ.Queue = "usage_reports"
	cfg.Auth.TokenTTL = 24 * time.Hour
	cfg.Log = logger.Config{Level: "info", Format: "json", Output: "stdout"}
	cfg.Ledger.MaxRetries = 8
	cfg.Ledger.InitialInterval = 5 * time.Millisecond
	cfg.Ledger.MaxInterval = 200 * time.Millisecond
	cfg.Reporter.Mode = ReporterInline
	cfg.Reporter.Workers = 4
	cfg.Reporter.QueueSize = 1024
	cfg.Reporter.AttemptTimeout = 5 * time.Second
	cfg.Reporter.MaxAttempts = 3
	cfg.Stripe.MeterEventName = "ai_credits"
	cfg.Stripe.Tolerance = 5 * time.Minute
	return cfg
}

// LoadConfig reads path on top of Default. ${VAR} references are expanded
// from the environment so secrets can stay out of the file.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.Stripe.WebhookSecret == "" {
		errs = append(errs, errors.New("stripe.webhook_secret is required"))
	}
	if len(c.Plans) == 0 {
		errs = append(errs, errors.New("at least one plan is required"))
	}
	switch c.Reporter.Mode {
	case ReporterInline:
	case ReporterAMQP:
		if c.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("rabbitmq.url is required when reporter.mode is amqp"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown reporter.mode %q", c.Reporter.Mode))
	}
	if c.Reporter.Workers <= 0 {
		errs = append(errs, errors.New("reporter.workers must be positive"))
	}
	if c.Reporter.MaxAttempts == 0 {
		errs = append(errs, errors.New("reporter.max_attempts must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
