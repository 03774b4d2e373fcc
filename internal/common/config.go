package common

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is read once at startup and handed to every component.
type Config struct {
	ServiceName  string
	HTTPPort     int
	MetricsPort  int
	DatabaseURL  string
	OTLPEndpoint string
	TraceRatio   float64
	LogLevel     string
	KafkaBrokers []string
	EntityTables string

	Outbox   OutboxConfig
	Provider ProviderConfig
	Sender   SenderDefaults
}

type OutboxConfig struct {
	BatchLimit        int
	PollInterval      time.Duration
	Concurrency       int
	MaxAttempts       int
	Backoff           []time.Duration
	VisibilityTimeout time.Duration
	LockName          string
}

type ProviderConfig struct {
	Timeout     time.Duration
	RetryBudget time.Duration
}

// SenderDefaults are the platform-wide identity used when no tenant identity
// is stored.
type SenderDefaults struct {
	MailFromAddress string
	MailFromName    string
	MailReplyTo     string
	SMSFrom         string
}

// LoadConfig reads configuration from the environment. When NOTIFY_CONFIG
// names a YAML file its values are used for keys the environment leaves unset.
func LoadConfig(service string) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("http_port", 8080)
	v.SetDefault("database_url", "sqlite://notifications.db")
	v.SetDefault("trace_ratio", 1.0)
	v.SetDefault("log_level", "info")
	v.SetDefault("outbox_batch_limit", 100)
	v.SetDefault("outbox_poll_interval", time.Minute)
	v.SetDefault("outbox_concurrency", 1)
	v.SetDefault("outbox_max_attempts", 5)
	v.SetDefault("outbox_backoff", "1m,5m,15m,1h")
	v.SetDefault("outbox_visibility_timeout", 15*time.Minute)
	v.SetDefault("outbox_lock_name", "process-outbox")
	v.SetDefault("provider_timeout", 10*time.Second)
	v.SetDefault("provider_retry_budget", 2*time.Second)

	if path := os.Getenv("NOTIFY_CONFIG"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{
		ServiceName:  service,
		HTTPPort:     v.GetInt("http_port"),
		DatabaseURL:  v.GetString("database_url"),
		OTLPEndpoint: v.GetString("otlp_endpoint"),
		TraceRatio:   v.GetFloat64("trace_ratio"),
		LogLevel:     v.GetString("log_level"),
		KafkaBrokers: splitList(v.GetString("kafka_brokers")),
		EntityTables: v.GetString("entity_tables"),
		Outbox: OutboxConfig{
			BatchLimit:        v.GetInt("outbox_batch_limit"),
			PollInterval:      v.GetDuration("outbox_poll_interval"),
			Concurrency:       v.GetInt("outbox_concurrency"),
			MaxAttempts:       v.GetInt("outbox_max_attempts"),
			VisibilityTimeout: v.GetDuration("outbox_visibility_timeout"),
			LockName:          v.GetString("outbox_lock_name"),
		},
		Provider: ProviderConfig{
			Timeout:     v.GetDuration("provider_timeout"),
			RetryBudget: v.GetDuration("provider_retry_budget"),
		},
		Sender: SenderDefaults{
			MailFromAddress: v.GetString("mail_from_address"),
			MailFromName:    v.GetString("mail_from_name"),
			MailReplyTo:     v.GetString("mail_reply_to"),
			SMSFrom:         v.GetString("sms_from"),
		},
	}

	cfg.MetricsPort = cfg.HTTPPort + 1000
	if v.IsSet("metrics_port") {
		cfg.MetricsPort = v.GetInt("metrics_port")
	}

	backoff, err := ParseDurations(v.GetString("outbox_backoff"))
	if err != nil {
		return nil, fmt.Errorf("invalid value for OUTBOX_BACKOFF: %w", err)
	}
	cfg.Outbox.Backoff = backoff

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.HTTPPort <= 0:
		return errors.New("invalid value for HTTP_PORT")
	case c.DatabaseURL == "":
		return errors.New("DATABASE_URL is required")
	case c.Outbox.BatchLimit <= 0:
		return errors.New("invalid value for OUTBOX_BATCH_LIMIT")
	case c.Outbox.PollInterval <= 0:
		return errors.New("invalid value for OUTBOX_POLL_INTERVAL")
	case c.Outbox.Concurrency <= 0:
		return errors.New("invalid value for OUTBOX_CONCURRENCY")
	case c.Outbox.MaxAttempts <= 0:
		return errors.New("invalid value for OUTBOX_MAX_ATTEMPTS")
	case c.Provider.Timeout <= 0:
		return errors.New("invalid value for PROVIDER_TIMEOUT")
	}
	return nil
}

// ParseDurations parses a comma separated list such as "1m,5m,15m".
func ParseDurations(s string) ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range splitList(s) {
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, err
		}
		if d < 0 {
			return nil, fmt.Errorf("negative duration %s", part)
		}
		out = append(out, d)
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
