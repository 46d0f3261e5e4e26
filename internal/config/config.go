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
	Server  ServerConfig           `mapstructure:"server"`
	Browser BrowserConfig          `mapstructure:"browser"`
	Broker  BrokerConfig           `mapstructure:"broker"`
	DB      DBConfig               `mapstructure:"db"`
	Storage StorageConfig          `mapstructure:"storage"`
	PubSub  PubSubConfig           `mapstructure:"pubsub"`
	Email   EmailConfig            `mapstructure:"email"`
	Queues  map[string]QueueConfig `mapstructure:"queues"`
	Logging LoggingConfig          `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int `mapstructure:"port"`
	ShutdownSeconds int `mapstructure:"shutdown_seconds"`
}

// BrowserConfig governs the page pool and capture behavior.
type BrowserConfig struct {
	PoolSize          int    `mapstructure:"pool_size"`
	AcquireTimeoutSec int    `mapstructure:"acquire_timeout_seconds"`
	CaptureTimeoutSec int    `mapstructure:"capture_timeout_seconds"`
	ResetTimeoutSec   int    `mapstructure:"reset_timeout_seconds"`
	UserAgent         string `mapstructure:"user_agent"`
	DefaultWidth      int    `mapstructure:"default_width"`
	DefaultHeight     int    `mapstructure:"default_height"`
	Quality           int    `mapstructure:"quality"`
}

// BrokerConfig controls the Redis job broker connection.
type BrokerConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// StorageConfig selects and configures the artifact blob backend.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for the optional completion-event topic.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// EmailConfig configures the SMTP relay used by the email queue.
type EmailConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// QueueConfig tunes one named job queue.
type QueueConfig struct {
	Concurrency    int    `mapstructure:"concurrency"`
	MaxAttempts    int    `mapstructure:"max_attempts"`
	BackoffKind    string `mapstructure:"backoff_kind"`
	BackoffDelayMs int    `mapstructure:"backoff_delay_ms"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCREENSHOT")
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
	v.SetDefault("server.shutdown_seconds", 15)
	v.SetDefault("browser.pool_size", 3)
	v.SetDefault("browser.acquire_timeout_seconds", 30)
	v.SetDefault("browser.capture_timeout_seconds", 30)
	v.SetDefault("browser.reset_timeout_seconds", 5)
	v.SetDefault("browser.user_agent", "screenshotd/0.1")
	v.SetDefault("browser.default_width", 1280)
	v.SetDefault("browser.default_height", 800)
	v.SetDefault("browser.quality", 90)
	v.SetDefault("broker.addr", "localhost:6379")
	v.SetDefault("broker.db", 0)
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_dir", "artifacts")
	v.SetDefault("storage.prefix", "screenshots")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("email.port", 587)
	v.SetDefault("queues.email.concurrency", 4)
	v.SetDefault("queues.email.max_attempts", 3)
	v.SetDefault("queues.email.backoff_kind", "exponential")
	v.SetDefault("queues.email.backoff_delay_ms", 1000)
	v.SetDefault("queues.webhook.concurrency", 8)
	v.SetDefault("queues.webhook.max_attempts", 3)
	v.SetDefault("queues.webhook.backoff_kind", "exponential")
	v.SetDefault("queues.webhook.backoff_delay_ms", 1000)
	v.SetDefault("queues.screenshot.concurrency", 2)
	v.SetDefault("queues.screenshot.max_attempts", 2)
	v.SetDefault("queues.screenshot.backoff_kind", "fixed")
	v.SetDefault("queues.screenshot.backoff_delay_ms", 5000)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Browser.PoolSize <= 0 {
		return fmt.Errorf("browser.pool_size must be > 0")
	}
	if c.Browser.CaptureTimeoutSec <= 0 {
		return fmt.Errorf("browser.capture_timeout_seconds must be > 0")
	}
	switch c.Storage.Backend {
	case "local", "gcs", "memory":
	default:
		return fmt.Errorf("storage.backend must be one of local, gcs, memory")
	}
	if c.Storage.Backend == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set when backend is gcs")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	for name, q := range c.Queues {
		if q.Concurrency <= 0 {
			return fmt.Errorf("queues.%s.concurrency must be > 0", name)
		}
		if q.MaxAttempts <= 0 {
			return fmt.Errorf("queues.%s.max_attempts must be > 0", name)
		}
		switch q.BackoffKind {
		case "fixed", "exponential":
		default:
			return fmt.Errorf("queues.%s.backoff_kind must be fixed or exponential", name)
		}
	}
	return nil
}

// AcquireTimeout converts the browser acquire timeout to a duration.
// Zero means block until a page frees up.
func (c BrowserConfig) AcquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeoutSec) * time.Second
}

// CaptureTimeout converts the capture timeout to a duration.
func (c BrowserConfig) CaptureTimeout() time.Duration {
	return time.Duration(c.CaptureTimeoutSec) * time.Second
}

// ResetTimeout converts the page reset timeout to a duration.
func (c BrowserConfig) ResetTimeout() time.Duration {
	return time.Duration(c.ResetTimeoutSec) * time.Second
}

// ShutdownTimeout converts the server drain timeout to a duration.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownSeconds) * time.Second
}

// BackoffDelay converts the queue backoff delay to a duration.
func (c QueueConfig) BackoffDelay() time.Duration {
	return time.Duration(c.BackoffDelayMs) * time.Millisecond
}
