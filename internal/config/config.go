package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	State     StateConfig     `yaml:"state"`
	API       APIConfig       `yaml:"api"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Mailer    MailerConfig    `yaml:"mailer"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Inbound   InboundConfig   `yaml:"inbound"`
	Events    EventsConfig    `yaml:"events"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains server-wide settings
type ServerConfig struct {
	Hostname string `yaml:"hostname"` // FQDN used for EHLO and Message-ID
}

// DatabaseConfig contains the SQLite record store settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// StateConfig contains the bbolt file used for the event outbox and rate limit counters
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	Enabled        bool           `yaml:"enabled"`
	ListenAddr     string         `yaml:"listen_addr"`
	Keys           []APIKeyConfig `yaml:"keys"`
	MaxHeaderBytes int            `yaml:"max_header_bytes"` // Max HTTP header size (default: 1MB)
	ReadTimeout    time.Duration  `yaml:"read_timeout"`     // HTTP read timeout (default: 30s)
	WriteTimeout   time.Duration  `yaml:"write_timeout"`    // HTTP write timeout (default: 30s)
	IdleTimeout    time.Duration  `yaml:"idle_timeout"`     // HTTP idle timeout (default: 60s)
	AllowedIPs     []string       `yaml:"allowed_ips"`      // IP addresses/CIDRs allowed to access API (empty = allow all)
}

// APIKeyConfig maps a bcrypt-hashed API key to the owner it acts as
type APIKeyConfig struct {
	Owner   string `yaml:"owner"`
	KeyHash string `yaml:"key_hash"`
}

// SchedulerConfig contains sequence tick settings
type SchedulerConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Interval          time.Duration `yaml:"interval"`             // Tick interval (default: 30s)
	Workers           int           `yaml:"workers"`              // Concurrent contacts per tick (default: 5)
	BatchSize         int           `yaml:"batch_size"`           // Max due contacts per tick (default: 500)
	SendRatePerSecond float64       `yaml:"send_rate_per_second"` // Emails per second across a tick (default: 5)
	SendBurst         int           `yaml:"send_burst"`           // Throttle burst (default: 1)
	MaxRetries        int           `yaml:"max_retries"`          // Transient send failures before error (default: 5)
	RetryInterval     time.Duration `yaml:"retry_interval"`       // Base backoff for transient failures (default: 5m)
	DeferInterval     time.Duration `yaml:"defer_interval"`       // Backoff when no sender is available (default: 15m)
	DailyReset        bool          `yaml:"daily_reset"`          // Reset sender counters at UTC midnight (default: true)
	BounceWindow      time.Duration `yaml:"bounce_window"`        // Bounce rate window (default: 168h)
}

// MailerConfig contains outbound SMTP settings
type MailerConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"` // TCP connect timeout (default: 10s)
	Timeout        time.Duration `yaml:"timeout"`         // Whole-transaction timeout (default: 60s)
	InsecureTLS    bool          `yaml:"insecure_tls"`    // Skip certificate verification (testing only)
}

// RateLimitConfig contains hourly/daily send ceilings
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`

	// Global limits (for entire service)
	Global *LimitValues `yaml:"global,omitempty"`

	// Default limits for sender accounts
	DefaultSender *LimitValues `yaml:"default_sender,omitempty"`

	// Default limits for recipient domains (e.g., gmail.com, mail.ru)
	DefaultRecipientDomain *LimitValues `yaml:"default_recipient_domain,omitempty"`

	// Per-recipient-domain limits (overrides DefaultRecipientDomain)
	RecipientDomains map[string]*LimitValues `yaml:"recipient_domains,omitempty"`
}

// LimitValues contains rate limit values
type LimitValues struct {
	MessagesPerHour int `yaml:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day"`
}

// InboundConfig contains the reply-receiving SMTP listener settings
type InboundConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ListenAddr      string        `yaml:"listen_addr"`
	Domain          string        `yaml:"domain"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	Auth            AuthConfig    `yaml:"auth"`
	AllowedIPs      []string      `yaml:"allowed_ips"`
}

// AuthConfig contains SMTP authentication settings
type AuthConfig struct {
	Required bool              `yaml:"required"`
	Users    map[string]string `yaml:"users"` // username -> password
}

// EventsConfig contains lifecycle event delivery settings
type EventsConfig struct {
	Enabled         bool            `yaml:"enabled"`
	BufferSize      int             `yaml:"buffer_size"`      // Emit channel capacity (default: 1024)
	Workers         int             `yaml:"workers"`          // Concurrent deliveries (default: 2)
	ProcessInterval time.Duration   `yaml:"process_interval"` // Outbox poll interval (default: 5s)
	RetryInterval   time.Duration   `yaml:"retry_interval"`   // Base delivery backoff (default: 30s)
	MaxRetries      int             `yaml:"max_retries"`      // Attempts before dead letter (default: 8)
	Timeout         time.Duration   `yaml:"timeout"`          // Per-delivery timeout (default: 10s)
	Retention       time.Duration   `yaml:"retention"`        // Keep delivered events this long (0 = forever)
	CleanupInterval time.Duration   `yaml:"cleanup_interval"` // How often to run cleanup (default: 1h)
	Webhooks        []WebhookConfig `yaml:"webhooks"`
	AMQP            AMQPConfig      `yaml:"amqp"`
}

// WebhookConfig is one HTTP subscriber
type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Owner  string   `yaml:"owner"`  // Only events of this owner (empty = all)
	Events []string `yaml:"events"` // Event names (empty = all)
}

// AMQPConfig is the optional RabbitMQ publisher
type AMQPConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// TrackingConfig contains open/click tracking settings
type TrackingConfig struct {
	BaseURL string `yaml:"base_url"` // Public URL of the API, e.g. https://track.example.com
	Secret  string `yaml:"secret"`   // HMAC secret for tracking tokens
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ListenAddr string   `yaml:"listen_addr"` // Default: :9090
	Path       string   `yaml:"path"`        // Default: /metrics
	AllowedIPs []string `yaml:"allowed_ips"` // IP addresses/CIDRs allowed to access metrics
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file. A .env file next to the config
// (or in the working directory) is loaded first and ${VAR} references are expanded.
func Load(path string) (*Config, error) {
	if err := loadEnv(path); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses YAML configuration data, applies defaults and validates it
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		API:       APIConfig{Enabled: true},
		Scheduler: SchedulerConfig{Enabled: true, DailyReset: true},
	}
	if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// envPattern matches ${VAR} only, so bcrypt hashes like $2a$10$... stay intact
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envPattern.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

func loadEnv(configPath string) error {
	for _, p := range []string{filepath.Join(filepath.Dir(configPath), ".env"), ".env"} {
		err := godotenv.Load(p)
		if err == nil {
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}

	if c.Database.Path == "" {
		c.Database.Path = "/var/lib/outreach/outreach.db"
	}
	if c.State.Path == "" {
		c.State.Path = "/var/lib/outreach/state.db"
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Scheduler.Interval == 0 {
		c.Scheduler.Interval = 30 * time.Second
	}
	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = 5
	}
	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = 500
	}
	if c.Scheduler.SendRatePerSecond == 0 {
		c.Scheduler.SendRatePerSecond = 5
	}
	if c.Scheduler.SendBurst == 0 {
		c.Scheduler.SendBurst = 1
	}
	if c.Scheduler.MaxRetries == 0 {
		c.Scheduler.MaxRetries = 5
	}
	if c.Scheduler.RetryInterval == 0 {
		c.Scheduler.RetryInterval = 5 * time.Minute
	}
	if c.Scheduler.DeferInterval == 0 {
		c.Scheduler.DeferInterval = 15 * time.Minute
	}
	if c.Scheduler.BounceWindow == 0 {
		c.Scheduler.BounceWindow = 7 * 24 * time.Hour
	}

	if c.Mailer.ConnectTimeout == 0 {
		c.Mailer.ConnectTimeout = 10 * time.Second
	}
	if c.Mailer.Timeout == 0 {
		c.Mailer.Timeout = 60 * time.Second
	}

	if c.Inbound.ListenAddr == "" {
		c.Inbound.ListenAddr = ":2525"
	}
	if c.Inbound.Domain == "" {
		c.Inbound.Domain = c.Server.Hostname
	}
	if c.Inbound.MaxMessageBytes == 0 {
		c.Inbound.MaxMessageBytes = 10 * 1024 * 1024 // 10MB
	}
	if c.Inbound.ReadTimeout == 0 {
		c.Inbound.ReadTimeout = 60 * time.Second
	}
	if c.Inbound.WriteTimeout == 0 {
		c.Inbound.WriteTimeout = 60 * time.Second
	}

	if c.Events.BufferSize == 0 {
		c.Events.BufferSize = 1024
	}
	if c.Events.Workers == 0 {
		c.Events.Workers = 2
	}
	if c.Events.ProcessInterval == 0 {
		c.Events.ProcessInterval = 5 * time.Second
	}
	if c.Events.RetryInterval == 0 {
		c.Events.RetryInterval = 30 * time.Second
	}
	if c.Events.MaxRetries == 0 {
		c.Events.MaxRetries = 8
	}
	if c.Events.Timeout == 0 {
		c.Events.Timeout = 10 * time.Second
	}
	if c.Events.CleanupInterval == 0 {
		c.Events.CleanupInterval = time.Hour
	}
	if c.Events.AMQP.Exchange == "" {
		c.Events.AMQP.Exchange = "outreach.events"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Hostname == "" {
		return fmt.Errorf("server.hostname is required")
	}

	for i, k := range c.API.Keys {
		if k.Owner == "" {
			return fmt.Errorf("api.keys[%d].owner is required", i)
		}
		if !strings.HasPrefix(k.KeyHash, "$2") {
			return fmt.Errorf("api.keys[%d].key_hash must be a bcrypt hash", i)
		}
	}

	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler.workers must be positive")
	}
	if c.Scheduler.SendRatePerSecond < 0 {
		return fmt.Errorf("scheduler.send_rate_per_second must not be negative")
	}

	if c.Inbound.Enabled && c.Inbound.Auth.Required && len(c.Inbound.Auth.Users) == 0 {
		return fmt.Errorf("inbound.auth.users must not be empty when auth is required")
	}

	for i, w := range c.Events.Webhooks {
		if !strings.HasPrefix(w.URL, "http://") && !strings.HasPrefix(w.URL, "https://") {
			return fmt.Errorf("events.webhooks[%d].url must be an http(s) URL", i)
		}
	}
	if c.Events.AMQP.Enabled && c.Events.AMQP.URL == "" {
		return fmt.Errorf("events.amqp.url is required when AMQP is enabled")
	}

	if c.Tracking.BaseURL != "" && c.Tracking.Secret == "" {
		return fmt.Errorf("tracking.secret is required when tracking.base_url is set")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

// TrackingEnabled reports whether open/click tracking links can be generated
func (c *Config) TrackingEnabled() bool {
	return c.Tracking.BaseURL != "" && c.Tracking.Secret != ""
}
