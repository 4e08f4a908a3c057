package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"voucherkit/adapters/redis"
	"voucherkit/adapters/sqlx"
	"voucherkit/core"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Config holds the complete application configuration
type Config struct {
	Environment Environment `json:"environment" yaml:"environment" env:"VOUCHERKIT_ENV"`
	Profile     string      `json:"profile" yaml:"profile" env:"VOUCHERKIT_PROFILE"`

	Server     ServerConfig     `json:"server" yaml:"server"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Security   SecurityConfig   `json:"security" yaml:"security"`
	Redemption RedemptionConfig `json:"redemption" yaml:"redemption"`
	Messages   core.Locale      `json:"messages" yaml:"messages"`
	Webhook    WebhookConfig    `json:"webhook" yaml:"webhook"`
	Kafka      KafkaConfig      `json:"kafka" yaml:"kafka"`
	Catalog    CatalogConfig    `json:"catalog" yaml:"catalog"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Address           string        `json:"address" yaml:"address" env:"VOUCHERKIT_SERVER_ADDR"`
	PathPrefix        string        `json:"path_prefix" yaml:"path_prefix" env:"VOUCHERKIT_SERVER_PATH_PREFIX"`
	CORSOrigin        string        `json:"cors_origin" yaml:"cors_origin" env:"VOUCHERKIT_SERVER_CORS_ORIGIN"`
	ReadTimeout       time.Duration `json:"read_timeout" yaml:"read_timeout" env:"VOUCHERKIT_SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `json:"write_timeout" yaml:"write_timeout" env:"VOUCHERKIT_SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `json:"idle_timeout" yaml:"idle_timeout" env:"VOUCHERKIT_SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" yaml:"read_header_timeout" env:"VOUCHERKIT_SERVER_READ_HEADER_TIMEOUT"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" env:"VOUCHERKIT_SERVER_SHUTDOWN_TIMEOUT"`
}

// StorageConfig selects and configures the storage adapter
type StorageConfig struct {
	Adapter string       `json:"adapter" yaml:"adapter" env:"VOUCHERKIT_STORAGE_ADAPTER"`
	Redis   redis.Config `json:"redis,omitempty" yaml:"redis,omitempty"`
	SQL     sqlx.Config  `json:"sql,omitempty" yaml:"sql,omitempty"`
	File    FileConfig   `json:"file,omitempty" yaml:"file,omitempty"`
}

// FileConfig holds JSON file storage configuration
type FileConfig struct {
	Path string `json:"path" yaml:"path" env:"VOUCHERKIT_STORAGE_FILE_PATH"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string            `json:"level" yaml:"level" env:"VOUCHERKIT_LOG_LEVEL"`
	Format     string            `json:"format" yaml:"format" env:"VOUCHERKIT_LOG_FORMAT"`
	Output     string            `json:"output" yaml:"output" env:"VOUCHERKIT_LOG_OUTPUT"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty" env:"VOUCHERKIT_LOG_ATTRIBUTES"`
}

// MetricsConfig holds metrics configuration. The registry is served on the
// API listener under Path.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled" env:"VOUCHERKIT_METRICS_ENABLED"`
	Path      string `json:"path" yaml:"path" env:"VOUCHERKIT_METRICS_PATH"`
	Namespace string `json:"namespace" yaml:"namespace" env:"VOUCHERKIT_METRICS_NAMESPACE"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	EnableRateLimit bool            `json:"enable_rate_limit" yaml:"enable_rate_limit" env:"VOUCHERKIT_SECURITY_RATE_LIMIT_ENABLED"`
	RateLimit       RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	APIKeys         []string        `json:"api_keys,omitempty" yaml:"api_keys,omitempty" env:"VOUCHERKIT_SECURITY_API_KEYS"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int           `json:"requests_per_minute" yaml:"requests_per_minute" env:"VOUCHERKIT_SECURITY_RATE_LIMIT_RPM"`
	BurstSize         int           `json:"burst_size" yaml:"burst_size" env:"VOUCHERKIT_SECURITY_RATE_LIMIT_BURST"`
	CleanupInterval   time.Duration `json:"cleanup_interval" yaml:"cleanup_interval" env:"VOUCHERKIT_SECURITY_RATE_LIMIT_CLEANUP"`
}

// RedemptionConfig tunes the engine and its persistence workers.
type RedemptionConfig struct {
	PersistWorkers     int           `json:"persist_workers" yaml:"persist_workers" env:"VOUCHERKIT_PERSIST_WORKERS"`
	PersistQueue       int           `json:"persist_queue" yaml:"persist_queue" env:"VOUCHERKIT_PERSIST_QUEUE"`
	PersistTimeout     time.Duration `json:"persist_timeout" yaml:"persist_timeout" env:"VOUCHERKIT_PERSIST_TIMEOUT"`
	GuaranteedSelect   bool          `json:"reward_select_always_gives" yaml:"reward_select_always_gives" env:"VOUCHERKIT_REWARD_SELECT_ALWAYS_GIVES"`
	DenialMessages     bool          `json:"denial_messages" yaml:"denial_messages" env:"VOUCHERKIT_DENIAL_MESSAGES"`
	SelectionTimeout   time.Duration `json:"selection_timeout" yaml:"selection_timeout" env:"VOUCHERKIT_SELECTION_TIMEOUT"`
	SelectionSweep     time.Duration `json:"selection_sweep" yaml:"selection_sweep" env:"VOUCHERKIT_SELECTION_SWEEP"`
	AsyncEvents        bool          `json:"async_events" yaml:"async_events" env:"VOUCHERKIT_ASYNC_EVENTS"`
	HydrateOnStartup   bool          `json:"hydrate_on_startup" yaml:"hydrate_on_startup" env:"VOUCHERKIT_HYDRATE_ON_STARTUP"`
	GrantorWebhookURL  string        `json:"grantor_webhook_url,omitempty" yaml:"grantor_webhook_url,omitempty" env:"VOUCHERKIT_GRANTOR_URL"`
	GrantorWebhookAuth string        `json:"grantor_webhook_secret,omitempty" yaml:"grantor_webhook_secret,omitempty" env:"VOUCHERKIT_GRANTOR_SECRET"`
}

// WebhookConfig posts domain events to external endpoints.
type WebhookConfig struct {
	Endpoints  []string      `json:"endpoints,omitempty" yaml:"endpoints,omitempty" env:"VOUCHERKIT_WEBHOOK_ENDPOINTS"`
	EventTypes []string      `json:"event_types,omitempty" yaml:"event_types,omitempty" env:"VOUCHERKIT_WEBHOOK_EVENT_TYPES"`
	Secret     string        `json:"secret,omitempty" yaml:"secret,omitempty" env:"VOUCHERKIT_WEBHOOK_SECRET"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout" env:"VOUCHERKIT_WEBHOOK_TIMEOUT"`
}

// KafkaConfig publishes domain events to a topic when brokers are set.
type KafkaConfig struct {
	Brokers []string `json:"brokers,omitempty" yaml:"brokers,omitempty" env:"VOUCHERKIT_KAFKA_BROKERS"`
	Topic   string   `json:"topic" yaml:"topic" env:"VOUCHERKIT_KAFKA_TOPIC"`
}

// CatalogConfig points at an optional YAML seed file applied on startup.
type CatalogConfig struct {
	SeedFile string `json:"seed_file,omitempty" yaml:"seed_file,omitempty" env:"VOUCHERKIT_CATALOG_SEED"`
}

// Load loads configuration from environment variables and validates it
func Load() (*Config, error) {
	return finish(DefaultConfig())
}

// finish layers environment variables and secret files over cfg and validates it.
func finish(cfg *Config) (*Config, error) {
	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := LoadSecretsFromEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// validateConfigPath validates that the config file path is safe
func validateConfigPath(path string) error {
	if path == "" {
		return errors.New("config file path cannot be empty")
	}

	cleanPath := filepath.Clean(path)

	switch strings.ToLower(filepath.Ext(cleanPath)) {
	case ".json", ".yaml", ".yml":
	default:
		return errors.New("config file must have .json, .yaml or .yml extension")
	}

	if _, err := os.Stat(cleanPath); err != nil {
		return fmt.Errorf("config file not accessible: %w", err)
	}

	return nil
}

// LoadFromFile loads configuration from a JSON or YAML file
func LoadFromFile(path string) (*Config, error) {
	if err := validateConfigPath(path); err != nil {
		return nil, fmt.Errorf("invalid config file path: %w", err)
	}

	file, err := os.Open(path) // #nosec G304 - Path validated above
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	// Environment variables override file values
	return finish(cfg)
}

// DefaultConfig returns a configuration with sensible defaults for development
func DefaultConfig() *Config {
	return &Config{
		Environment: EnvDevelopment,
		Profile:     "default",
		Server: ServerConfig{
			Address:           ":8080",
			PathPrefix:        "/api",
			CORSOrigin:        "*",
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Storage: StorageConfig{
			Adapter: "memory",
			Redis:   redis.DefaultConfig(),
			SQL:     sqlx.DefaultConfig(sqlx.DriverPostgres),
			File: FileConfig{
				Path: "./data/voucherkit.json",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Path:      "/metrics",
			Namespace: "voucherkit",
		},
		Security: SecurityConfig{
			EnableRateLimit: false,
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 60,
				BurstSize:         10,
				CleanupInterval:   5 * time.Minute,
			},
			APIKeys: []string{},
		},
		Redemption: RedemptionConfig{
			PersistWorkers:   4,
			PersistQueue:     1024,
			PersistTimeout:   5 * time.Second,
			GuaranteedSelect: true,
			DenialMessages:   true,
			SelectionTimeout: 5 * time.Minute,
			SelectionSweep:   30 * time.Second,
			AsyncEvents:      false,
			HydrateOnStartup: true,
		},
		Messages: core.DefaultLocale(),
		Webhook: WebhookConfig{
			Timeout: 5 * time.Second,
		},
		Kafka: KafkaConfig{
			Topic: "voucher-events",
		},
	}
}

// Validate validates the configuration and returns detailed error messages
func (c *Config) Validate() error {
	var errs []string

	if c.Environment == "" {
		errs = append(errs, "environment cannot be empty")
	}

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Storage.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("storage config: %v", err))
	}

	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("logging config: %v", err))
	}

	if err := c.Metrics.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("metrics config: %v", err))
	}

	if err := c.Security.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("security config: %v", err))
	}

	if err := c.Redemption.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("redemption config: %v", err))
	}

	if err := c.Webhook.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("webhook config: %v", err))
	}

	if err := c.Kafka.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("kafka config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

const redacted = "[REDACTED]"

// String returns a JSON representation of the config (with secrets redacted)
func (c *Config) String() string {
	cfg := *c

	if cfg.Storage.SQL.DSN != "" {
		cfg.Storage.SQL.DSN = redacted
	}
	if cfg.Storage.Redis.Password != "" {
		cfg.Storage.Redis.Password = redacted
	}
	if cfg.Webhook.Secret != "" {
		cfg.Webhook.Secret = redacted
	}
	if cfg.Redemption.GrantorWebhookAuth != "" {
		cfg.Redemption.GrantorWebhookAuth = redacted
	}
	if len(cfg.Security.APIKeys) > 0 {
		keys := make([]string, len(cfg.Security.APIKeys))
		for i := range keys {
			keys[i] = redacted
		}
		cfg.Security.APIKeys = keys
	}

	data, _ := json.MarshalIndent(cfg, "", "  ")
	return string(data)
}
