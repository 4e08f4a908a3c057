package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voucherkit/adapters/sqlx"
)

func TestLoad(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, EnvDevelopment, cfg.Environment)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "memory", cfg.Storage.Adapter)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Redemption.GuaranteedSelect)
	assert.Equal(t, "You can redeem that voucher in %cooldown_time% seconds", cfg.Messages.Cooldown)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("VOUCHERKIT_STORAGE_ADAPTER", "redis")
	t.Setenv("VOUCHERKIT_REDIS_ADDR", "cache:6379")
	t.Setenv("VOUCHERKIT_PERSIST_WORKERS", "2")
	t.Setenv("VOUCHERKIT_SELECTION_TIMEOUT", "90s")
	t.Setenv("VOUCHERKIT_REWARD_SELECT_ALWAYS_GIVES", "false")
	t.Setenv("VOUCHERKIT_MSG_NOT_FOUND", "Unknown voucher")
	t.Setenv("VOUCHERKIT_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("VOUCHERKIT_LOG_ATTRIBUTES", "region=eu,shard=3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Storage.Adapter)
	assert.Equal(t, "cache:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, 2, cfg.Redemption.PersistWorkers)
	assert.Equal(t, 90*time.Second, cfg.Redemption.SelectionTimeout)
	assert.False(t, cfg.Redemption.GuaranteedSelect)
	assert.Equal(t, "Unknown voucher", cfg.Messages.NotFound)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, map[string]string{"region": "eu", "shard": "3"}, cfg.Logging.Attributes)
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("VOUCHERKIT_PERSIST_WORKERS", "many")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VOUCHERKIT_PERSIST_WORKERS")
}

func TestLoadFromFile(t *testing.T) {
	configContent := `{
		"environment": "testing",
		"server": {
			"address": ":9090"
		},
		"storage": {
			"adapter": "memory"
		}
	}`

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(configContent), 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, EnvTesting, cfg.Environment)
	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, "memory", cfg.Storage.Adapter)
}

func TestLoadFromYAMLFile(t *testing.T) {
	configContent := `
environment: staging
storage:
  adapter: sql
  sql:
    driver: mysql
    dsn: "u:p@tcp(db:3306)/vouchers?parseTime=true"
    table_prefix: vk_
redemption:
  persist_workers: 6
  selection_timeout: 2m
messages:
  limit_reached: "No more uses left"
webhook:
  endpoints: ["https://hooks.example.com/vouchers"]
  event_types: [voucher_redeemed]
catalog:
  seed_file: ./vouchers.yaml
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(configContent), 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, EnvStaging, cfg.Environment)
	assert.Equal(t, sqlx.DriverMySQL, cfg.Storage.SQL.Driver)
	assert.Equal(t, "vk_", cfg.Storage.SQL.TablePrefix)
	assert.Equal(t, 6, cfg.Redemption.PersistWorkers)
	assert.Equal(t, 2*time.Minute, cfg.Redemption.SelectionTimeout)
	assert.Equal(t, "No more uses left", cfg.Messages.LimitReached)
	assert.Equal(t, "You are not allowed to use that voucher", cfg.Messages.NotAllowed)
	assert.Equal(t, "./vouchers.yaml", cfg.Catalog.SeedFile)
	// untouched sections keep defaults
	assert.Equal(t, 1024, cfg.Redemption.PersistQueue)
}

func validConfig() *Config {
	return DefaultConfig()
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "invalid environment", mutate: func(c *Config) { c.Environment = "" }, expectError: "environment"},
		{name: "invalid server timeout", mutate: func(c *Config) { c.Server.ReadTimeout = 0 }, expectError: "read_timeout"},
		{name: "unknown adapter", mutate: func(c *Config) { c.Storage.Adapter = "mongo" }, expectError: "adapter must be one of"},
		{name: "sql without dsn", mutate: func(c *Config) { c.Storage.Adapter = "sql"; c.Storage.SQL.DSN = "" }, expectError: "dsn"},
		{name: "bad log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, expectError: "format"},
		{name: "no workers", mutate: func(c *Config) { c.Redemption.PersistWorkers = 0 }, expectError: "persist_workers"},
		{name: "bad webhook url", mutate: func(c *Config) { c.Webhook.Endpoints = []string{"ftp://x"} }, expectError: "endpoints[0]"},
		{name: "unknown event type", mutate: func(c *Config) { c.Webhook.EventTypes = []string{"level_up"} }, expectError: "level_up"},
		{name: "kafka without topic", mutate: func(c *Config) { c.Kafka.Brokers = []string{"k:9092"}; c.Kafka.Topic = "" }, expectError: "topic"},
		{name: "empty api key", mutate: func(c *Config) { c.Security.APIKeys = []string{" "} }, expectError: "api_keys[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.expectError != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectError)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStringRedactsSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.SQL.DSN = "postgres://user:hunter2@db/vk"
	cfg.Webhook.Secret = "s3cret"
	cfg.Security.APIKeys = []string{"key-1"}

	out := cfg.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "s3cret")
	assert.NotContains(t, out, "key-1")
	assert.Contains(t, out, redacted)
	// the original is untouched
	assert.Equal(t, []string{"key-1"}, cfg.Security.APIKeys)
}

func TestProfiles(t *testing.T) {
	tests := []struct {
		name         string
		profileName  string
		expectConfig bool
		environment  Environment
	}{
		{"development", "development", true, EnvDevelopment},
		{"testing", "testing", true, EnvTesting},
		{"staging", "staging", true, EnvStaging},
		{"production", "production", true, EnvProduction},
		{"unknown", "unknown", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadProfile(tt.profileName)
			if tt.expectConfig {
				require.NoError(t, err)
				require.NotNil(t, cfg)
				assert.Equal(t, tt.environment, cfg.Environment)
				assert.NoError(t, cfg.Validate())
			} else {
				assert.Error(t, err)
				assert.Nil(t, cfg)
			}
		})
	}
}

func TestLoadWithProfileAppliesEnv(t *testing.T) {
	t.Setenv("VOUCHERKIT_REDIS_ADDR", "cache:6379")
	t.Setenv("VOUCHERKIT_PERSIST_WORKERS", "3")

	cfg, err := LoadWithProfile("staging")
	require.NoError(t, err)
	assert.Equal(t, EnvStaging, cfg.Environment)
	assert.Equal(t, "redis", cfg.Storage.Adapter)
	assert.Equal(t, "cache:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, 3, cfg.Redemption.PersistWorkers)

	_, err = LoadWithProfile("moon")
	assert.Error(t, err)
}

func TestSecrets(t *testing.T) {
	store := NewEnvironmentSecretStore()
	t.Setenv("TEST_SECRET_KEY", "test_secret_value")
	ctx := context.Background()

	value, err := store.Get(ctx, "TEST_SECRET_KEY")
	assert.NoError(t, err)
	assert.Equal(t, "test_secret_value", value)

	assert.Equal(t, "default", store.GetWithDefault(ctx, "NONEXISTENT_KEY", "default"))
	assert.Equal(t, "test_secret_value", store.GetWithDefault(ctx, "TEST_SECRET_KEY", "default"))
}

func TestLoadSecretsFromFiles(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "dsn")
	keys := filepath.Join(dir, "keys")
	require.NoError(t, os.WriteFile(dsn, []byte("postgres://vk:pw@db/vk\n"), 0o600))
	require.NoError(t, os.WriteFile(keys, []byte("alpha\nbeta,\n"), 0o600))
	t.Setenv("VOUCHERKIT_SQL_DSN_FILE", dsn)
	t.Setenv("VOUCHERKIT_SECURITY_API_KEYS_FILE", keys)

	cfg := DefaultConfig()
	require.NoError(t, LoadSecretsFromEnv(cfg))
	assert.Equal(t, "postgres://vk:pw@db/vk", cfg.Storage.SQL.DSN)
	assert.Equal(t, []string{"alpha", "beta"}, cfg.Security.APIKeys)

	t.Setenv("VOUCHERKIT_WEBHOOK_SECRET_FILE", filepath.Join(dir, "missing"))
	assert.Error(t, LoadSecretsFromEnv(cfg))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(LoggingConfig{Level: "warn", Format: "json", Attributes: map[string]string{"region": "eu"}}, &buf)
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"message":"shown"`)
	assert.Contains(t, out, `"region":"eu"`)
	assert.Contains(t, out, `"service":"voucherkit"`)
}

func TestValidateConfigPath(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "c.json")
	ymlPath := filepath.Join(dir, "c.yml")
	txtPath := filepath.Join(dir, "c.txt")
	for _, p := range []string{jsonPath, ymlPath, txtPath} {
		require.NoError(t, os.WriteFile(p, []byte("{}"), 0o600))
	}

	tests := []struct {
		name        string
		path        string
		expectError bool
	}{
		{"valid json file", jsonPath, false},
		{"valid yaml file", ymlPath, false},
		{"empty path", "", true},
		{"path traversal", "../../../etc/passwd", true},
		{"non-config file", txtPath, true},
		{"nonexistent file", filepath.Join(dir, "nope.json"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfigPath(tt.path)
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
