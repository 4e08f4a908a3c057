package config

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// SecretStore resolves secrets by key.
type SecretStore interface {
	Get(ctx context.Context, key string) (string, error)
}

// EnvironmentSecretStore reads secrets from environment variables. KEY_FILE,
// when set, names a file holding the value and wins over KEY.
type EnvironmentSecretStore struct{}

func NewEnvironmentSecretStore() *EnvironmentSecretStore { return &EnvironmentSecretStore{} }

func (s *EnvironmentSecretStore) Get(_ context.Context, key string) (string, error) {
	if path := os.Getenv(key + "_FILE"); path != "" {
		data, err := os.ReadFile(path) // #nosec G304 - operator supplied path
		if err != nil {
			return "", fmt.Errorf("read secret %s: %w", key, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	if v, ok := os.LookupEnv(key); ok {
		return v, nil
	}
	return "", fmt.Errorf("secret %s not set", key)
}

func (s *EnvironmentSecretStore) GetWithDefault(ctx context.Context, key, def string) string {
	v, err := s.Get(ctx, key)
	if err != nil || v == "" {
		return def
	}
	return v
}

// LoadSecretsFromEnv fills credential fields from *_FILE variables, the form
// container orchestrators use to mount secrets.
func LoadSecretsFromEnv(cfg *Config) error {
	store := NewEnvironmentSecretStore()
	ctx := context.Background()
	targets := []struct {
		key string
		dst *string
	}{
		{"VOUCHERKIT_SQL_DSN", &cfg.Storage.SQL.DSN},
		{"VOUCHERKIT_REDIS_PASSWORD", &cfg.Storage.Redis.Password},
		{"VOUCHERKIT_WEBHOOK_SECRET", &cfg.Webhook.Secret},
		{"VOUCHERKIT_GRANTOR_SECRET", &cfg.Redemption.GrantorWebhookAuth},
	}
	for _, t := range targets {
		if os.Getenv(t.key+"_FILE") == "" {
			continue
		}
		v, err := store.Get(ctx, t.key)
		if err != nil {
			return err
		}
		*t.dst = v
	}
	if os.Getenv("VOUCHERKIT_SECURITY_API_KEYS_FILE") != "" {
		v, err := store.Get(ctx, "VOUCHERKIT_SECURITY_API_KEYS")
		if err != nil {
			return err
		}
		var keys []string
		for _, line := range strings.FieldsFunc(v, func(r rune) bool { return r == '\n' || r == ',' }) {
			if k := strings.TrimSpace(line); k != "" {
				keys = append(keys, k)
			}
		}
		cfg.Security.APIKeys = keys
	}
	return nil
}
