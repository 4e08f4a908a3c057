package config

import (
	"fmt"
	"time"
)

// LoadWithProfile starts from the named profile and applies the environment like Load.
func LoadWithProfile(name string) (*Config, error) {
	cfg, err := LoadProfile(name)
	if err != nil {
		return nil, err
	}
	return finish(cfg)
}

// LoadProfile returns the defaults tuned for a named deployment environment.
// Environment variables are not applied; callers layer them on with Load.
func LoadProfile(name string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.Profile = name

	switch Environment(name) {
	case EnvDevelopment:
		cfg.Environment = EnvDevelopment
		cfg.Logging.Level = "debug"
		cfg.Logging.Format = "console"
	case EnvTesting:
		cfg.Environment = EnvTesting
		cfg.Logging.Level = "warn"
		cfg.Redemption.PersistWorkers = 1
		cfg.Redemption.PersistQueue = 16
		cfg.Redemption.HydrateOnStartup = false
	case EnvStaging:
		cfg.Environment = EnvStaging
		cfg.Storage.Adapter = "redis"
		cfg.Metrics.Enabled = true
	case EnvProduction:
		cfg.Environment = EnvProduction
		cfg.Storage.Adapter = "sql"
		cfg.Metrics.Enabled = true
		cfg.Server.CORSOrigin = ""
		cfg.Security.EnableRateLimit = true
		cfg.Redemption.PersistWorkers = 8
		cfg.Redemption.PersistQueue = 4096
		cfg.Redemption.AsyncEvents = true
		cfg.Server.ShutdownTimeout = 45 * time.Second
	default:
		return nil, fmt.Errorf("unknown profile %q", name)
	}
	return cfg, nil
}
