package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path, applies defaults and environment
// overrides, then validates the result. An empty path starts from defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{Server: ServerConfig{MetricsEnabled: true}}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variables on top of file values.
// Malformed numbers and durations are ignored.
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("PORT"); val != "" {
		cfg.Server.Port = val
	}
	if val := os.Getenv("RULES_METRICS_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Server.MetricsEnabled = b
		}
	}

	if val := os.Getenv("DATABASE_URL"); val != "" {
		cfg.Storage.DatabaseURL = val
		// DATABASE_URL alone selects Postgres, as the server always did
		if cfg.Storage.Backend == "" {
			cfg.Storage.Backend = StoragePostgres
		}
	}
	if val := os.Getenv("RULES_STORAGE_BACKEND"); val != "" {
		cfg.Storage.Backend = val
	}
	if val := os.Getenv("RULES_SQLITE_PATH"); val != "" {
		cfg.Storage.SQLitePath = val
	}

	if val := os.Getenv("RULES_CONTENT_BACKEND"); val != "" {
		cfg.Content.Backend = val
	}
	if val := os.Getenv("RULES_CONTENT_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Content.TTL = d
		}
	}
	if val := os.Getenv("RULES_NATS_URL"); val != "" {
		cfg.Content.NATSURL = val
	}
	if val := os.Getenv("RULES_NATS_BUCKET"); val != "" {
		cfg.Content.NATSBucket = val
	}

	if val := os.Getenv("RULES_CACHE_MAX_ENTRIES"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Engine.CacheMaxEntries = i
		}
	}

	if val := os.Getenv("RULES_WATCH_DIR"); val != "" {
		cfg.Loader.WatchDir = val
	}
	if val := os.Getenv("RULES_PURGE_SCHEDULE"); val != "" {
		cfg.Maintenance.PurgeSchedule = val
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("ERROR_SAMPLE_RATE"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Logging.SampleRate = i
		}
	}
}
