package config

import "time"

const (
	DefaultPort            = "8080"
	DefaultShutdownTimeout = 30 * time.Second
	DefaultContentTTL      = time.Hour
	DefaultNATSBucket      = "ruleset_content"
	DefaultCacheMaxEntries = 1000
	DefaultCostLimit       = 1000000
	DefaultDebounce        = 100 * time.Millisecond
	DefaultPurgeSchedule   = "*/5 * * * *"
	DefaultLogLevel        = "INFO"
)

// Default returns a configuration with every default applied: in-memory
// storage, metrics enabled, and no directory watching
func Default() *Config {
	cfg := &Config{Server: ServerConfig{MetricsEnabled: true}}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = StorageMemory
	}

	if cfg.Content.Backend == "" {
		// Keep content next to metadata unless told otherwise
		switch cfg.Storage.Backend {
		case StoragePostgres, StorageSQLite:
			cfg.Content.Backend = ContentSQL
		default:
			cfg.Content.Backend = ContentMemory
		}
	}
	if cfg.Content.TTL == 0 {
		cfg.Content.TTL = DefaultContentTTL
	}
	if cfg.Content.NATSBucket == "" {
		cfg.Content.NATSBucket = DefaultNATSBucket
	}

	if cfg.Engine.CacheMaxEntries == 0 {
		cfg.Engine.CacheMaxEntries = DefaultCacheMaxEntries
	}
	if cfg.Engine.CostLimit == 0 {
		cfg.Engine.CostLimit = DefaultCostLimit
	}

	if cfg.Loader.Debounce == 0 {
		cfg.Loader.Debounce = DefaultDebounce
	}

	if cfg.Maintenance.PurgeSchedule == "" {
		cfg.Maintenance.PurgeSchedule = DefaultPurgeSchedule
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if cfg.Logging.SampleRate == 0 {
		cfg.Logging.SampleRate = 1
	}
}
