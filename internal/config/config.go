// Package config loads rulesets service configuration from YAML with
// environment variable overrides.
package config

import "time"

// Storage backends for rule set metadata
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"
)

// Content backends for rule text
const (
	ContentMemory = "memory"
	ContentSQL    = "sql"
	ContentNATS   = "nats"
)

// Config is the root configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Content     ContentConfig     `yaml:"content"`
	Engine      EngineConfig      `yaml:"engine"`
	Loader      LoaderConfig      `yaml:"loader"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
}

// StorageConfig selects where rule set metadata lives
type StorageConfig struct {
	Backend     string `yaml:"backend"`
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
}

// ContentConfig selects where rule text lives and how long it is kept
type ContentConfig struct {
	Backend    string        `yaml:"backend"`
	TTL        time.Duration `yaml:"ttl"`
	NATSURL    string        `yaml:"nats_url"`
	NATSBucket string        `yaml:"nats_bucket"`
}

type EngineConfig struct {
	CacheMaxEntries int    `yaml:"cache_max_entries"`
	CostLimit       uint64 `yaml:"cost_limit"`
}

// LoaderConfig enables deploying *.rules files from a watched directory
type LoaderConfig struct {
	WatchDir string        `yaml:"watch_dir"`
	Debounce time.Duration `yaml:"debounce"`
}

// PurgeDisabled as the purge schedule turns the purge job off
const PurgeDisabled = "off"

// MaintenanceConfig schedules purging of expired content with a standard
// five-field cron expression
type MaintenanceConfig struct {
	PurgeSchedule string `yaml:"purge_schedule"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	SampleRate int    `yaml:"sample_rate"`
}
