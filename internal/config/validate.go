package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/liamcoop/rulesets/internal/logger"
)

// FieldError is a validation failure of one configuration field
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError collects every field error found
type ValidationError struct {
	Errors []FieldError
}

func (e ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d errors:", len(e.Errors))
	for _, err := range e.Errors {
		sb.WriteString("\n  - ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Validate returns a ValidationError listing every invalid field, or nil
func Validate(cfg *Config) error {
	var errs []FieldError
	add := func(field, format string, args ...any) {
		errs = append(errs, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if port, err := strconv.Atoi(cfg.Server.Port); err != nil || port < 1 || port > 65535 {
		add("server.port", "must be a number between 1 and 65535, got %q", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout < 0 {
		add("server.shutdown_timeout", "must not be negative")
	}

	switch cfg.Storage.Backend {
	case StorageMemory:
	case StoragePostgres:
		if cfg.Storage.DatabaseURL == "" {
			add("storage.database_url", "is required for the postgres backend")
		}
	case StorageSQLite:
		if cfg.Storage.SQLitePath == "" {
			add("storage.sqlite_path", "is required for the sqlite backend")
		}
	default:
		add("storage.backend", "must be one of memory, postgres, sqlite, got %q", cfg.Storage.Backend)
	}

	switch cfg.Content.Backend {
	case ContentMemory:
	case ContentSQL:
		if cfg.Storage.Backend == StorageMemory {
			add("content.backend", "sql requires a postgres or sqlite storage backend")
		}
	case ContentNATS:
		if cfg.Content.NATSURL == "" {
			add("content.nats_url", "is required for the nats backend")
		}
		if cfg.Content.NATSBucket == "" {
			add("content.nats_bucket", "is required for the nats backend")
		}
	default:
		add("content.backend", "must be one of memory, sql, nats, got %q", cfg.Content.Backend)
	}

	if cfg.Engine.CacheMaxEntries < 1 {
		add("engine.cache_max_entries", "must be at least 1, got %d", cfg.Engine.CacheMaxEntries)
	}
	if cfg.Loader.Debounce < 0 {
		add("loader.debounce", "must not be negative")
	}

	if s := cfg.Maintenance.PurgeSchedule; s != PurgeDisabled {
		if _, err := cron.ParseStandard(s); err != nil {
			add("maintenance.purge_schedule", "invalid cron expression %q: %v", s, err)
		}
	}

	if _, err := logger.ParseLevel(cfg.Logging.Level); err != nil {
		add("logging.level", "%v", err)
	}
	if cfg.Logging.SampleRate < 1 {
		add("logging.sample_rate", "must be at least 1, got %d", cfg.Logging.SampleRate)
	}

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}
