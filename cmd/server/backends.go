package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/liamcoop/rulesets/internal/config"
	"github.com/liamcoop/rulesets/rules"
)

// backends holds the stores selected by configuration
type backends struct {
	registry rules.Registry
	content  rules.ContentStore
	purger   rules.Purger // nil when the content store expires entries itself

	db *sql.DB
	nc *nats.Conn
}

func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{}

	switch cfg.Storage.Backend {
	case config.StorageMemory:
		b.registry = rules.NewInMemoryRegistry()

	case config.StoragePostgres:
		db, err := openDB(ctx, "postgres", cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, err
		}
		b.db = db
		b.registry = rules.NewPostgresRegistry(db)

	case config.StorageSQLite:
		db, err := openDB(ctx, "sqlite", cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		// SQLite serializes writers; one connection avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
		b.db = db
		b.registry = rules.NewSQLiteRegistry(db)

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	switch cfg.Content.Backend {
	case config.ContentMemory:
		store := rules.NewInMemoryContentStore()
		b.content, b.purger = store, store

	case config.ContentSQL:
		if b.db == nil {
			b.Close()
			return nil, fmt.Errorf("sql content backend requires a database storage backend")
		}
		var store *rules.SQLContentStore
		if cfg.Storage.Backend == config.StorageSQLite {
			store = rules.NewSQLiteContentStore(b.db)
		} else {
			store = rules.NewPostgresContentStore(b.db)
		}
		b.content, b.purger = store, store

	case config.ContentNATS:
		nc, err := nats.Connect(cfg.Content.NATSURL, nats.Name("rulesets"))
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		b.nc = nc

		js, err := jetstream.New(nc)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}
		store, err := rules.NewNATSContentStore(ctx, js, cfg.Content.NATSBucket, cfg.Content.TTL)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.content = store

	default:
		b.Close()
		return nil, fmt.Errorf("unknown content backend %q", cfg.Content.Backend)
	}

	return b, nil
}

func openDB(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Health reports whether the external stores are reachable
func (b *backends) Health(ctx context.Context) error {
	if b.db != nil {
		if err := b.db.PingContext(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if b.nc != nil && !b.nc.IsConnected() {
		return errors.New("nats: not connected")
	}
	return nil
}

func (b *backends) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
	if b.db != nil {
		b.db.Close()
	}
}
