//go:build integration
// +build integration

package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgres creates a PostgreSQL container with the schema applied
func setupPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "rulesets_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("host=%s port=%s user=test password=test dbname=rulesets_test sslmode=disable", host, port.Port())

	// Wait for connection to be available
	var db *sql.DB
	for i := 0; i < 30; i++ {
		db, err = sql.Open("postgres", connStr)
		if err == nil {
			if err = db.Ping(); err == nil {
				break
			}
			db.Close()
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	applySchema(t, db, filepath.Join("..", "migrations", "postgres", "000001_initial_schema.up.sql"))
	return db
}

func truncate(t *testing.T, db *sql.DB) {
	t.Helper()
	if _, err := db.Exec(`TRUNCATE ruleset_metadata, ruleset_content`); err != nil {
		t.Fatalf("Failed to truncate tables: %v", err)
	}
}

func TestPostgresStores(t *testing.T) {
	db := setupPostgres(t)

	t.Run("registry", func(t *testing.T) {
		truncate(t, db)
		testRegistry(t, NewPostgresRegistry(db))
	})

	t.Run("content store", func(t *testing.T) {
		truncate(t, db)
		clock := newFakeClock()
		store := NewPostgresContentStore(db)
		store.now = clock.Now
		testContentStore(t, store, clock)
	})

	t.Run("engine", func(t *testing.T) {
		truncate(t, db)
		ctx := context.Background()
		registry := NewPostgresRegistry(db)
		content := NewPostgresContentStore(db)

		en, err := NewEngine(ctx, registry, content, DefaultConfig())
		if err != nil {
			t.Fatal(err)
		}
		res := en.Deploy(ctx, discountV1)
		if !res.Successful {
			t.Fatalf("Deploy() failed: %+v", res)
		}
		if _, err := en.Execute(ctx, res.ID, Facts{"amount": 60}); err != nil {
			t.Fatal(err)
		}
		if r := en.UpdateByID(ctx, res.ID, discountV2, "1.1"); !r.Successful {
			t.Fatalf("UpdateByID() failed: %+v", r)
		}

		meta, err := registry.Get(ctx, res.ID)
		if err != nil {
			t.Fatal(err)
		}
		if meta.Version != "1.1" || meta.ExecutionCount != 1 {
			t.Errorf("metadata = %+v, want version 1.1 with 1 execution", meta)
		}

		restarted, err := NewEngine(ctx, registry, content, DefaultConfig())
		if err != nil {
			t.Fatal(err)
		}
		out, err := restarted.Execute(ctx, res.ID, Facts{"amount": 60})
		if err != nil || out.Outputs["discount"] != int64(20) {
			t.Errorf("Execute() after restart = %+v, %v", out, err)
		}
	})
}

// setupJetStream starts a NATS server with JetStream enabled
func setupJetStream(t *testing.T) jetstream.JetStream {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "nats:2.10-alpine",
		ExposedPorts: []string{"4222/tcp"},
		Cmd:          []string{"-js"},
		WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start NATS container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "4222")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	nc, err := nats.Connect(fmt.Sprintf("nats://%s:%s", host, port.Port()))
	if err != nil {
		t.Fatalf("Failed to connect to NATS: %v", err)
	}
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("Failed to create JetStream context: %v", err)
	}
	return js
}

func TestNATSContentStore(t *testing.T) {
	ctx := context.Background()
	js := setupJetStream(t)

	store, err := NewNATSContentStore(ctx, js, "", time.Hour)
	if err != nil {
		t.Fatalf("NewNATSContentStore() failed: %v", err)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrContentMissing) {
		t.Errorf("Get(unknown) = %v, want ErrContentMissing", err)
	}

	id := FingerprintContent(discountV1)
	if err := store.Put(ctx, id, discountV1, time.Hour); err != nil {
		t.Fatal(err)
	}
	got, err := store.Get(ctx, id)
	if err != nil || got != discountV1 {
		t.Errorf("Get() = %q, %v", got, err)
	}

	expiresAt, err := store.ExpiresAt(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if d := time.Until(expiresAt); d <= 59*time.Minute || d > time.Hour {
		t.Errorf("ExpiresAt() is %v away, want about one hour", d)
	}

	if err := store.Delete(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, id); !errors.Is(err, ErrContentMissing) {
		t.Errorf("Get() after Delete = %v, want ErrContentMissing", err)
	}
	if err := store.Delete(ctx, "never-stored"); err != nil {
		t.Errorf("Delete(unknown) = %v", err)
	}

	t.Run("bucket ttl", func(t *testing.T) {
		short, err := NewNATSContentStore(ctx, js, "short_lived", time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if err := short.Put(ctx, id, discountV1, time.Second); err != nil {
			t.Fatal(err)
		}

		deadline := time.Now().Add(15 * time.Second)
		for {
			_, err := short.Get(ctx, id)
			if errors.Is(err, ErrContentMissing) {
				return
			}
			if time.Now().After(deadline) {
				t.Fatalf("content did not expire, last error: %v", err)
			}
			time.Sleep(250 * time.Millisecond)
		}
	})

	t.Run("engine", func(t *testing.T) {
		en, err := NewEngine(ctx, NewInMemoryRegistry(), store, DefaultConfig())
		if err != nil {
			t.Fatal(err)
		}
		res := en.Deploy(ctx, discountV1)
		if !res.Successful {
			t.Fatalf("Deploy() failed: %+v", res)
		}
		if err := en.Reload(ctx, res.ID); err != nil {
			t.Fatalf("Reload() from NATS failed: %v", err)
		}
		out, err := en.Execute(ctx, res.ID, Facts{"amount": 60})
		if err != nil || out.Outputs["discount"] != int64(10) {
			t.Errorf("Execute() = %+v, %v", out, err)
		}
	})
}
