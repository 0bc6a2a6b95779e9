package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLContentStore implements ContentStore on a ruleset_content table.
// Expiry is stored as unix milliseconds so both dialects compare it numerically;
// 0 means the entry never expires.
type SQLContentStore struct {
	db  *sql.DB
	now func() time.Time

	upsertQuery string
	getQuery    string
	expiryQuery string
	deleteQuery string
	purgeQuery  string
}

var (
	_ ContentStore = (*SQLContentStore)(nil)
	_ ExpiryReader = (*SQLContentStore)(nil)
	_ Purger       = (*SQLContentStore)(nil)
)

// NewPostgresContentStore creates a PostgreSQL-backed content store
func NewPostgresContentStore(db *sql.DB) *SQLContentStore {
	return newSQLContentStore(db, DialectPostgres)
}

// NewSQLiteContentStore creates a SQLite-backed content store
func NewSQLiteContentStore(db *sql.DB) *SQLContentStore {
	return newSQLContentStore(db, DialectSQLite)
}

func newSQLContentStore(db *sql.DB, d Dialect) *SQLContentStore {
	return &SQLContentStore{
		db:  db,
		now: time.Now,
		upsertQuery: d.rebind(`
			INSERT INTO ruleset_content (id, content, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET
				content = excluded.content,
				expires_at = excluded.expires_at`),
		getQuery: d.rebind(`
			SELECT content, expires_at
			FROM ruleset_content
			WHERE id = $1`),
		expiryQuery: d.rebind(`SELECT expires_at FROM ruleset_content WHERE id = $1`),
		deleteQuery: d.rebind(`DELETE FROM ruleset_content WHERE id = $1`),
		purgeQuery: d.rebind(`
			DELETE FROM ruleset_content
			WHERE expires_at > 0 AND expires_at <= $1`),
	}
}

func (s *SQLContentStore) Put(ctx context.Context, id, content string, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = s.now().Add(ttl).UnixMilli()
	}

	if _, err := s.db.ExecContext(ctx, s.upsertQuery, id, content, expiresAt); err != nil {
		return fmt.Errorf("failed to store content for %s: %w", id, err)
	}
	return nil
}

func (s *SQLContentStore) Get(ctx context.Context, id string) (string, error) {
	var (
		content   string
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, s.getQuery, id).Scan(&content, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("rule set %s: %w", id, ErrContentMissing)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get content for %s: %w", id, err)
	}

	if expiresAt > 0 && s.now().UnixMilli() >= expiresAt {
		return "", fmt.Errorf("rule set %s: %w", id, ErrContentMissing)
	}
	return content, nil
}

func (s *SQLContentStore) ExpiresAt(ctx context.Context, id string) (time.Time, error) {
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, s.expiryQuery, id).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("rule set %s: %w", id, ErrContentMissing)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get content expiry for %s: %w", id, err)
	}

	if expiresAt == 0 {
		return time.Time{}, nil
	}
	if s.now().UnixMilli() >= expiresAt {
		return time.Time{}, fmt.Errorf("rule set %s: %w", id, ErrContentMissing)
	}
	return time.UnixMilli(expiresAt), nil
}

func (s *SQLContentStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.deleteQuery, id); err != nil {
		return fmt.Errorf("failed to delete content for %s: %w", id, err)
	}
	return nil
}

func (s *SQLContentStore) PurgeExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.purgeQuery, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired content: %w", err)
	}

	purged, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return purged, nil
}
