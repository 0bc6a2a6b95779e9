package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder syntax for the SQL-backed stores
type Dialect int

const (
	// DialectPostgres uses $n placeholders (lib/pq, driver name "postgres")
	DialectPostgres Dialect = iota
	// DialectSQLite uses ? placeholders (modernc.org/sqlite, driver name "sqlite")
	DialectSQLite
)

var placeholderPattern = regexp.MustCompile(`\$\d+`)

// rebind rewrites $n placeholders for the dialect. Queries must use each
// placeholder once, in increasing order.
func (d Dialect) rebind(query string) string {
	if d == DialectSQLite {
		return placeholderPattern.ReplaceAllString(query, "?")
	}
	return query
}

const metadataColumns = `id, name, version, status, created_at, last_updated, execution_count`

// SQLRegistry implements Registry backed by a ruleset_metadata table.
// The schema lives in migrations/.
type SQLRegistry struct {
	db      *sql.DB
	dialect Dialect

	upsertQuery    string
	getQuery       string
	versionQuery   string
	nameQuery      string
	listQuery      string
	incrementQuery string
}

var _ Registry = (*SQLRegistry)(nil)

// NewPostgresRegistry creates a PostgreSQL-backed registry
func NewPostgresRegistry(db *sql.DB) *SQLRegistry {
	return newSQLRegistry(db, DialectPostgres)
}

// NewSQLiteRegistry creates a SQLite-backed registry
func NewSQLiteRegistry(db *sql.DB) *SQLRegistry {
	return newSQLRegistry(db, DialectSQLite)
}

func newSQLRegistry(db *sql.DB, d Dialect) *SQLRegistry {
	return &SQLRegistry{
		db:      db,
		dialect: d,
		upsertQuery: d.rebind(`
			INSERT INTO ruleset_metadata (` + metadataColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name,
				version = excluded.version,
				status = excluded.status,
				last_updated = excluded.last_updated`),
		getQuery: d.rebind(`
			SELECT ` + metadataColumns + `
			FROM ruleset_metadata
			WHERE id = $1`),
		versionQuery: d.rebind(`
			SELECT ` + metadataColumns + `
			FROM ruleset_metadata
			WHERE version = $1 AND status <> 'DELETED'
			ORDER BY created_at ASC, id ASC`),
		nameQuery: d.rebind(`
			SELECT ` + metadataColumns + `
			FROM ruleset_metadata
			WHERE name = $1 AND status <> 'DELETED'
			ORDER BY created_at ASC, id ASC`),
		listQuery: `
			SELECT ` + metadataColumns + `
			FROM ruleset_metadata
			ORDER BY created_at ASC, id ASC`,
		incrementQuery: d.rebind(`
			UPDATE ruleset_metadata
			SET execution_count = execution_count + 1
			WHERE id = $1`),
	}
}

// Put upserts a record. created_at and execution_count are written on insert only.
func (s *SQLRegistry) Put(ctx context.Context, m *RuleSetMetadata) error {
	_, err := s.db.ExecContext(ctx, s.upsertQuery,
		m.ID, m.Name, m.Version, string(m.Status),
		m.CreatedAt.UTC(), m.LastUpdated.UTC(), m.ExecutionCount)
	if err != nil {
		return fmt.Errorf("failed to upsert rule set %s: %w", m.ID, err)
	}
	return nil
}

func (s *SQLRegistry) Get(ctx context.Context, id string) (*RuleSetMetadata, error) {
	m, err := scanMetadata(s.db.QueryRowContext(ctx, s.getQuery, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule set %s: %w", id, err)
	}
	return m, nil
}

func (s *SQLRegistry) FindByVersion(ctx context.Context, version string) ([]*RuleSetMetadata, error) {
	return s.query(ctx, s.versionQuery, version)
}

func (s *SQLRegistry) FindByName(ctx context.Context, name string) ([]*RuleSetMetadata, error) {
	return s.query(ctx, s.nameQuery, name)
}

func (s *SQLRegistry) List(ctx context.Context) ([]*RuleSetMetadata, error) {
	return s.query(ctx, s.listQuery)
}

func (s *SQLRegistry) IncrementExecutions(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.incrementQuery, id)
	if err != nil {
		return fmt.Errorf("failed to increment executions for %s: %w", id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound(id)
	}
	return nil
}

func (s *SQLRegistry) query(ctx context.Context, query string, args ...any) ([]*RuleSetMetadata, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rule sets: %w", err)
	}
	defer rows.Close()

	list := []*RuleSetMetadata{}
	for rows.Next() {
		m, err := scanMetadata(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule set: %w", err)
		}
		list = append(list, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rule sets: %w", err)
	}
	return list, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMetadata(row rowScanner) (*RuleSetMetadata, error) {
	var (
		m      RuleSetMetadata
		status string
	)
	if err := row.Scan(&m.ID, &m.Name, &m.Version, &status,
		&m.CreatedAt, &m.LastUpdated, &m.ExecutionCount); err != nil {
		return nil, err
	}
	m.Status = Status(status)
	m.CreatedAt = m.CreatedAt.UTC()
	m.LastUpdated = m.LastUpdated.UTC()
	return &m, nil
}
