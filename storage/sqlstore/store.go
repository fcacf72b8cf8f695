// Package sqlstore keeps lifecycle records in SQLite or PostgreSQL for
// deployments that share state between governor instances or want it
// queryable with SQL.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// Database drivers
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/yairfalse/sunset/storage"
	"github.com/yairfalse/sunset/types"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Dialect selects the SQL backend
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Config holds SQL store configuration
type Config struct {
	Dialect         Dialect
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store implements storage.Store on database/sql
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var _ storage.Store = (*Store)(nil)

// Open connects, verifies the connection and applies migrations
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, types.Persistence("open", errors.New("database DSN is required"))
	}

	driver, dsn := "", cfg.DSN
	switch cfg.Dialect {
	case DialectSQLite:
		driver = "sqlite"
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		}
	case DialectPostgres:
		driver = "postgres"
	default:
		return nil, types.Persistence("open", fmt.Errorf("unsupported dialect %q", cfg.Dialect))
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
		if cfg.Dialect == DialectSQLite {
			cfg.MaxOpenConns = 1
		}
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, types.Persistence("open", fmt.Errorf("failed to open database: %w", err))
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, types.Persistence("open", fmt.Errorf("failed to ping database: %w", err))
	}

	s := &Store{db: db, dialect: cfg.Dialect}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, types.Persistence("migrate", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	source, err := iofs.New(migrationsFS, "migrations/"+string(s.dialect))
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	var drv database.Driver
	switch s.dialect {
	case DialectSQLite:
		drv, err = sqlite.WithInstance(s.db, &sqlite.Config{})
	case DialectPostgres:
		drv, err = postgres.WithInstance(s.db, &postgres.Config{})
	}
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, string(s.dialect), drv)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// HealthCheck verifies the database is reachable
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return types.Persistence("ping", err)
	}
	return nil
}

// Get loads the record for resourceID or returns storage.ErrNotFound
func (s *Store) Get(ctx context.Context, resourceID string) (*types.LifecycleRecord, error) {
	var body string
	var revision int64
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT body, revision FROM lifecycle_records WHERE resource_id = ?`),
		resourceID,
	).Scan(&body, &revision)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, types.Persistence("get", err).WithResource(resourceID)
	}

	rec, err := decode(body, revision)
	if err != nil {
		return nil, types.Persistence("get", err).WithResource(resourceID)
	}
	return rec, nil
}

// Put upserts rec and bumps its revision
func (s *Store) Put(ctx context.Context, rec *types.LifecycleRecord) error {
	if err := rec.Validate(); err != nil {
		return types.Persistence("put", err).WithResource(rec.ResourceID)
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return types.Persistence("put", err).WithResource(rec.ResourceID)
	}

	query := s.rebind(`
		INSERT INTO lifecycle_records (resource_id, phase, revision, deleted_at, updated_at, body)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT (resource_id) DO UPDATE SET
			phase = excluded.phase,
			revision = lifecycle_records.revision + 1,
			deleted_at = excluded.deleted_at,
			updated_at = excluded.updated_at,
			body = excluded.body
		RETURNING revision`)

	var revision int64
	err = s.db.QueryRowContext(ctx, query,
		rec.ResourceID,
		string(rec.Phase),
		unixOrZero(rec.DeletedAt),
		unixOrZero(rec.UpdatedAt),
		string(body),
	).Scan(&revision)
	if err != nil {
		return types.Persistence("put", err).WithResource(rec.ResourceID)
	}

	rec.Revision = revision
	return nil
}

// Delete removes a record; deleting a missing record is not an error
func (s *Store) Delete(ctx context.Context, resourceID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM lifecycle_records WHERE resource_id = ?`), resourceID)
	if err != nil {
		return types.Persistence("delete", err).WithResource(resourceID)
	}
	return nil
}

// ListByPhase returns every record in phase, ordered by resource ID
func (s *Store) ListByPhase(ctx context.Context, phase types.Phase) ([]types.LifecycleRecord, error) {
	return s.query(ctx, "list",
		`SELECT body, revision FROM lifecycle_records WHERE phase = ? ORDER BY resource_id`,
		string(phase))
}

// List returns every record ordered by resource ID
func (s *Store) List(ctx context.Context) ([]types.LifecycleRecord, error) {
	return s.query(ctx, "list", `SELECT body, revision FROM lifecycle_records ORDER BY resource_id`)
}

// Prune removes deleted records whose deletion happened before olderThan
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM lifecycle_records WHERE phase = ? AND deleted_at > 0 AND deleted_at < ?`),
		string(types.PhaseDeleted), olderThan.UnixNano())
	if err != nil {
		return 0, types.Persistence("prune", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, types.Persistence("prune", err)
	}
	return int(n), nil
}

func (s *Store) query(ctx context.Context, op, query string, args ...any) ([]types.LifecycleRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, types.Persistence(op, err)
	}
	defer func() { _ = rows.Close() }()

	var records []types.LifecycleRecord
	for rows.Next() {
		var body string
		var revision int64
		if err := rows.Scan(&body, &revision); err != nil {
			return nil, types.Persistence(op, err)
		}
		rec, err := decode(body, revision)
		if err != nil {
			return nil, types.Persistence(op, err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.Persistence(op, err)
	}
	return records, nil
}

// rebind rewrites ? placeholders to $n for postgres
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func decode(body string, revision int64) (*types.LifecycleRecord, error) {
	var rec types.LifecycleRecord
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	rec.Revision = revision
	return &rec, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
