// Package store persists job registrations and execution history with
// database/sql. PostgreSQL (lib/pq) backs shared deployments and SQLite
// (mattn/go-sqlite3) backs a single device.
package store

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/companion-lens/core/pkg/jobs"
	"github.com/companion-lens/core/pkg/logger"
)

// Supported driver names
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// SQLStore implements jobs.RegistrationStore
type SQLStore struct {
	db     *sql.DB
	driver string
	logger *logger.Logger
}

var _ jobs.RegistrationStore = (*SQLStore)(nil)

// Open connects to the database and creates the schema if needed
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, errors.Newf("unsupported store driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s store", driver)
	}

	if driver == DriverSQLite {
		// SQLite allows one writer; an in-memory database exists per connection
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(5)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "ping %s store", driver)
	}

	s := New(db, driver)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection. The schema is not touched.
func New(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{
		db:     db,
		driver: driver,
		logger: logger.New("job-store"),
	}
}

// Close closes the underlying database
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind turns ? placeholders into $n for PostgreSQL. It rewrites every ?
// byte, so store queries must not put ? inside string literals or
// identifiers; values always go through placeholders.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
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

func (s *SQLStore) exec(ctx context.Context, op, table, query string, args ...interface{}) (int64, error) {
	start := time.Now()
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	var affected int64
	if err == nil {
		affected, _ = res.RowsAffected()
	}
	s.logger.LogDatabaseOperation(op, table, int(affected), time.Since(start), err)
	return affected, err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
