package store

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_registrations (
	job_key       TEXT PRIMARY KEY,
	namespace     TEXT NOT NULL,
	job_id        INTEGER NOT NULL,
	period_ns     BIGINT NOT NULL,
	preconditions TEXT NOT NULL DEFAULT '',
	last_run_at   {{timestamp}},
	created_at    {{timestamp}} NOT NULL,
	updated_at    {{timestamp}} NOT NULL
);

CREATE TABLE IF NOT EXISTS job_executions (
	id            TEXT PRIMARY KEY,
	job_key       TEXT NOT NULL,
	status        TEXT NOT NULL,
	started_at    {{timestamp}} NOT NULL,
	finished_at   {{timestamp}},
	duration_ms   BIGINT,
	stop_reason   TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_job_executions_key_started
	ON job_executions (job_key, started_at DESC);
`

// Migrate creates the tables if they do not exist
func (s *SQLStore) Migrate(ctx context.Context) error {
	timestampType := "TIMESTAMP"
	if s.driver == DriverPostgres {
		timestampType = "TIMESTAMPTZ"
	}
	ddl := strings.ReplaceAll(schema, "{{timestamp}}", timestampType)

	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "migrate job store")
		}
	}

	s.logger.Debug().Str("action", "migrate").Str("driver", s.driver).Msg("Job store schema ready")
	return nil
}
