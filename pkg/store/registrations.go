package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/companion-lens/core/pkg/jobs"
)

const registrationColumns = `job_key, namespace, job_id, period_ns, preconditions, last_run_at, created_at, updated_at`

// SaveRegistration inserts or updates a registration by key
func (s *SQLStore) SaveRegistration(ctx context.Context, reg jobs.Registration) error {
	query := `INSERT INTO job_registrations (` + registrationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_key) DO UPDATE SET
			namespace = excluded.namespace,
			job_id = excluded.job_id,
			period_ns = excluded.period_ns,
			preconditions = excluded.preconditions,
			last_run_at = excluded.last_run_at,
			updated_at = excluded.updated_at`

	_, err := s.exec(ctx, "upsert", "job_registrations", query,
		reg.Key,
		reg.Namespace,
		reg.JobID,
		int64(reg.Period),
		reg.Preconditions,
		nullTime(reg.LastRunAt),
		reg.CreatedAt.UTC(),
		reg.UpdatedAt.UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "save registration %s", reg.Key)
	}
	return nil
}

// GetRegistration returns the registration for key, or nil if there is none
func (s *SQLStore) GetRegistration(ctx context.Context, key string) (*jobs.Registration, error) {
	query := `SELECT ` + registrationColumns + ` FROM job_registrations WHERE job_key = ?`

	reg, err := scanRegistration(s.db.QueryRowContext(ctx, s.rebind(query), key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get registration %s", key)
	}
	return reg, nil
}

// ListRegistrations returns every registration ordered by key
func (s *SQLStore) ListRegistrations(ctx context.Context) ([]jobs.Registration, error) {
	query := `SELECT ` + registrationColumns + ` FROM job_registrations ORDER BY job_key`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "list registrations")
	}
	defer func() { _ = rows.Close() }()

	var regs []jobs.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan registration")
		}
		regs = append(regs, *reg)
	}
	return regs, errors.Wrap(rows.Err(), "iterate registrations")
}

// MarkRun records when the job last ran
func (s *SQLStore) MarkRun(ctx context.Context, key string, at time.Time) error {
	query := `UPDATE job_registrations SET last_run_at = ?, updated_at = ? WHERE job_key = ?`

	affected, err := s.exec(ctx, "update", "job_registrations", query, at.UTC(), time.Now().UTC(), key)
	if err != nil {
		return errors.Wrapf(err, "mark run %s", key)
	}
	if affected == 0 {
		return errors.Wrapf(jobs.ErrNotRegistered, "mark run %s", key)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRegistration(row rowScanner) (*jobs.Registration, error) {
	var (
		reg      jobs.Registration
		periodNs int64
		lastRun  sql.NullTime
	)
	if err := row.Scan(
		&reg.Key,
		&reg.Namespace,
		&reg.JobID,
		&periodNs,
		&reg.Preconditions,
		&lastRun,
		&reg.CreatedAt,
		&reg.UpdatedAt,
	); err != nil {
		return nil, err
	}
	reg.Period = time.Duration(periodNs)
	reg.LastRunAt = timePtr(lastRun)
	reg.CreatedAt = reg.CreatedAt.UTC()
	reg.UpdatedAt = reg.UpdatedAt.UTC()
	return &reg, nil
}
