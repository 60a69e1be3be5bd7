package jobs

import (
	"context"
	"crypto/md5"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/companion-lens/core/pkg/database"
	"github.com/companion-lens/core/pkg/logger"
)

const (
	tryLockQuery = "SELECT pg_try_advisory_lock($1)"
	unlockQuery  = "SELECT pg_advisory_unlock($1)"

	lockPollInterval = 100 * time.Millisecond
)

// JobLockManager keeps a job from running on two processes at once
type JobLockManager interface {
	// AcquireLock returns true if the lock was taken, false if another holder has it
	AcquireLock(ctx context.Context, jobKey string) (bool, error)

	// ReleaseLock releases a lock previously taken by this manager
	ReleaseLock(ctx context.Context, jobKey string) error

	// IsLocked reports whether some holder currently has the lock
	IsLocked(ctx context.Context, jobKey string) (bool, error)

	// AcquireLockWithTimeout polls for the lock until timeout
	AcquireLockWithTimeout(ctx context.Context, jobKey string, timeout time.Duration) (bool, error)
}

// PostgreSQLLockManager implements JobLockManager with PostgreSQL advisory locks.
//
// Advisory locks belong to a session, so db must be a single connection
// (*pgx.Conn or an acquired *pgxpool.Conn), not a pool. Calls are
// serialised because a pgx connection is not safe for concurrent use.
type PostgreSQLLockManager struct {
	mu     sync.Mutex
	db     database.DBTX
	logger *logger.Logger
}

// NewPostgreSQLLockManager creates a new PostgreSQL-based lock manager
func NewPostgreSQLLockManager(db database.DBTX) JobLockManager {
	return &PostgreSQLLockManager{
		db:     db,
		logger: logger.New("job-lock-manager"),
	}
}

// generateLockID derives the int64 advisory lock key from the job key.
// The same job key always maps to the same positive id.
func (p *PostgreSQLLockManager) generateLockID(jobKey string) int64 {
	hash := md5.Sum([]byte(jobKey))

	lockID := int64(0)
	for i := 0; i < 8; i++ {
		lockID = lockID<<8 + int64(hash[i])
	}

	if lockID < 0 {
		lockID = -lockID
	}

	return lockID
}

func (p *PostgreSQLLockManager) queryBool(ctx context.Context, query string, lockID int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result bool
	if err := p.db.QueryRow(ctx, query, lockID).Scan(&result); err != nil {
		return false, err
	}
	return result, nil
}

// AcquireLock attempts to take the advisory lock without waiting
func (p *PostgreSQLLockManager) AcquireLock(ctx context.Context, jobKey string) (bool, error) {
	lockID := p.generateLockID(jobKey)

	acquired, err := p.queryBool(ctx, tryLockQuery, lockID)
	if err != nil {
		p.logger.Error().
			Err(err).
			Str("job_key", jobKey).
			Int64("lock_id", lockID).
			Str("action", "acquire_lock_failed").
			Msg("Failed to acquire job lock")
		return false, errors.Wrapf(err, "acquire lock for job %s", jobKey)
	}

	p.logger.Debug().
		Str("job_key", jobKey).
		Int64("lock_id", lockID).
		Bool("acquired", acquired).
		Str("action", "acquire_lock").
		Msg("Advisory lock attempt finished")

	return acquired, nil
}

// ReleaseLock releases the advisory lock for jobKey
func (p *PostgreSQLLockManager) ReleaseLock(ctx context.Context, jobKey string) error {
	lockID := p.generateLockID(jobKey)

	released, err := p.queryBool(ctx, unlockQuery, lockID)
	if err != nil {
		p.logger.Error().
			Err(err).
			Str("job_key", jobKey).
			Int64("lock_id", lockID).
			Str("action", "release_lock_failed").
			Msg("Failed to release job lock")
		return errors.Wrapf(err, "release lock for job %s", jobKey)
	}

	if !released {
		p.logger.Warn().
			Str("job_key", jobKey).
			Int64("lock_id", lockID).
			Str("action", "lock_not_held").
			Msg("Attempted to release lock that was not held")
	}

	return nil
}

// IsLocked checks the lock by taking it and giving it straight back
func (p *PostgreSQLLockManager) IsLocked(ctx context.Context, jobKey string) (bool, error) {
	lockID := p.generateLockID(jobKey)

	canAcquire, err := p.queryBool(ctx, tryLockQuery, lockID)
	if err != nil {
		return false, errors.Wrapf(err, "check lock status for job %s", jobKey)
	}
	if !canAcquire {
		return true, nil
	}

	if _, err := p.queryBool(ctx, unlockQuery, lockID); err != nil {
		p.logger.Warn().
			Err(err).
			Str("job_key", jobKey).
			Msg("Failed to release lock after check")
	}
	return false, nil
}

// AcquireLockWithTimeout polls AcquireLock until it succeeds or timeout expires
func (p *PostgreSQLLockManager) AcquireLockWithTimeout(ctx context.Context, jobKey string, timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		acquired, err := p.AcquireLock(ctx, jobKey)
		if err != nil {
			return false, err
		}
		if acquired {
			return true, nil
		}

		select {
		case <-ctx.Done():
			p.logger.Debug().
				Str("job_key", jobKey).
				Dur("timeout", timeout).
				Str("action", "lock_wait_timeout").
				Msg("Lock acquisition timed out")
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// LockGuard releases a lock only if it was the one that took it
type LockGuard struct {
	lockManager JobLockManager
	jobKey      string
	acquired    bool
}

// NewLockGuard creates a guard for jobKey; call Release in a defer
func NewLockGuard(lockManager JobLockManager, jobKey string) *LockGuard {
	return &LockGuard{
		lockManager: lockManager,
		jobKey:      jobKey,
	}
}

// Acquire attempts to acquire the lock
func (lg *LockGuard) Acquire(ctx context.Context) (bool, error) {
	acquired, err := lg.lockManager.AcquireLock(ctx, lg.jobKey)
	if err != nil {
		return false, err
	}
	lg.acquired = acquired
	return acquired, nil
}

// AcquireWithTimeout attempts to acquire the lock with timeout
func (lg *LockGuard) AcquireWithTimeout(ctx context.Context, timeout time.Duration) (bool, error) {
	acquired, err := lg.lockManager.AcquireLockWithTimeout(ctx, lg.jobKey, timeout)
	if err != nil {
		return false, err
	}
	lg.acquired = acquired
	return acquired, nil
}

// Release releases the lock if it was acquired
func (lg *LockGuard) Release(ctx context.Context) error {
	if !lg.acquired {
		return nil
	}
	if err := lg.lockManager.ReleaseLock(ctx, lg.jobKey); err != nil {
		return err
	}
	lg.acquired = false
	return nil
}

// IsAcquired returns whether the lock is currently held by this guard
func (lg *LockGuard) IsAcquired() bool {
	return lg.acquired
}
