// Package background runs attachment promotions outside the request that
// saved the record, using a SQLite-backed job queue.
package background

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"attachkit/internal/attach"
)

const (
	// DefaultMaxAttempts is how often a job may fail before the queue stops
	// handing it out.
	DefaultMaxAttempts = 5

	// DefaultClaimTimeout is how long a claimed job stays with its worker
	// before another worker may take it over.
	DefaultClaimTimeout = 10 * time.Minute

	// DefaultRetryDelay is the wait after the first failure. It doubles with
	// every further failure, up to maxRetryDelay.
	DefaultRetryDelay = 30 * time.Second

	maxRetryDelay = time.Hour
)

// Job is a queued promotion. CreatedAt is only filled in by Failed.
type Job struct {
	ID        string
	Dump      attach.Dump
	Attempts  int
	LastError string
	CreatedAt time.Time
}

// Queue stores promotion jobs in the promotion_jobs table.
type Queue struct {
	db          *sql.DB
	clock       attach.Clock
	idgen       attach.IDGenerator
	maxAttempts int

	claimTimeout time.Duration
	retryDelay   time.Duration
}

// NewQueue creates a queue on db, which must have the schema migrations applied.
// Nil clock and idgen fall back to the real clock and random UUIDs.
func NewQueue(db *sql.DB, clock attach.Clock, idgen attach.IDGenerator, maxAttempts int) *Queue {
	if clock == nil {
		clock = attach.RealClock{}
	}
	if idgen == nil {
		idgen = attach.UUIDGenerator{}
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Queue{
		db:           db,
		clock:        clock,
		idgen:        idgen,
		maxAttempts:  maxAttempts,
		claimTimeout: DefaultClaimTimeout,
		retryDelay:   DefaultRetryDelay,
	}
}

func (q *Queue) now() time.Time {
	return q.clock.Now().UTC()
}

// backoff returns the wait before a job that has failed attempts times is
// handed out again.
func (q *Queue) backoff(attempts int) time.Duration {
	d := q.retryDelay
	for i := 1; i < attempts && d < maxRetryDelay; i++ {
		d *= 2
	}
	return min(d, maxRetryDelay)
}

// Enqueue adds a promotion job for dump.
func (q *Queue) Enqueue(ctx context.Context, dump attach.Dump) error {
	body, err := json.Marshal(dump)
	if err != nil {
		return fmt.Errorf("encoding dump: %w", err)
	}
	_, err = q.db.ExecContext(ctx,
		"INSERT INTO promotion_jobs (id, dump, attempts, created_at) VALUES (?, ?, 0, ?)",
		q.idgen.New(), string(body), q.now())
	if err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}
	return nil
}

// ProcessNext claims the oldest runnable job and runs fn on it. A job is
// removed when fn succeeds. When fn fails the job is released with its
// attempt count and error recorded, and it becomes runnable again after a
// backoff. It reports whether a job was found; fn's error is recorded on the
// job, not returned.
func (q *Queue) ProcessNext(ctx context.Context, fn func(context.Context, Job) error) (bool, error) {
	job, err := q.claim(ctx)
	if err != nil || job == nil {
		return false, err
	}

	if runErr := fn(ctx, *job); runErr != nil {
		retryAfter := q.now().Add(q.backoff(job.Attempts + 1))
		_, err := q.db.ExecContext(ctx,
			"UPDATE promotion_jobs SET claimed_at = NULL, attempts = attempts + 1, last_error = ?, retry_after = ? WHERE id = ?",
			runErr.Error(), retryAfter, job.ID)
		if err != nil {
			return true, fmt.Errorf("releasing job %s: %w", job.ID, err)
		}
		return true, nil
	}

	if _, err := q.db.ExecContext(ctx, "DELETE FROM promotion_jobs WHERE id = ?", job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// claim marks the oldest runnable job as claimed and returns it, or nil.
// A job is runnable when it is below the attempt limit, its backoff has
// passed, and it is unclaimed or its claim is older than the claim timeout.
// Jobs whose dump cannot be decoded are marked failed and skipped.
func (q *Queue) claim(ctx context.Context) (*Job, error) {
	for {
		var (
			job       Job
			body      string
			lastError sql.NullString
		)
		now := q.now()
		err := q.db.QueryRowContext(ctx, `
			UPDATE promotion_jobs SET claimed_at = ?
			WHERE id = (
				SELECT id FROM promotion_jobs
				WHERE attempts < ?
					AND (claimed_at IS NULL OR claimed_at < ?)
					AND (retry_after IS NULL OR retry_after <= ?)
				ORDER BY created_at, id
				LIMIT 1
			)
			RETURNING id, dump, attempts, last_error`,
			now, q.maxAttempts, now.Add(-q.claimTimeout), now,
		).Scan(&job.ID, &body, &job.Attempts, &lastError)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, fmt.Errorf("claiming job: %w", err)
		}
		if err := json.Unmarshal([]byte(body), &job.Dump); err != nil {
			if failErr := q.fail(ctx, job.ID, fmt.Errorf("decoding dump: %w", err)); failErr != nil {
				return nil, failErr
			}
			continue
		}
		job.LastError = lastError.String
		return &job, nil
	}
}

// fail releases a job with the attempt limit reached, so it is only listed
// by Failed from now on.
func (q *Queue) fail(ctx context.Context, id string, cause error) error {
	_, err := q.db.ExecContext(ctx,
		"UPDATE promotion_jobs SET claimed_at = NULL, attempts = ?, last_error = ? WHERE id = ?",
		q.maxAttempts, cause.Error(), id)
	if err != nil {
		return fmt.Errorf("failing job %s: %w", id, err)
	}
	return nil
}

// Count returns the number of queued jobs, including failed ones.
func (q *Queue) Count(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM promotion_jobs").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting jobs: %w", err)
	}
	return n, nil
}

// Failed returns jobs that reached the attempt limit, oldest first.
func (q *Queue) Failed(ctx context.Context) ([]Job, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, dump, attempts, last_error, created_at FROM promotion_jobs
		WHERE attempts >= ? ORDER BY created_at, id`, q.maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("listing failed jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var (
			job       Job
			body      string
			lastError sql.NullString
		)
		if err := rows.Scan(&job.ID, &body, &job.Attempts, &lastError, &job.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		// An undecodable dump leaves Dump empty; LastError says why.
		_ = json.Unmarshal([]byte(body), &job.Dump)
		job.LastError = lastError.String
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
