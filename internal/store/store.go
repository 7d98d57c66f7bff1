package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/yangwenmai/fmucheck/internal/model"
)

// Verify at compile time that Store implements all interfaces.
var (
	_ SubmissionStore = (*Store)(nil)
	_ JobClaimer      = (*Store)(nil)
	_ JobReaper       = (*Store)(nil)
	_ Ledger          = (*Store)(nil)
)

// Store is the SQLite ledger of submissions and job claims. Results are not
// stored here: the result cache is the only source of truth for "done".
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Store and initialises the schema.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Open is OpenSQLite followed by New.
func Open(path string) (*Store, error) {
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// currentSchemaVersion is bumped whenever the schema changes.
// Add a new migration function in the migrations slice below.
const currentSchemaVersion = 2

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema version: %w", err)
		}
		version = 0
	} else if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	// Index 0 = migration from v0 to v1, etc.
	migrations := []func() error{
		s.migrateV1, // v0 → v1: submissions and jobs
		s.migrateV2, // v1 → v2: index for the reaper scan
	}

	for i := version; i < len(migrations); i++ {
		if err := migrations[i](); err != nil {
			return fmt.Errorf("migration v%d→v%d: %w", i, i+1, err)
		}
		if _, err := s.db.Exec(`UPDATE schema_version SET version = ?`, i+1); err != nil {
			return fmt.Errorf("update schema version to %d: %w", i+1, err)
		}
	}
	return nil
}

func (s *Store) migrateV1() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS submissions (
		digest       TEXT PRIMARY KEY,
		filename     TEXT NOT NULL,
		size         INTEGER NOT NULL,
		count        INTEGER NOT NULL DEFAULT 1,
		submitted_at INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_submissions_updated ON submissions(updated_at DESC);

	CREATE TABLE IF NOT EXISTS jobs (
		digest      TEXT PRIMARY KEY,
		owner       TEXT NOT NULL,
		attempts    INTEGER NOT NULL,
		state       TEXT NOT NULL,
		pid         INTEGER,
		exit_code   INTEGER,
		claimed_at  INTEGER NOT NULL,
		lease_until INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL
	);
	`)
	return err
}

func (s *Store) migrateV2() error {
	_, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs(state, lease_until)`)
	return err
}

// ---------------------------------------------------------------------------
// Submissions
// ---------------------------------------------------------------------------

// RecordSubmission inserts sub, or bumps the count of an existing digest.
// The returned bool is true for the first submission of the digest.
func (s *Store) RecordSubmission(ctx context.Context, sub model.Submission) (model.Submission, bool, error) {
	submitted := ms(sub.SubmittedAt)
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO submissions (digest, filename, size, count, submitted_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(digest) DO UPDATE SET
			count = submissions.count + 1,
			filename = CASE WHEN excluded.filename != '' THEN excluded.filename ELSE submissions.filename END,
			updated_at = excluded.updated_at
		RETURNING digest, filename, size, count, submitted_at, updated_at`,
		sub.Digest.String(), sub.Filename, sub.Size, submitted, submitted,
	)
	out, err := scanSubmission(row)
	if err != nil {
		return model.Submission{}, false, err
	}
	return *out, out.Count == 1, nil
}

// GetSubmission returns the submission for d or model.ErrNotFound.
func (s *Store) GetSubmission(ctx context.Context, d model.Digest) (*model.Submission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT digest, filename, size, count, submitted_at, updated_at FROM submissions WHERE digest = ?`, d.String())
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("submission %s: %w", d.Short(), model.ErrNotFound)
	}
	return sub, err
}

// ListSubmissions returns the most recently updated submissions first.
func (s *Store) ListSubmissions(ctx context.Context, limit int) ([]model.Submission, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT digest, filename, size, count, submitted_at, updated_at FROM submissions ORDER BY updated_at DESC, digest LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []model.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

// ClaimJob atomically takes the right to run the job for d. It succeeds when
// no job row exists, or when the existing job is not done, its lease has
// expired and it has fewer than maxAttempts attempts. It returns nil, nil
// when another owner holds the job.
func (s *Store) ClaimJob(ctx context.Context, d model.Digest, owner string, lease time.Duration, maxAttempts int) (*model.Claim, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	now := s.now()
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO jobs (digest, owner, attempts, state, pid, exit_code, claimed_at, lease_until, updated_at)
		VALUES (?, ?, 1, ?, NULL, NULL, ?, ?, ?)
		ON CONFLICT(digest) DO UPDATE SET
			owner = excluded.owner,
			attempts = jobs.attempts + 1,
			state = excluded.state,
			pid = NULL,
			exit_code = NULL,
			claimed_at = excluded.claimed_at,
			lease_until = excluded.lease_until,
			updated_at = excluded.updated_at
		WHERE jobs.state != ? AND jobs.lease_until <= excluded.claimed_at AND jobs.attempts < ?
		RETURNING attempts`,
		d.String(), owner, model.JobRunning, ms(now), ms(now.Add(lease)), ms(now),
		model.JobDone, maxAttempts,
	).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", d.Short(), err)
	}
	return &model.Claim{Digest: d, Owner: owner, Attempt: attempts}, nil
}

// SetJobPID records the worker process of the current claim.
func (s *Store) SetJobPID(ctx context.Context, d model.Digest, owner string, pid int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET pid = ?, updated_at = ? WHERE digest = ? AND owner = ?`,
		pid, ms(s.now()), d.String(), owner)
	return err
}

// FinishJob records that owner's worker exited. Without a result the job is
// marked crashed and its lease expires immediately so it can be reclaimed.
// A finish from an owner that lost the lease meanwhile is ignored.
func (s *Store) FinishJob(ctx context.Context, d model.Digest, owner string, exitCode int, hasResult bool) error {
	now := ms(s.now())
	var err error
	if hasResult {
		_, err = s.db.ExecContext(ctx, `UPDATE jobs SET state = ?, exit_code = ?, updated_at = ? WHERE digest = ? AND owner = ?`,
			model.JobDone, exitCode, now, d.String(), owner)
	} else {
		_, err = s.db.ExecContext(ctx, `UPDATE jobs SET state = ?, exit_code = ?, lease_until = ?, updated_at = ? WHERE digest = ? AND owner = ? AND state != ?`,
			model.JobCrashed, exitCode, now, now, d.String(), owner, model.JobDone)
	}
	return err
}

// MarkJobDone marks the job for d done regardless of owner.
func (s *Store) MarkJobDone(ctx context.Context, d model.Digest) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET state = ?, updated_at = ? WHERE digest = ?`,
		model.JobDone, ms(s.now()), d.String())
	return err
}

// ListReclaimable returns unfinished jobs whose lease expired at now,
// oldest first.
func (s *Store) ListReclaimable(ctx context.Context, now time.Time) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT digest, owner, attempts, state, pid, exit_code, claimed_at, lease_until, updated_at
		FROM jobs WHERE state != ? AND lease_until <= ? ORDER BY lease_until ASC`,
		model.JobDone, ms(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// GetJob returns the job row for d or model.ErrNotFound.
func (s *Store) GetJob(ctx context.Context, d model.Digest) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT digest, owner, attempts, state, pid, exit_code, claimed_at, lease_until, updated_at
		FROM jobs WHERE digest = ?`, d.String())
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", d.Short(), model.ErrNotFound)
	}
	return j, err
}

// ---------------------------------------------------------------------------
// Scanning helpers
// ---------------------------------------------------------------------------

type scanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row scanner) (*model.Submission, error) {
	var (
		digest               string
		sub                  model.Submission
		submitted, updatedAt int64
	)
	if err := row.Scan(&digest, &sub.Filename, &sub.Size, &sub.Count, &submitted, &updatedAt); err != nil {
		return nil, err
	}
	d, err := model.ParseDigest(digest)
	if err != nil {
		return nil, err
	}
	sub.Digest = d
	sub.SubmittedAt = fromMS(submitted)
	sub.UpdatedAt = fromMS(updatedAt)
	return &sub, nil
}

func scanJob(row scanner) (*model.Job, error) {
	var (
		digest                      string
		j                           model.Job
		pid, exitCode               sql.NullInt64
		claimed, leaseUntil, update int64
	)
	if err := row.Scan(&digest, &j.Owner, &j.Attempts, &j.State, &pid, &exitCode, &claimed, &leaseUntil, &update); err != nil {
		return nil, err
	}
	d, err := model.ParseDigest(digest)
	if err != nil {
		return nil, err
	}
	j.Digest = d
	if pid.Valid {
		j.PID = int(pid.Int64)
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		j.ExitCode = &code
	}
	j.ClaimedAt = fromMS(claimed)
	j.LeaseUntil = fromMS(leaseUntil)
	j.UpdatedAt = fromMS(update)
	return &j, nil
}

func ms(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}
