package store

import (
	"context"
	"time"

	"github.com/yangwenmai/fmucheck/internal/model"
)

// SubmissionStore records uploads for listing and for "was this digest
// ever submitted" checks.
type SubmissionStore interface {
	RecordSubmission(ctx context.Context, sub model.Submission) (model.Submission, bool, error)
	GetSubmission(ctx context.Context, d model.Digest) (*model.Submission, error)
	ListSubmissions(ctx context.Context, limit int) ([]model.Submission, error)
}

// JobClaimer provides the atomic claim used to start at most one job per digest.
type JobClaimer interface {
	ClaimJob(ctx context.Context, d model.Digest, owner string, lease time.Duration, maxAttempts int) (*model.Claim, error)
	SetJobPID(ctx context.Context, d model.Digest, owner string, pid int) error
	FinishJob(ctx context.Context, d model.Digest, owner string, exitCode int, hasResult bool) error
}

// JobReaper provides access to jobs whose lease ran out.
type JobReaper interface {
	ListReclaimable(ctx context.Context, now time.Time) ([]model.Job, error)
	MarkJobDone(ctx context.Context, d model.Digest) error
}

// Ledger combines all operations of the SQLite ledger.
type Ledger interface {
	SubmissionStore
	JobClaimer
	JobReaper
	GetJob(ctx context.Context, d model.Digest) (*model.Job, error)
}
