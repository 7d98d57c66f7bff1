package model

import "time"

// Job state constants
const (
	JobRunning = "running"
	JobCrashed = "crashed"
	JobDone    = "done"
)

// Job is the ledger entry for the analyzer run of a digest. Only the holder
// of an unexpired lease may run the analyzer for it.
type Job struct {
	Digest     Digest    `json:"digest"`
	Owner      string    `json:"owner"`
	Attempts   int       `json:"attempts"`
	State      string    `json:"state"`
	PID        int       `json:"pid,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	ClaimedAt  time.Time `json:"claimed_at"`
	LeaseUntil time.Time `json:"lease_until"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Expired reports whether the lease has run out at now.
func (j Job) Expired(now time.Time) bool {
	return !now.Before(j.LeaseUntil)
}

// Claim is the result of winning the right to run a job.
type Claim struct {
	Digest  Digest
	Owner   string
	Attempt int
}

// Submission records that a client uploaded an artifact.
type Submission struct {
	Digest      Digest    `json:"digest"`
	Filename    string    `json:"filename"`
	Size        int64     `json:"size"`
	Count       int       `json:"count"`
	SubmittedAt time.Time `json:"submitted_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewSubmission creates a submission stamped now.
func NewSubmission(d Digest, filename string, size int64) Submission {
	now := time.Now().UTC()
	return Submission{
		Digest:      d,
		Filename:    filename,
		Size:        size,
		Count:       1,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
}
