package model

import (
	"encoding/json"
	"time"
)

// Outcome constants
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Failure kinds
const (
	// FailureAnalyzer: the analyzer reported a domain failure.
	FailureAnalyzer = "analyzer"
	// FailurePanic: the analyzer raised an unexpected condition.
	FailurePanic = "panic"
	// FailureCrash: the worker process repeatedly exited without a result.
	FailureCrash = "crash"
	// FailureCorrupt: the persisted record could not be decoded.
	FailureCorrupt = "corrupt"
)

// Failure describes why a job did not produce an analysis result.
type Failure struct {
	Kind      string `json:"kind" cbor:"kind"`
	Message   string `json:"message" cbor:"message"`
	Condition string `json:"condition,omitempty" cbor:"condition,omitempty"`
}

// ResultRecord is the immutable outcome of the single job for a digest.
// Result holds the analyzer output as JSON; the cache does not interpret it.
type ResultRecord struct {
	Digest      Digest          `json:"digest" cbor:"digest"`
	Outcome     string          `json:"outcome" cbor:"outcome"`
	Result      json.RawMessage `json:"result,omitempty" cbor:"result,omitempty"`
	Failure     *Failure        `json:"failure,omitempty" cbor:"failure,omitempty"`
	CompletedAt time.Time       `json:"completed_at" cbor:"completed_at"`
}

// NewSuccessRecord creates a success record carrying result.
func NewSuccessRecord(d Digest, result json.RawMessage) ResultRecord {
	return ResultRecord{
		Digest:      d,
		Outcome:     OutcomeSuccess,
		Result:      result,
		CompletedAt: time.Now().UTC(),
	}
}

// NewFailureRecord creates a failure record.
func NewFailureRecord(d Digest, kind, message, condition string) ResultRecord {
	return ResultRecord{
		Digest:  d,
		Outcome: OutcomeFailure,
		Failure: &Failure{
			Kind:      kind,
			Message:   message,
			Condition: condition,
		},
		CompletedAt: time.Now().UTC(),
	}
}

// Failed reports whether the record is a failure.
func (r ResultRecord) Failed() bool {
	return r.Outcome == OutcomeFailure
}

// Poll states
const (
	StatePending = "pending"
	StateDone    = "done"
)

// PollOutcome is what a poller observes for a digest: pending, or done with
// the record. Failures are done too.
type PollOutcome struct {
	State  string        `json:"state"`
	Record *ResultRecord `json:"record,omitempty"`
}

// Pending returns the pending outcome.
func Pending() PollOutcome {
	return PollOutcome{State: StatePending}
}

// Done returns the terminal outcome for r.
func Done(r ResultRecord) PollOutcome {
	return PollOutcome{State: StateDone, Record: &r}
}

// IsDone reports whether polling can stop.
func (p PollOutcome) IsDone() bool {
	return p.State == StateDone
}
