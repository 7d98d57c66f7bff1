package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a digest has no submission on record.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyWritten is returned by a second write of an existing result.
	ErrAlreadyWritten = errors.New("result already written")

	// ErrInvalidDigest is returned for strings that are not a hex SHA-256.
	ErrInvalidDigest = errors.New("invalid digest")

	// ErrTooLarge is returned for uploads over the configured limit.
	ErrTooLarge = errors.New("artifact too large")

	// ErrEmptyArtifact is returned for zero-length uploads.
	ErrEmptyArtifact = errors.New("artifact is empty")
)

// SubmissionIOError means the artifact bytes could not be stored durably.
// The submission is abandoned and no job is started.
type SubmissionIOError struct {
	Op  string
	Err error
}

func (e *SubmissionIOError) Error() string {
	return "store artifact: " + e.Op + ": " + e.Err.Error()
}

func (e *SubmissionIOError) Unwrap() error {
	return e.Err
}

// CorruptRecordError means a persisted result could not be decoded.
type CorruptRecordError struct {
	Digest Digest
	Err    error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt result record %s: %v", e.Digest.Short(), e.Err)
}

func (e *CorruptRecordError) Unwrap() error {
	return e.Err
}

// AnalysisFailure is a domain failure reported by an analyzer, such as a
// malformed input. It becomes a failure-kind ResultRecord.
type AnalysisFailure struct {
	Message   string
	Condition string
}

func (e *AnalysisFailure) Error() string {
	if e.Condition == "" {
		return e.Message
	}
	return e.Message + ": " + e.Condition
}

// ErrorInfo is the JSON shape of an error returned to API clients.
type ErrorInfo struct {
	Error  string `json:"error"`
	Digest string `json:"digest,omitempty"`
}

// ToJSON serializes ErrorInfo to a JSON string.
func (e ErrorInfo) ToJSON() string {
	b, _ := json.Marshal(e)
	return string(b)
}
