// Package worker holds the two halves of job execution that live outside
// the launcher: the harness that runs inside a spawned worker process, and
// the reaper that resolves jobs whose worker went away.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/yangwenmai/fmucheck/internal/analyzer"
	"github.com/yangwenmai/fmucheck/internal/model"
)

// ArtifactSource locates stored artifacts. content.Store implements it.
type ArtifactSource interface {
	Exists(d model.Digest) bool
	PathFor(d model.Digest) string
}

// ResultWriter is the part of the result cache the harness needs.
type ResultWriter interface {
	TryRead(ctx context.Context, d model.Digest) (*model.ResultRecord, error)
	WriteOnce(ctx context.Context, r model.ResultRecord) error
}

// Options configures a single harness run.
type Options struct {
	Digest    model.Digest
	Artifacts ArtifactSource
	Results   ResultWriter
	Analyzer  analyzer.Analyzer
	Logger    *slog.Logger
}

// Run analyzes one artifact and publishes its record. It returns nil whenever
// a record exists for the digest afterwards, including when another worker
// published first; the process exit status is derived from that.
func Run(ctx context.Context, opts Options) error {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	d := opts.Digest
	log = log.With("digest", d.Short())

	existing, err := opts.Results.TryRead(ctx, d)
	var corrupt *model.CorruptRecordError
	switch {
	case errors.As(err, &corrupt):
		log.Warn("result cache corruption, leaving record in place", "error", err)
		return nil
	case err != nil:
		return fmt.Errorf("check result: %w", err)
	case existing != nil:
		log.Info("result already published, skipping analysis")
		return nil
	}

	var rec model.ResultRecord
	if !opts.Artifacts.Exists(d) {
		rec = model.NewFailureRecord(d, model.FailureAnalyzer, "artifact not found", opts.Artifacts.PathFor(d))
	} else {
		rec = analyze(ctx, log, opts.Analyzer, d, opts.Artifacts.PathFor(d))
		if err := ctx.Err(); err != nil {
			// Interrupted runs leave no record so the job is retried.
			return fmt.Errorf("analysis interrupted: %w", err)
		}
	}

	err = opts.Results.WriteOnce(ctx, rec)
	if errors.Is(err, model.ErrAlreadyWritten) {
		log.Info("result published by another worker")
		return nil
	}
	if err != nil {
		return fmt.Errorf("publish result: %w", err)
	}

	if rec.Failed() {
		log.Warn("analysis failed", "kind", rec.Failure.Kind, "message", rec.Failure.Message)
	} else {
		log.Info("analysis published")
	}
	return nil
}

// analyze turns every way an analyzer can end into a record.
func analyze(ctx context.Context, log *slog.Logger, a analyzer.Analyzer, d model.Digest, path string) (rec model.ResultRecord) {
	defer func() {
		if v := recover(); v != nil {
			log.Error("analyzer panicked", "panic", v, "stack", string(debug.Stack()))
			rec = model.NewFailureRecord(d, model.FailurePanic, "analyzer panicked", fmt.Sprint(v))
		}
	}()

	report, err := a.Analyze(ctx, path)
	if err != nil {
		return failureRecord(d, err)
	}
	blob, err := report.Encode()
	if err != nil {
		return model.NewFailureRecord(d, model.FailureAnalyzer, "encode report", err.Error())
	}
	return model.NewSuccessRecord(d, blob)
}

func failureRecord(d model.Digest, err error) model.ResultRecord {
	var af *model.AnalysisFailure
	if errors.As(err, &af) {
		return model.NewFailureRecord(d, model.FailureAnalyzer, af.Message, af.Condition)
	}
	return model.NewFailureRecord(d, model.FailureAnalyzer, err.Error(), "")
}
