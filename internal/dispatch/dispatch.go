// Package dispatch is the client-facing boundary: it accepts artifacts,
// starts their analysis once per digest and answers status polls.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yangwenmai/fmucheck/internal/model"
	"github.com/yangwenmai/fmucheck/internal/store"
)

// DefaultMaxUploadBytes is used when Options.MaxUploadBytes is zero.
const DefaultMaxUploadBytes = 64 << 20

// ArtifactStore stores submitted bytes by digest. content.Store implements it.
type ArtifactStore interface {
	Put(ctx context.Context, data []byte) (model.Digest, error)
}

// Launcher starts the job for a digest. launcher.Launcher implements it.
type Launcher interface {
	EnsureRunning(ctx context.Context, d model.Digest) error
}

// Poller reports job state. poller.Poller implements it.
type Poller interface {
	Poll(ctx context.Context, d model.Digest) (model.PollOutcome, error)
}

// Hooks receives submission events. telemetry.Metrics implements it.
type Hooks interface {
	SubmissionReceived(created bool)
}

// Options tunes a Dispatcher.
type Options struct {
	MaxUploadBytes int64
	Hooks          Hooks
	Logger         *slog.Logger
}

// Dispatcher wires the content store, ledger, launcher and poller together.
// It never waits for an analysis.
type Dispatcher struct {
	artifacts   ArtifactStore
	submissions store.SubmissionStore
	launcher    Launcher
	poller      Poller
	maxBytes    int64
	hooks       Hooks
	logger      *slog.Logger
	tracer      trace.Tracer
}

// New creates a Dispatcher.
func New(artifacts ArtifactStore, submissions store.SubmissionStore, launcher Launcher, poller Poller, opts Options) *Dispatcher {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		artifacts:   artifacts,
		submissions: submissions,
		launcher:    launcher,
		poller:      poller,
		maxBytes:    opts.MaxUploadBytes,
		hooks:       opts.Hooks,
		logger:      opts.Logger,
		tracer:      otel.Tracer("github.com/yangwenmai/fmucheck/internal/dispatch"),
	}
}

// MaxUploadBytes returns the upload size limit.
func (d *Dispatcher) MaxUploadBytes() int64 {
	return d.maxBytes
}

// Submit stores data, records the submission and makes sure its analysis is
// running or done. Identical bytes always yield the same digest and at most
// one analysis. A storage failure is a *model.SubmissionIOError and no job
// is started.
func (d *Dispatcher) Submit(ctx context.Context, filename string, data []byte) (model.Digest, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.Submit", trace.WithAttributes(
		attribute.String("filename", filename),
		attribute.Int("size", len(data)),
	))
	defer span.End()

	fail := func(err error) (model.Digest, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return model.Digest{}, err
	}

	switch {
	case len(data) == 0:
		return fail(model.ErrEmptyArtifact)
	case int64(len(data)) > d.maxBytes:
		return fail(fmt.Errorf("%w: %d bytes exceeds %d", model.ErrTooLarge, len(data), d.maxBytes))
	}

	digest, err := d.artifacts.Put(ctx, data)
	if err != nil {
		return fail(err)
	}
	span.SetAttributes(attribute.String("digest", digest.String()))

	sub, created, err := d.submissions.RecordSubmission(ctx, model.NewSubmission(digest, filename, int64(len(data))))
	if err != nil {
		return fail(fmt.Errorf("record submission %s: %w", digest.Short(), err))
	}
	if d.hooks != nil {
		d.hooks.SubmissionReceived(created)
	}
	d.logger.Info("submission received", "digest", digest.Short(), "filename", filename,
		"size", len(data), "new", created, "count", sub.Count)

	if err := d.launcher.EnsureRunning(ctx, digest); err != nil {
		return fail(fmt.Errorf("start analysis %s: %w", digest.Short(), err))
	}
	return digest, nil
}

// Poll reports the state of the analysis for digest. It is a pure read.
func (d *Dispatcher) Poll(ctx context.Context, digest model.Digest) (model.PollOutcome, error) {
	return d.poller.Poll(ctx, digest)
}

// Submission returns what the ledger knows about digest, or
// model.ErrNotFound when it was never submitted.
func (d *Dispatcher) Submission(ctx context.Context, digest model.Digest) (*model.Submission, error) {
	return d.submissions.GetSubmission(ctx, digest)
}

// Submissions lists recent submissions, newest first.
func (d *Dispatcher) Submissions(ctx context.Context, limit int) ([]model.Submission, error) {
	return d.submissions.ListSubmissions(ctx, limit)
}
