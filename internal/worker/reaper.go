package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yangwenmai/fmucheck/internal/model"
	"github.com/yangwenmai/fmucheck/internal/store"
)

// DefaultReapInterval is how often the reaper scans for expired leases.
const DefaultReapInterval = 30 * time.Second

// Reap actions, reported to ReapHooks.
const (
	ReapCompleted = "completed"
	ReapRetried   = "retried"
	ReapAbandoned = "abandoned"
)

// Relauncher restarts a job. launcher.Launcher implements it.
type Relauncher interface {
	EnsureRunning(ctx context.Context, d model.Digest) error
	MaxAttempts() int
	// Running reports a child of this process that has not exited yet.
	Running(d model.Digest) bool
}

// ResultStore is the part of the result cache the reaper needs.
type ResultStore interface {
	Has(d model.Digest) bool
	WriteOnce(ctx context.Context, r model.ResultRecord) error
}

// ReapHooks receives one event per resolved job. telemetry.Metrics implements it.
type ReapHooks interface {
	JobReaped(action string)
}

// Reaper resolves jobs whose lease expired or whose worker crashed, so that
// every started job eventually has a record.
type Reaper struct {
	jobs     store.JobReaper
	results  ResultStore
	launcher Relauncher
	interval time.Duration
	hooks    ReapHooks
	logger   *slog.Logger
	now      func() time.Time
}

// ReaperOptions tunes a Reaper. Zero values select the defaults.
type ReaperOptions struct {
	Interval time.Duration
	Hooks    ReapHooks
	Logger   *slog.Logger
}

// NewReaper creates a Reaper.
func NewReaper(jobs store.JobReaper, results ResultStore, launcher Relauncher, opts ReaperOptions) *Reaper {
	if opts.Interval <= 0 {
		opts.Interval = DefaultReapInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reaper{
		jobs:     jobs,
		results:  results,
		launcher: launcher,
		interval: opts.Interval,
		hooks:    opts.Hooks,
		logger:   opts.Logger,
		now:      time.Now,
	}
}

// Start sweeps once immediately and then every interval. It blocks until
// ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) {
	r.logger.Info("reaper started", "interval", r.interval.String())
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reaper sweep", "error", err)
		}
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-time.After(r.interval):
		}
	}
}

// Sweep resolves every reclaimable job once and returns how many it handled.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	jobs, err := r.jobs.ListReclaimable(ctx, r.now())
	if err != nil {
		return 0, fmt.Errorf("list reclaimable jobs: %w", err)
	}

	handled := 0
	var errs []error
	for _, j := range jobs {
		if ctx.Err() != nil {
			break
		}
		action, err := r.resolve(ctx, j)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if action == "" {
			continue
		}
		handled++
		if r.hooks != nil {
			r.hooks.JobReaped(action)
		}
	}
	return handled, errors.Join(errs...)
}

// resolve settles one reclaimable job. An empty action means the job was
// left alone.
func (r *Reaper) resolve(ctx context.Context, j model.Job) (string, error) {
	d := j.Digest
	switch {
	case r.launcher.Running(d):
		// The lease ran out but the child is still analyzing.
		r.logger.Debug("lease expired on live worker", "digest", d.Short(), "pid", j.PID)
		return "", nil

	case r.results.Has(d):
		if err := r.jobs.MarkJobDone(ctx, d); err != nil {
			return "", fmt.Errorf("mark %s done: %w", d.Short(), err)
		}
		return ReapCompleted, nil

	case j.Attempts < r.launcher.MaxAttempts():
		r.logger.Warn("retrying job", "digest", d.Short(), "state", j.State, "attempts", j.Attempts)
		if err := r.launcher.EnsureRunning(ctx, d); err != nil {
			return "", fmt.Errorf("relaunch %s: %w", d.Short(), err)
		}
		return ReapRetried, nil

	default:
		condition := ""
		if j.ExitCode != nil {
			condition = fmt.Sprintf("last exit code %d", *j.ExitCode)
		}
		rec := model.NewFailureRecord(d, model.FailureCrash,
			fmt.Sprintf("worker exited without a result after %d attempts", j.Attempts), condition)
		if err := r.results.WriteOnce(ctx, rec); err != nil && !errors.Is(err, model.ErrAlreadyWritten) {
			return "", fmt.Errorf("write crash record %s: %w", d.Short(), err)
		}
		if err := r.jobs.MarkJobDone(ctx, d); err != nil {
			return "", fmt.Errorf("mark %s done: %w", d.Short(), err)
		}
		r.logger.Error("job abandoned", "digest", d.Short(), "attempts", j.Attempts)
		return ReapAbandoned, nil
	}
}
