// Package launcher starts at most one isolated worker process per digest.
package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yangwenmai/fmucheck/internal/model"
	"github.com/yangwenmai/fmucheck/internal/store"
)

const (
	DefaultLease       = 10 * time.Minute
	DefaultMaxAttempts = 3
)

// ResultChecker reports whether a result record exists. resultcache.Cache
// implements it.
type ResultChecker interface {
	Has(d model.Digest) bool
}

// Hooks receives job lifecycle events. telemetry.Metrics implements it.
type Hooks interface {
	JobClaimed()
	JobSpawned()
	JobCrashed()
}

// Options tunes a Launcher. Zero values select the defaults.
type Options struct {
	Lease       time.Duration
	MaxAttempts int
	Logger      *slog.Logger
	Hooks       Hooks
}

// Launcher claims a digest in the ledger and spawns its worker. It never
// waits for the analysis; a goroutine reaps each child.
type Launcher struct {
	claims      store.JobClaimer
	results     ResultChecker
	spawner     Spawner
	lease       time.Duration
	maxAttempts int
	logger      *slog.Logger
	hooks       Hooks
	tracer      trace.Tracer
	reaping     sync.WaitGroup

	mu   sync.Mutex
	live map[model.Digest]int // digest -> pid of a child not yet reaped
}

// New creates a Launcher.
func New(claims store.JobClaimer, results ResultChecker, spawner Spawner, opts Options) *Launcher {
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Launcher{
		claims:      claims,
		results:     results,
		spawner:     spawner,
		lease:       opts.Lease,
		maxAttempts: opts.MaxAttempts,
		logger:      opts.Logger,
		hooks:       opts.Hooks,
		tracer:      otel.Tracer("github.com/yangwenmai/fmucheck/internal/launcher"),
		live:        make(map[model.Digest]int),
	}
}

// Running reports whether a worker spawned by l for d is still alive. Its
// ledger lease may have expired; the job is still active.
func (l *Launcher) Running(d model.Digest) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.live[d]
	return ok
}

// MaxAttempts returns the configured attempt limit per digest.
func (l *Launcher) MaxAttempts() int {
	return l.maxAttempts
}

// EnsureRunning starts the job for d unless a result already exists or
// another caller holds a live claim. Losing the claim is not an error.
func (l *Launcher) EnsureRunning(ctx context.Context, d model.Digest) error {
	ctx, span := l.tracer.Start(ctx, "launcher.EnsureRunning",
		trace.WithAttributes(attribute.String("digest", d.String())))
	defer span.End()

	if l.results.Has(d) {
		span.SetAttributes(attribute.String("launch", "cached"))
		return nil
	}
	if l.Running(d) {
		span.SetAttributes(attribute.String("launch", "running"))
		return nil
	}

	owner := uuid.NewString()
	claim, err := l.claims.ClaimJob(ctx, d, owner, l.lease, l.maxAttempts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return fmt.Errorf("claim job %s: %w", d.Short(), err)
	}
	if claim == nil {
		span.SetAttributes(attribute.String("launch", "claimed elsewhere"))
		return nil
	}
	l.hook(func(h Hooks) { h.JobClaimed() })

	// The ledger work must finish even if the caller goes away.
	bg := context.WithoutCancel(ctx)

	// A worker may have published between the check above and the claim.
	if l.results.Has(d) {
		return l.claims.FinishJob(bg, d, owner, 0, true)
	}

	proc, err := l.spawner.Spawn(bg, d)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "spawn failed")
		// Expire the lease so the reaper can try again.
		if ferr := l.claims.FinishJob(bg, d, owner, -1, false); ferr != nil {
			l.logger.Error("release failed claim", "digest", d.Short(), "error", ferr)
		}
		return fmt.Errorf("spawn worker %s: %w", d.Short(), err)
	}
	pid := proc.Pid()
	l.mu.Lock()
	l.live[d] = pid
	l.mu.Unlock()
	if err := l.claims.SetJobPID(bg, d, owner, pid); err != nil {
		l.logger.Warn("record worker pid", "digest", d.Short(), "pid", pid, "error", err)
	}
	l.hook(func(h Hooks) { h.JobSpawned() })
	span.SetAttributes(attribute.Int("pid", pid), attribute.Int("attempt", claim.Attempt))
	l.logger.Info("worker started", "digest", d.Short(), "pid", pid, "attempt", claim.Attempt)

	l.reaping.Add(1)
	go l.reap(*claim, pid, proc)
	return nil
}

// reap waits for the child and settles its ledger row. A child that exits
// without a published record is a worker crash.
func (l *Launcher) reap(claim model.Claim, pid int, proc Process) {
	defer l.reaping.Done()
	defer func() {
		l.mu.Lock()
		delete(l.live, claim.Digest)
		l.mu.Unlock()
	}()

	code, waitErr := proc.Wait()
	hasResult := l.results.Has(claim.Digest)
	if err := l.claims.FinishJob(context.Background(), claim.Digest, claim.Owner, code, hasResult); err != nil {
		l.logger.Error("finish job", "digest", claim.Digest.Short(), "error", err)
	}
	if hasResult {
		l.logger.Info("worker finished", "digest", claim.Digest.Short(), "pid", pid, "exit_code", code)
		return
	}

	attrs := []any{
		"digest", claim.Digest.Short(),
		"pid", pid,
		"attempt", claim.Attempt,
		"exit_code", code,
	}
	if waitErr != nil {
		attrs = append(attrs, "error", waitErr)
	}
	l.logger.Error("worker crashed without a result", attrs...)
	l.hook(func(h Hooks) { h.JobCrashed() })
}

// Wait blocks until every worker spawned by l has been reaped.
func (l *Launcher) Wait() {
	l.reaping.Wait()
}

func (l *Launcher) hook(fn func(Hooks)) {
	if l.hooks != nil {
		fn(l.hooks)
	}
}
