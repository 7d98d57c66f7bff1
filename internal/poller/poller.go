// Package poller answers "is the result for this digest ready?" by reading
// the result cache. Polling has no side effects and keeps no per-caller state.
package poller

import (
	"context"
	"errors"
	"log/slog"

	"github.com/yangwenmai/fmucheck/internal/model"
)

// ResultReader is the read side of the result cache.
type ResultReader interface {
	TryRead(ctx context.Context, d model.Digest) (*model.ResultRecord, error)
}

// Hooks receives one event per poll. telemetry.Metrics implements it.
type Hooks interface {
	Polled(state string)
}

// Poller reports Pending until a record exists, then Done forever after.
type Poller struct {
	results ResultReader
	hooks   Hooks
	logger  *slog.Logger
}

// New creates a Poller. hooks may be nil.
func New(results ResultReader, hooks Hooks) *Poller {
	return &Poller{results: results, hooks: hooks, logger: slog.Default()}
}

// Poll returns the current state for d. A record that cannot be decoded is
// reported as Done with a corrupt-kind failure so clients stop polling.
func (p *Poller) Poll(ctx context.Context, d model.Digest) (model.PollOutcome, error) {
	rec, err := p.results.TryRead(ctx, d)
	var corrupt *model.CorruptRecordError
	switch {
	case errors.As(err, &corrupt):
		p.logger.Warn("result cache corruption", "digest", d.String(), "error", corrupt.Err)
		out := model.Done(model.NewFailureRecord(d, model.FailureCorrupt, "result record is corrupt", corrupt.Err.Error()))
		p.observe(out)
		return out, nil
	case err != nil:
		return model.PollOutcome{}, err
	case rec == nil:
		out := model.Pending()
		p.observe(out)
		return out, nil
	}
	out := model.Done(*rec)
	p.observe(out)
	return out, nil
}

func (p *Poller) observe(out model.PollOutcome) {
	if p.hooks != nil {
		p.hooks.Polled(out.State)
	}
}
