package worker

import (
	"context"
	"log/slog"

	"github.com/yangwenmai/fmucheck/internal/analyzer"
	"github.com/yangwenmai/fmucheck/internal/content"
	"github.com/yangwenmai/fmucheck/internal/model"
	"github.com/yangwenmai/fmucheck/internal/resultcache"
)

// Worker process exit codes.
const (
	ExitOK       = 0
	ExitNoResult = 1
	ExitUsage    = 2
)

// ProcessOptions describes one worker process invocation.
type ProcessOptions struct {
	ArtifactsDir string
	ResultsDir   string
	Digest       string
	Analyzer     analyzer.Analyzer
	Logger       *slog.Logger
}

// RunProcess is the body of the worker command. It returns the exit code:
// ExitOK whenever a record exists for the digest afterwards.
func RunProcess(ctx context.Context, opts ProcessOptions) int {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	d, err := model.ParseDigest(opts.Digest)
	if err != nil {
		log.Error("worker: bad digest argument", "error", err)
		return ExitUsage
	}
	artifacts, err := content.New(opts.ArtifactsDir)
	if err != nil {
		log.Error("worker: open artifacts", "error", err)
		return ExitNoResult
	}
	// A worker reads at most one record; keep the LRU minimal.
	results, err := resultcache.New(opts.ResultsDir, 1)
	if err != nil {
		log.Error("worker: open results", "error", err)
		return ExitNoResult
	}

	err = Run(ctx, Options{
		Digest:    d,
		Artifacts: artifacts,
		Results:   results,
		Analyzer:  opts.Analyzer,
		Logger:    log,
	})
	if err != nil {
		log.Error("worker: no result published", "digest", d.Short(), "error", err)
		return ExitNoResult
	}
	return ExitOK
}
