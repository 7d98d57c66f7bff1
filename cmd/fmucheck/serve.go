package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yangwenmai/fmucheck/internal/api"
	"github.com/yangwenmai/fmucheck/internal/config"
	"github.com/yangwenmai/fmucheck/internal/content"
	"github.com/yangwenmai/fmucheck/internal/dispatch"
	"github.com/yangwenmai/fmucheck/internal/launcher"
	"github.com/yangwenmai/fmucheck/internal/poller"
	"github.com/yangwenmai/fmucheck/internal/resultcache"
	"github.com/yangwenmai/fmucheck/internal/store"
	"github.com/yangwenmai/fmucheck/internal/telemetry"
	"github.com/yangwenmai/fmucheck/internal/worker"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, job launcher and reaper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return serve(cfg, *configPath)
		},
	}
}

func serve(cfg config.Config, configPath string) error {
	logger, err := telemetry.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.InitTracing(ctx, "fmucheck", cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer tcancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.Warn("shutdown tracing", "error", err)
		}
	}()

	metrics := telemetry.NewMetrics()

	artifacts, err := content.New(cfg.ArtifactsDir())
	if err != nil {
		return fmt.Errorf("open artifacts: %w", err)
	}
	results, err := resultcache.New(cfg.ResultsDir(), cfg.ResultCacheEntries, resultcache.WithObserver(metrics))
	if err != nil {
		return fmt.Errorf("open results: %w", err)
	}
	ledger, err := store.Open(cfg.LedgerPath())
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer ledger.Close()

	// FMUCHECK_CONFIG reaches workers through the inherited environment.
	if configPath != "" {
		if configPath, err = filepath.Abs(configPath); err != nil {
			return fmt.Errorf("resolve config path: %w", err)
		}
	}
	spawner := launcher.NewWorkerSpawner(cfg.WorkerBinary, cfg.DataDir, configPath)
	l := launcher.New(ledger, results, spawner, launcher.Options{
		Lease:       cfg.JobLease,
		MaxAttempts: cfg.MaxAttempts,
		Logger:      logger,
		Hooks:       metrics,
	})
	dispatcher := dispatch.New(artifacts, ledger, l, poller.New(results, metrics), dispatch.Options{
		MaxUploadBytes: cfg.MaxUploadBytes,
		Hooks:          metrics,
		Logger:         logger,
	})

	// Jobs left over from a previous run are picked up by the first sweep.
	reaper := worker.NewReaper(ledger, results, l, worker.ReaperOptions{
		Interval: cfg.ReaperInterval,
		Hooks:    metrics,
		Logger:   logger,
	})
	var bg sync.WaitGroup
	bg.Add(1)
	go func() {
		defer bg.Done()
		reaper.Start(ctx)
	}()

	srv := api.New(dispatcher, api.Options{
		PollInterval: cfg.PollInterval,
		CORSOrigin:   cfg.CORSOrigin,
		UploadRate:   cfg.UploadRate,
		UploadBurst:  cfg.UploadBurst,
		Metrics:      metrics.Handler(),
		Logger:       logger,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutting down...")
		sctx, scancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer scancel()
		httpServer.Shutdown(sctx)
		cancel()
	}()

	logger.Info("fmucheck listening",
		"addr", "http://localhost:"+cfg.Port,
		"data_dir", cfg.DataDir,
		"analyzer", cfg.Analyzer,
	)
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		cancel()
		bg.Wait()
		return fmt.Errorf("server error: %w", err)
	}

	// In-flight workers finish so their exit is recorded in the ledger.
	bg.Wait()
	l.Wait()
	logger.Info("stopped")
	return nil
}
