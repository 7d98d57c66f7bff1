package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yangwenmai/fmucheck/internal/analyzer"
	"github.com/yangwenmai/fmucheck/internal/config"
	"github.com/yangwenmai/fmucheck/internal/telemetry"
	"github.com/yangwenmai/fmucheck/internal/worker"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "fmucheck",
		Short:         "Validate FMU archives in isolated worker processes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (default $FMUCHECK_CONFIG)")

	cmd.AddCommand(newServeCommand(&configPath))
	cmd.AddCommand(newWorkerCommand(&configPath))
	cmd.AddCommand(newSubmitCommand())
	cmd.AddCommand(newStatusCommand())
	return cmd
}

func newWorkerCommand(configPath *string) *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:    "worker <digest>",
		Short:  "Analyze one stored artifact and publish its result (spawned by serve)",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			logger, err := telemetry.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			logger = logger.With("digest", args[0][:min(len(args[0]), 12)])

			// A terminated worker publishes nothing; the lease and the
			// reaper decide what happens next.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			code := worker.RunProcess(ctx, worker.ProcessOptions{
				ArtifactsDir: cfg.ArtifactsDir(),
				ResultsDir:   cfg.ResultsDir(),
				Digest:       args[0],
				Analyzer:     newAnalyzer(cfg.Analyzer, logger),
				Logger:       logger,
			})
			stop()
			os.Exit(code)
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Data directory holding artifacts/ and results/")
	return cmd
}

func newAnalyzer(name string, logger *slog.Logger) analyzer.Analyzer {
	if name == "stub" {
		return analyzer.StubAnalyzer{}
	}
	return analyzer.NewFMUAnalyzer(logger)
}
