package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/failure"
	"github.com/aristath/conductor/internal/lifecycle"
	"github.com/aristath/conductor/internal/loopdetect"
	"github.com/aristath/conductor/internal/metrics"
	"github.com/aristath/conductor/internal/orchestrator"
	"github.com/aristath/conductor/internal/persistence"
	"github.com/aristath/conductor/internal/process"
	"github.com/aristath/conductor/internal/scheduler"
)

type runOptions struct {
	metricsAddr string
	quiet       bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the worker until every task is complete",
		Long: `Run picks the next ready task, starts the worker on it and supervises it
until it exits. It stops when all tasks are complete, when the failure
breaker trips, when no task can be started or on SIGINT/SIGTERM.

Worker output is echoed to stdout unless --quiet is set.

Examples:
  conductor run
  conductor run --metrics-addr :9464`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Metrics.Addr = opts.metricsAddr
			}
			return runRun(cmd, cfg, opts)
		},
	}
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides metrics.addr)")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Do not echo worker output")
	return cmd
}

func runRun(cmd *cobra.Command, cfg *config.Config, opts *runOptions) error {
	if len(cfg.Worker.Command) == 0 {
		return errors.New("worker.command is not configured")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := persistence.NewSQLiteStore(ctx, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	machine, err := lifecycle.Open(lifecycle.Config{
		Path:          cfg.State.File,
		MaxIterations: cfg.State.MaxIterations,
		HistorySize:   cfg.State.HistorySize,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("opening state: %w", err)
	}

	checkpoints, err := openCheckpoints(cfg, logger)
	if err != nil {
		return fmt.Errorf("opening checkpoints: %w", err)
	}

	workers := process.NewRegistry()
	worker, err := workers.GetOrCreate(process.Config{
		Project:     cfg.Project.Name,
		Command:     cfg.Worker.Command,
		Dir:         cfg.Project.Dir,
		Env:         cfg.Worker.Env,
		LockPath:    cfg.Worker.LockFile,
		Signature:   cfg.WorkerSignature(),
		StopTimeout: cfg.Worker.StopTimeout,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("creating worker: %w", err)
	}
	defer func() {
		for project, res := range workers.StopAll() {
			logger.Info("worker stopped on exit", zap.String("worker", project), zap.Bool("ok", res.OK), zap.String("message", res.Message))
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)
	if cfg.Metrics.Addr != "" {
		shutdown := serveMetrics(cfg.Metrics.Addr, registry, logger)
		defer shutdown()
	}

	bus := events.NewEventBus()
	defer bus.Close()
	echoed := echoOutput(bus, cmd.OutOrStdout(), opts.quiet)

	runner, err := orchestrator.NewRunner(orchestrator.Config{
		Store:       store,
		Machine:     machine,
		Tracker:     failure.NewTracker(failure.TrackerConfig{Window: cfg.Failures.Window, Threshold: cfg.Failures.Threshold, Logger: logger}),
		Detector:    loopdetect.New(loopConfig(cfg, logger)),
		Worker:      worker,
		Checkpoints: checkpoints,
		Bus:         bus,
		Metrics:     m,
		Logger:      logger,
		SchedulerOptions: []scheduler.Option{
			scheduler.WithLayerGating(cfg.Scheduler.LayerGating),
			scheduler.WithLayerThreshold(cfg.Scheduler.LayerThreshold),
		},
		Retry: orchestrator.RetryConfig{
			InitialInterval:     cfg.Retry.InitialInterval,
			MaxInterval:         cfg.Retry.MaxInterval,
			Multiplier:          cfg.Retry.Multiplier,
			RandomizationFactor: orchestrator.DefaultRetryConfig().RandomizationFactor,
		},
		MaxAttempts:     cfg.Retry.MaxAttempts,
		HealthInterval:  cfg.Worker.HealthInterval,
		CheckpointEvery: cfg.Checkpoint.Every,
		LoopSuppress:    cfg.Loop.SuppressFor,
	})
	if err != nil {
		return err
	}

	err = runner.Run(ctx)
	bus.Close()
	<-echoed

	switch {
	case err == nil:
		fmt.Fprintln(cmd.OutOrStdout(), "All tasks completed.")
		return nil
	case errors.Is(err, context.Canceled):
		logger.Info("run interrupted")
		return nil
	default:
		return err
	}
}

func loopConfig(cfg *config.Config, logger *zap.Logger) loopdetect.Config {
	lc := loopdetect.DefaultConfig()
	lc.HistorySize = cfg.Loop.HistorySize
	lc.ExactThreshold = cfg.Loop.ExactThreshold
	lc.SequenceRepetitions = cfg.Loop.SequenceRepetitions
	lc.SimilarityThreshold = cfg.Loop.SimilarityThreshold
	lc.RecentWindow = cfg.Loop.RecentWindow
	lc.ErrorThreshold = cfg.Loop.ErrorThreshold
	lc.Logger = logger
	return lc
}

// echoOutput copies worker lines to w until the bus closes. The returned
// channel closes once everything has been written.
func echoOutput(bus *events.EventBus, w io.Writer, quiet bool) <-chan struct{} {
	done := make(chan struct{})
	if quiet {
		close(done)
		return done
	}
	sub := bus.Subscribe(events.TopicWorker, events.DefaultBufferSize)
	go func() {
		defer close(done)
		for e := range sub {
			if out, ok := e.(events.WorkerOutputEvent); ok {
				fmt.Fprintln(w, out.Line)
			}
		}
	}()
	return done
}

// serveMetrics starts the Prometheus endpoint and returns its shutdown func.
func serveMetrics(addr string, registry *prometheus.Registry, logger *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
