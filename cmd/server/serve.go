package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quicksim/api/rest/handlers"
	"quicksim/api/rest/routes"
	"quicksim/config"
	"quicksim/core/executor"
	"quicksim/core/models"
	"quicksim/core/monitoring"
	"quicksim/core/repository"
	"quicksim/core/scheduler"
	"quicksim/core/spec"
	"quicksim/storage"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func doServe(cmd *cobra.Command, flags rootFlags) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("addr") {
		cfg.Addr = flags.addr
	}
	if cmd.Flags().Changed("jobs-dir") {
		cfg.JobsDir = flags.jobsDir
	}
	if cmd.Flags().Changed("mode") {
		cfg.Mode = flags.mode
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel, flags.verbose)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	artifacts, err := storage.NewArtifactStore(cfg.JobsDir)
	if err != nil {
		return err
	}
	logger.Info("Jobs directory ready", "dir", artifacts.Dir())

	jobRepo := repository.NewJobRepository(artifacts)
	metrics := monitoring.NewMetricsExporter()
	runner := executor.NewSimcRunner(cfg.SimcPath)

	sched := scheduler.NewScheduler(jobRepo, artifacts, runner, metrics, logger, cfg.Workers)
	if err := sched.Start(); err != nil {
		return err
	}

	reaper := monitoring.NewReaper(jobRepo, artifacts, metrics, logger, monitoring.Retention{
		OutputTTL:  cfg.OutputTTL,
		ExpiredTTL: cfg.ExpiredRetention,
		TempTTL:    cfg.TempInputTTL,
		Interval:   cfg.SweepInterval,
	})
	// leftovers from a previous run
	reaper.SweepLeftovers()

	stager := spec.NewStager(artifacts, spec.Bounds{MaxTime: cfg.MaxTime, Iterations: cfg.Iterations})
	sims := handlers.NewSimulationHandler(jobRepo, artifacts, stager, sched, metrics, logger, handlers.Options{
		Mode:            models.ExecutionMode(cfg.Mode),
		MaxProfileBytes: cfg.MaxProfileBytes,
		PollInterval:    cfg.PollInterval,
	})

	r := mux.NewRouter()
	routes.SetupRoutes(r, routes.Deps{
		Simulations: sims,
		Jobs:        handlers.NewJobHandler(jobRepo),
		Metrics:     metrics,
		Logger:      logger,
		StaticDir:   cfg.StaticDir,
	})

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = sched.Shutdown(context.Background())
		return fmt.Errorf("failed to bind %s: %w", cfg.Addr, err)
	}

	server := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting server", "addr", ln.Addr().String(), "mode", cfg.Mode, "workers", cfg.Workers)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return reaper.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
		}
		if err := sched.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("scheduler forced to shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	logger.Info("Server exited")
	return err
}
