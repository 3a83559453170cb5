// cohort-service is the HTTP API server for cohort analysis jobs. It also
// runs the jobs it accepts on an in-process worker pool.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cohortlab/internal/api"
	"cohortlab/internal/config"
	"cohortlab/internal/dispatcher"
	"cohortlab/internal/health"
	"cohortlab/internal/job"
	"cohortlab/internal/observability"
	"cohortlab/internal/runner"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	if err := svcCfg.Validate(); err != nil {
		return err
	}
	dispatcherCfg := dispatcher.LoadConfigFromEnv()
	dispatcherCfg.Retryable = runner.IsRetryable

	runnerCfg, err := runner.LoadConfig(svcCfg.Backends)
	if err != nil {
		return err
	}

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Open ledger and artifact storage
	backends, err := runner.OpenBackends(ctx, svcCfg.Backends)
	if err != nil {
		return err
	}
	defer backends.Close()

	slog.Info("Backends opened",
		"ledger", svcCfg.Backends.LedgerDriver,
		"blob", svcCfg.Backends.BlobDriver,
		"cohorts", len(runnerCfg.Cohorts),
	)

	// Job runners are fed by the trigger dispatcher
	jobRunner := runner.New(backends.Ledger, backends.Blobs, runnerCfg, metrics)
	triggers := dispatcher.NewMemory(dispatcherCfg, jobRunner, metrics)

	// In external mode another system announces uploads on /internal/events.
	var trigger job.Trigger
	if svcCfg.TriggerMode == config.TriggerLocal {
		trigger = triggers
	}
	slog.Info("Trigger mode", "mode", svcCfg.TriggerMode, "signed", svcCfg.TriggerKey != "")

	jobService := job.NewService(backends.Ledger, backends.Blobs, trigger, metrics)
	if err := jobService.SeedTemplate(ctx); err != nil {
		slog.Warn("Failed to seed spec template, serving the built-in copy", "error", err)
	}

	// Create health checker
	healthChecker := health.NewChecker(
		health.Check{Name: "ledger", Probe: backends.Ledger},
		health.Check{Name: "storage", Probe: backends.Blobs},
		health.Check{Name: "dispatcher", Probe: triggers, Optional: true},
	)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		JobService:    jobService,
		Resolver:      job.NewResolver(backends.Ledger, backends.Blobs, metrics),
		Metrics:       metrics,
		HealthChecker: healthChecker,
		Dispatcher:    triggers,
		APIKey:        svcCfg.APIKey,
		TriggerKey:    svcCfg.TriggerKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Let queued and running jobs finish
	slog.Info("Draining job runners", "timeout", svcCfg.RunnerDrainWait)
	drainCtx, drainCancel := context.WithTimeout(context.Background(), svcCfg.RunnerDrainWait)
	defer drainCancel()
	if err := triggers.Close(drainCtx); err != nil {
		// Jobs cut off here stay in processing; resubmit them after restart.
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	// Log final dispatcher stats
	stats := triggers.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
		"panics", stats.Panics,
	)

	slog.Info("Shutdown complete")
	return nil
}
