// cohort-runner executes a single cohort job outside the service, for
// deployments where an external trigger (object store notification, queue
// consumer, cron) starts one process per uploaded input.
//
// The input key comes from INPUT_KEY or the first argument. Exit status is 0
// when the job reached a terminal state, 75 when the ledger or storage was
// unreachable and the trigger should be redelivered, 2 on bad configuration
// and 1 otherwise.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"cohortlab/internal/config"
	"cohortlab/internal/runner"
)

const (
	exitFailed   = 1
	exitConfig   = 2
	exitTempFail = 75 // EX_TEMPFAIL
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	os.Exit(run())
}

func run() int {
	inputKey := config.GetEnv("INPUT_KEY", "")
	if len(os.Args) > 1 {
		inputKey = os.Args[1]
	}
	if inputKey == "" {
		slog.Error("INPUT_KEY environment variable or argument is required")
		return exitConfig
	}

	cfg := config.LoadBackendConfig()
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		return exitConfig
	}
	runnerCfg, err := runner.LoadConfig(cfg)
	if err != nil {
		slog.Error("Invalid cohort definitions", "error", err)
		return exitConfig
	}

	// Cancel the job on SIGINT/SIGTERM; terminal ledger writes still land.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backends, err := runner.OpenBackends(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open backends", "error", err)
		return exitTempFail
	}
	defer backends.Close()

	jobRunner := runner.New(backends.Ledger, backends.Blobs, runnerCfg, nil)
	if err := jobRunner.Invoke(ctx, inputKey); err != nil {
		if runner.IsRetryable(err) {
			return exitTempFail
		}
		return exitFailed
	}
	return 0
}
