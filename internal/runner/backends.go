package runner

import (
	"context"
	"errors"
	"fmt"

	"cohortlab/internal/blob"
	"cohortlab/internal/cohort"
	"cohortlab/internal/config"
	"cohortlab/internal/ledger"
)

// Backends are the storage dependencies shared by the service and the
// one-shot runner.
type Backends struct {
	Ledger ledger.Store
	Blobs  blob.Store
}

// OpenBackends opens the ledger and object storage selected by cfg.
func OpenBackends(ctx context.Context, cfg config.BackendConfig) (*Backends, error) {
	store, err := ledger.New(ctx, cfg.LedgerDriver, cfg.LedgerDSN)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	blobs, err := blob.New(ctx, blob.Options{
		Driver:   cfg.BlobDriver,
		Root:     cfg.BlobRoot,
		Bucket:   cfg.S3Bucket,
		Region:   cfg.S3Region,
		Endpoint: cfg.S3Endpoint,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("open blob store: %w", err), store.Close())
	}

	return &Backends{Ledger: store, Blobs: blobs}, nil
}

// Close releases the ledger connection pool.
func (b *Backends) Close() error {
	return b.Ledger.Close()
}

// LoadConfig builds a runner configuration from backend settings, reading
// the cohort definitions file.
func LoadConfig(cfg config.BackendConfig) (Config, error) {
	cohorts, err := cohort.LoadCohorts(cfg.CohortsFile)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Cohorts:     cohorts,
		Parallelism: cfg.Parallelism,
		Heatmap:     cohort.DefaultHeatmapOptions,
	}, nil
}
