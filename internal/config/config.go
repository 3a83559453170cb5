// Package config provides configuration loading from environment variables.
package config

import (
	"fmt"
	"time"
)

// Trigger modes.
const (
	TriggerLocal    = "local"
	TriggerExternal = "external"
)

// ServiceConfig holds configuration for the cohort service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	RunnerDrainWait   time.Duration // Time running jobs get to finish on shutdown
	TriggerMode       string        // "local" dispatches runners on submit, "external" waits for /internal/events
	TriggerKey        string        // HMAC key for /internal/events, empty disables verification
	Backends          BackendConfig
}

// BackendConfig selects and configures the ledger and object storage backends.
// Shared by the service and the one-shot runner.
type BackendConfig struct {
	LedgerDriver string // memory, mysql, postgres
	LedgerDSN    string

	BlobDriver string // fs, s3
	BlobRoot   string // fs root directory
	S3Bucket   string
	S3Region   string
	S3Endpoint string // optional, for S3-compatible stores

	CohortsFile string // YAML cohort definitions, empty uses the built-in pair
	Parallelism int    // files aggregated concurrently per job
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		RunnerDrainWait:   GetDurationEnv("RUNNER_DRAIN_WAIT", time.Minute),
		TriggerMode:       GetEnv("TRIGGER_MODE", TriggerLocal),
		TriggerKey:        GetSecretFile(GetEnv("TRIGGER_KEY_FILE", "")),
		Backends:          LoadBackendConfig(),
	}
}

// Validate rejects settings the service cannot start with.
func (c *ServiceConfig) Validate() error {
	if c.TriggerMode != TriggerLocal && c.TriggerMode != TriggerExternal {
		return fmt.Errorf("TRIGGER_MODE must be %q or %q, got %q", TriggerLocal, TriggerExternal, c.TriggerMode)
	}
	return c.Backends.Validate()
}

// Validate rejects backend settings that cannot be opened.
func (c BackendConfig) Validate() error {
	switch c.LedgerDriver {
	case "memory":
	case "mysql", "postgres":
		if c.LedgerDSN == "" {
			return fmt.Errorf("LEDGER_DSN is required for the %s ledger", c.LedgerDriver)
		}
	default:
		return fmt.Errorf("unknown LEDGER_DRIVER %q", c.LedgerDriver)
	}
	switch c.BlobDriver {
	case "fs", "memory":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for the s3 blob store")
		}
	default:
		return fmt.Errorf("unknown BLOB_DRIVER %q", c.BlobDriver)
	}
	if c.Parallelism < 1 {
		return fmt.Errorf("AGGREGATE_PARALLELISM must be at least 1, got %d", c.Parallelism)
	}
	return nil
}

// LoadBackendConfig loads backend configuration from environment variables.
func LoadBackendConfig() BackendConfig {
	return BackendConfig{
		LedgerDriver: GetEnv("LEDGER_DRIVER", "memory"),
		LedgerDSN:    GetSecretOrEnv("LEDGER_DSN"),
		BlobDriver:   GetEnv("BLOB_DRIVER", "fs"),
		BlobRoot:     GetEnv("BLOB_ROOT", "./data"),
		S3Bucket:     GetEnv("S3_BUCKET", ""),
		S3Region:     GetEnv("S3_REGION", "us-east-2"),
		S3Endpoint:   GetEnv("S3_ENDPOINT", ""),
		CohortsFile:  GetEnv("COHORTS_FILE", ""),
		Parallelism:  GetIntEnv("AGGREGATE_PARALLELISM", 1),
	}
}
