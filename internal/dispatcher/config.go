package dispatcher

import (
	"errors"
	"time"

	"cohortlab/internal/apperrors"
	"cohortlab/internal/config"
)

// Hardcoded handling defaults - these rarely need tuning.
const (
	defaultMaxRetries       = 3
	defaultBreakerThreshold = 3
	defaultBreakerCooldown  = 30 * time.Second
	defaultMaxRequeues      = 10
)

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize     int           // pending events buffer (default: 1000)
	Workers        int           // concurrent handler goroutines (default: 4)
	HandlerTimeout time.Duration // per-event deadline (default: 30m)

	// BreakerCooldown is how long an open breaker rejects events and how long
	// rejected events wait before requeueing (default: 30s).
	BreakerCooldown time.Duration

	// Retryable classifies handler errors as transient infrastructure faults
	// (default: apperrors.ErrUnavailable).
	Retryable func(error) bool

	// BreakerKey groups events that share a circuit breaker (default: event
	// type plus the directory of its "key" data).
	BreakerKey func(*Event) string
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() MemoryConfig {
	cfg := MemoryConfig{
		BufferSize:     config.GetIntEnv("DISPATCHER_BUFFER_SIZE", 1000),
		Workers:        config.GetIntEnv("DISPATCHER_WORKERS", 4),
		HandlerTimeout: config.GetDurationEnv("DISPATCHER_HANDLER_TIMEOUT", 30*time.Minute),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Minute
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = defaultBreakerCooldown
	}
	if c.Retryable == nil {
		c.Retryable = isUnavailable
	}
	if c.BreakerKey == nil {
		c.BreakerKey = breakerKey
	}
	return c
}

func isUnavailable(err error) bool {
	return errors.Is(err, apperrors.ErrUnavailable)
}
