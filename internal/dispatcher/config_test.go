package dispatcher

import (
	"errors"
	"testing"
	"time"

	"cohortlab/internal/apperrors"
)

func TestMemoryConfig_WithDefaults_ZeroValues(t *testing.T) {
	t.Parallel()
	cfg := MemoryConfig{}.withDefaults()

	if cfg.BufferSize != 1000 {
		t.Errorf("Expected BufferSize 1000, got %d", cfg.BufferSize)
	}
	if cfg.Workers != 4 {
		t.Errorf("Expected Workers 4, got %d", cfg.Workers)
	}
	if cfg.HandlerTimeout != 30*time.Minute {
		t.Errorf("Expected HandlerTimeout 30m, got %v", cfg.HandlerTimeout)
	}
	if cfg.BreakerCooldown != 30*time.Second {
		t.Errorf("Expected BreakerCooldown 30s, got %v", cfg.BreakerCooldown)
	}
	if cfg.Retryable == nil || cfg.BreakerKey == nil {
		t.Fatal("Expected default Retryable and BreakerKey")
	}
}

func TestMemoryConfig_WithDefaults_NegativeValues(t *testing.T) {
	t.Parallel()
	cfg := MemoryConfig{
		BufferSize:      -1,
		Workers:         -1,
		HandlerTimeout:  -1,
		BreakerCooldown: -1,
	}.withDefaults()

	if cfg.BufferSize != 1000 {
		t.Errorf("Expected BufferSize 1000, got %d", cfg.BufferSize)
	}
	if cfg.Workers != 4 {
		t.Errorf("Expected Workers 4, got %d", cfg.Workers)
	}
	if cfg.HandlerTimeout != 30*time.Minute {
		t.Errorf("Expected HandlerTimeout 30m, got %v", cfg.HandlerTimeout)
	}
	if cfg.BreakerCooldown != 30*time.Second {
		t.Errorf("Expected BreakerCooldown 30s, got %v", cfg.BreakerCooldown)
	}
}

func TestMemoryConfig_WithDefaults_PreservesValidValues(t *testing.T) {
	t.Parallel()
	cfg := MemoryConfig{
		BufferSize:      500,
		Workers:         5,
		HandlerTimeout:  20 * time.Second,
		BreakerCooldown: time.Second,
	}.withDefaults()

	if cfg.BufferSize != 500 {
		t.Errorf("Expected BufferSize 500, got %d", cfg.BufferSize)
	}
	if cfg.Workers != 5 {
		t.Errorf("Expected Workers 5, got %d", cfg.Workers)
	}
	if cfg.HandlerTimeout != 20*time.Second {
		t.Errorf("Expected HandlerTimeout 20s, got %v", cfg.HandlerTimeout)
	}
	if cfg.BreakerCooldown != time.Second {
		t.Errorf("Expected BreakerCooldown 1s, got %v", cfg.BreakerCooldown)
	}
}

func TestDefaultRetryable(t *testing.T) {
	t.Parallel()
	cfg := MemoryConfig{}.withDefaults()

	if !cfg.Retryable(apperrors.Unavailable("open ledger", errors.New("refused"))) {
		t.Error("unavailable errors should be retryable")
	}
	if cfg.Retryable(apperrors.NotFound("job", "x")) {
		t.Error("not found errors should not be retryable")
	}
	if cfg.Retryable(errors.New("plain")) {
		t.Error("plain errors should not be retryable")
	}
}
