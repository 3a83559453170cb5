package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

type fakeProbe struct {
	err   error
	calls atomic.Int32
}

func (f *fakeProbe) Ready(context.Context) error {
	f.calls.Add(1)
	return f.err
}

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	checker := NewChecker()

	response := checker.Liveness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
}

func TestChecker_Readiness_NoDependencies(t *testing.T) {
	t.Parallel()
	checker := NewChecker()

	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status, got %s", response.Status)
	}
	if _, ok := response.Checks["dependencies"]; !ok {
		t.Fatal("Expected dependencies check to be present")
	}
}

func TestChecker_Readiness(t *testing.T) {
	t.Parallel()
	down := errors.New("connection refused")

	tests := []struct {
		name       string
		ledger     error
		storage    error
		dispatcher error
		want       Status
		ready      bool
	}{
		{"all healthy", nil, nil, nil, StatusHealthy, true},
		{"ledger down", down, nil, nil, StatusUnhealthy, false},
		{"storage down", nil, down, nil, StatusUnhealthy, false},
		{"dispatcher degraded", nil, nil, down, StatusDegraded, true},
		{"ledger down and dispatcher degraded", down, nil, down, StatusUnhealthy, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			checker := NewChecker(
				Check{Name: "ledger", Probe: &fakeProbe{err: tt.ledger}},
				Check{Name: "storage", Probe: &fakeProbe{err: tt.storage}},
				Check{Name: "dispatcher", Probe: &fakeProbe{err: tt.dispatcher}, Optional: true},
			)

			response := checker.Readiness(context.Background())
			if response.Status != tt.want {
				t.Errorf("Status = %s, want %s", response.Status, tt.want)
			}
			if response.IsReady() != tt.ready {
				t.Errorf("IsReady() = %v, want %v", response.IsReady(), tt.ready)
			}
			if len(response.Checks) != 3 {
				t.Errorf("Expected 3 checks, got %d", len(response.Checks))
			}
			if tt.ledger != nil && response.Checks["ledger"].Message != tt.ledger.Error() {
				t.Errorf("ledger message = %q", response.Checks["ledger"].Message)
			}
		})
	}
}

func TestChecker_Readiness_NilProbe(t *testing.T) {
	t.Parallel()
	checker := NewChecker(Check{Name: "ledger"})

	response := checker.Readiness(context.Background())
	if response.Checks["ledger"].Status != StatusUnhealthy {
		t.Errorf("Expected unconfigured probe to be unhealthy, got %s", response.Checks["ledger"].Status)
	}
}

func TestChecker_Readiness_Cached(t *testing.T) {
	t.Parallel()
	probe := &fakeProbe{}
	checker := NewChecker(Check{Name: "ledger", Probe: probe})

	checker.Readiness(context.Background())
	checker.Readiness(context.Background())

	if probe.calls.Load() != 1 {
		t.Errorf("Expected cached second check, probe called %d times", probe.calls.Load())
	}
}

func TestChecker_SetShuttingDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker(Check{Name: "ledger", Probe: &fakeProbe{}})
	checker.Readiness(context.Background())

	checker.SetShuttingDown()
	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy while shutting down, got %s", response.Status)
	}
	if _, ok := response.Checks["shutdown"]; !ok {
		t.Error("Expected shutdown check")
	}
}

func TestResponse_IsHealthy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		status   Status
		expected bool
	}{
		{"healthy", StatusHealthy, true},
		{"unhealthy", StatusUnhealthy, false},
		{"degraded", StatusDegraded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := &Response{Status: tt.status}
			if response.IsHealthy() != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", response.IsHealthy(), tt.expected)
			}
		})
	}
}
