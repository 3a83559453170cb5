package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := New(Config{Threshold: threshold, Cooldown: cooldown})
	b.now = clock.Now
	return b, clock
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: -1})

	if b.Cooldown() != 30*time.Second {
		t.Errorf("Expected default cooldown 30s, got %v", b.Cooldown())
	}
	for range 2 {
		b.RecordFailure()
	}
	if b.State() != Closed {
		t.Error("Expected closed state after 2 failures (default threshold is 3)")
	}
	b.RecordFailure()
	if b.State() != Open {
		t.Error("Expected open state after 3 failures")
	}
}

func TestBreaker_OpensAndBlocks(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(2, time.Minute)

	if !b.Allow() {
		t.Fatal("expected closed breaker to allow")
	}
	b.RecordFailure()
	b.RecordFailure()

	if b.State() != Open {
		t.Fatalf("expected open, got %s", b.State())
	}
	if b.Allow() {
		t.Error("expected open breaker to block")
	}
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(1, time.Minute)

	b.RecordFailure()
	clock.Advance(time.Minute)

	if !b.Allow() {
		t.Fatal("expected probe after cooldown")
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}
	if b.Allow() {
		t.Error("expected second request during probe to be blocked")
	}

	b.RecordSuccess()
	if b.State() != Closed || !b.Allow() {
		t.Error("expected breaker to close after successful probe")
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(3, time.Minute)

	for range 3 {
		b.RecordFailure()
	}
	clock.Advance(2 * time.Minute)
	if !b.Allow() {
		t.Fatal("expected probe after cooldown")
	}
	b.RecordFailure()

	if b.State() != Open {
		t.Errorf("expected failed probe to reopen, got %s", b.State())
	}
	if b.Allow() {
		t.Error("expected reopened breaker to block until next cooldown")
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(2, time.Minute)

	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()

	if b.State() != Closed {
		t.Error("expected non-consecutive failures to keep breaker closed")
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := map[State]string{Closed: "closed", Open: "open", HalfOpen: "half-open", State(9): "unknown"}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}

func TestRegistry_GetAndStats(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 1, Cooldown: time.Minute})

	ledger := r.Get("ledger")
	if r.Get("ledger") != ledger {
		t.Error("expected same breaker for same key")
	}
	r.Get("blob")
	ledger.RecordFailure()

	stats := r.Stats()
	if stats.Total != 2 || stats.Open != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}
