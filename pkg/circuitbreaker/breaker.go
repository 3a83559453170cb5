// Package circuitbreaker implements the circuit breaker pattern.
//
// The trigger dispatcher keeps one breaker per backing dependency so that a
// ledger or storage outage pauses runner invocations instead of burning
// through every queued job as an unrecordable failure.
//
// States:
//   - Closed: Normal operation, requests allowed
//   - Open: Too many failures, requests blocked
//   - HalfOpen: Testing if the dependency recovered, one probe allowed
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	Closed   State = iota // Normal operation, requests allowed
	Open                  // Failing, requests blocked
	HalfOpen              // Testing if recovered
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds configuration for a circuit breaker.
type Config struct {
	Threshold int           // Consecutive failures before the circuit opens (default: 3)
	Cooldown  time.Duration // Time before a half-open probe (default: 30s)
}

// DefaultConfig returns the defaults used by the dispatcher.
func DefaultConfig() Config {
	return Config{
		Threshold: 3,
		Cooldown:  30 * time.Second,
	}
}

// Breaker tracks consecutive failures for a single dependency.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	probing     bool
	lastFailure time.Time
	cfg         Config
	now         func() time.Time
}

// New creates a new circuit breaker. Non-positive config values use defaults.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Breaker{state: Closed, cfg: cfg, now: time.Now}
}

// Allow returns true if a request should be attempted.
// In half-open state only one probe is admitted until it reports back.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.lastFailure) < b.cfg.Cooldown {
			return false
		}
		b.state = HalfOpen
		b.probing = true
		return true
	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// RecordSuccess closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	b.state = Closed
}

// RecordFailure counts a failure; a failed probe reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()
	b.probing = false

	if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
		b.state = Open
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Cooldown returns the configured cooldown.
func (b *Breaker) Cooldown() time.Duration {
	return b.cfg.Cooldown
}
