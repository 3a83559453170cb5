// Package testutil provides testing utilities for polling and waiting.
package testutil

import (
	"testing"
	"time"
)

// WaitOptions configures WaitFor behavior.
type WaitOptions struct {
	Timeout     time.Duration
	Interval    time.Duration
	Description string // what is being waited for, used in failure messages
}

// WaitOption is a functional option for WaitFor.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time (default: 30s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Timeout = d
	}
}

// WithInterval sets the polling interval (default: 100ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Interval = d
	}
}

// WithDescription names the awaited condition in timeout failures.
func WithDescription(desc string) WaitOption {
	return func(o *WaitOptions) {
		o.Description = desc
	}
}

func defaultOptions() WaitOptions {
	return WaitOptions{
		Timeout:     30 * time.Second,
		Interval:    100 * time.Millisecond,
		Description: "condition",
	}
}

func buildOptions(opts []WaitOption) WaitOptions {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Poll calls fetch until it reports done or the timeout is reached, and
// returns the last value fetched. The condition is always checked at least
// once.
func Poll[T any](tb testing.TB, fetch func() (T, bool), opts ...WaitOption) (T, bool) {
	tb.Helper()
	o := buildOptions(opts)

	deadline := time.Now().Add(o.Timeout)
	for {
		v, done := fetch()
		if done {
			return v, true
		}
		if !time.Now().Before(deadline) {
			return v, false
		}
		time.Sleep(o.Interval)
	}
}

// MustPoll is Poll that fails the test on timeout.
func MustPoll[T any](tb testing.TB, fetch func() (T, bool), opts ...WaitOption) T {
	tb.Helper()
	v, ok := Poll(tb, fetch, opts...)
	if !ok {
		tb.Fatalf("timed out waiting for %s (last value: %v)", buildOptions(opts).Description, v)
	}
	return v
}

// WaitFor polls until condition returns true or timeout is reached.
// Returns true if condition was met, false on timeout.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	_, ok := Poll(tb, func() (struct{}, bool) {
		return struct{}{}, condition()
	}, opts...)
	return ok
}

// MustWaitFor polls until condition returns true or fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatalf("timed out waiting for %s", buildOptions(opts).Description)
	}
}
