// Package testutil provides polling helpers for tests that drive background
// work (submissions, downloads, webhook deliveries) to completion.
package testutil

import (
	"testing"
	"time"
)

// WaitOptions configures WaitFor behavior.
type WaitOptions struct {
	Timeout     time.Duration
	Interval    time.Duration
	Description string
}

// WaitOption is a functional option for WaitFor.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time (default: 10s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) { o.Timeout = d }
}

// WithInterval sets the polling interval (default: 10ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) { o.Interval = d }
}

// WithDescription names the awaited condition in timeout failures.
func WithDescription(desc string) WaitOption {
	return func(o *WaitOptions) { o.Description = desc }
}

func resolve(opts []WaitOption) WaitOptions {
	o := WaitOptions{
		Timeout:     10 * time.Second,
		Interval:    10 * time.Millisecond,
		Description: "condition",
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WaitFor polls condition until it holds or the timeout passes, and reports
// whether it held. The condition is checked once more at the deadline.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	return poll(condition, resolve(opts))
}

// MustWaitFor is WaitFor that fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	o := resolve(opts)
	if !poll(condition, o) {
		tb.Fatalf("timed out after %v waiting for %s", o.Timeout, o.Description)
	}
}

func poll(condition func() bool, o WaitOptions) bool {
	deadline := time.Now().Add(o.Timeout)
	ticker := time.NewTicker(o.Interval)
	defer ticker.Stop()

	for {
		if condition() {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		<-ticker.C
	}
}
