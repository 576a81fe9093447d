package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type readyFunc func(ctx context.Context) error

func (f readyFunc) Ready(ctx context.Context) error { return f(ctx) }

var (
	up   = readyFunc(func(context.Context) error { return nil })
	down = readyFunc(func(context.Context) error { return errors.New("connection refused") })
)

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	checker := NewChecker()

	response := checker.Liveness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
}

func TestChecker_Readiness(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		deps      []Dependency
		want      Status
		wantReady bool
	}{
		{
			name:      "all up",
			deps:      []Dependency{{Name: "compute", Checker: up}, {Name: "history", Checker: up, Critical: true}},
			want:      StatusHealthy,
			wantReady: true,
		},
		{
			name:      "compute down",
			deps:      []Dependency{{Name: "compute", Checker: down}, {Name: "history", Checker: up, Critical: true}},
			want:      StatusDegraded,
			wantReady: true,
		},
		{
			name: "history down",
			deps: []Dependency{{Name: "compute", Checker: down}, {Name: "history", Checker: down, Critical: true}},
			want: StatusUnhealthy,
		},
		{
			name: "unconfigured critical dependency",
			deps: []Dependency{{Name: "history", Critical: true}},
			want: StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := NewChecker(tt.deps...).Readiness(context.Background())
			if response.Status != tt.want {
				t.Errorf("status = %s, want %s (checks %v)", response.Status, tt.want, response.Checks)
			}
			if response.IsReady() != tt.wantReady {
				t.Errorf("IsReady() = %v, want %v", response.IsReady(), tt.wantReady)
			}
			if len(response.Checks) != len(tt.deps) {
				t.Errorf("checks = %v, want one per dependency", response.Checks)
			}
		})
	}
}

func TestChecker_ShuttingDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker(Dependency{Name: "compute", Checker: up})
	if !checker.Readiness(context.Background()).IsHealthy() {
		t.Fatal("expected healthy before shutdown")
	}

	checker.SetShuttingDown()

	response := checker.Readiness(context.Background())
	if response.Status != StatusUnhealthy {
		t.Errorf("status = %s, want unhealthy", response.Status)
	}
	if _, ok := response.Checks["shutdown"]; !ok {
		t.Errorf("checks = %v, want shutdown entry", response.Checks)
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

func TestChecker_ChecksRunInParallelAndAreCached(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	slow := readyFunc(func(context.Context) error {
		calls.Add(1)
		time.Sleep(100 * time.Millisecond)
		return nil
	})
	checker := NewChecker(
		Dependency{Name: "compute", Checker: slow},
		Dependency{Name: "history", Checker: slow, Critical: true},
	)

	start := time.Now()
	resp := checker.Readiness(context.Background())
	if elapsed := time.Since(start); elapsed >= 190*time.Millisecond {
		t.Errorf("Readiness took %v, checks should overlap", elapsed)
	}
	if resp.Checks["history"].LatencyMs < 100 {
		t.Errorf("history latency = %dms, want >= 100", resp.Checks["history"].LatencyMs)
	}

	checker.Readiness(context.Background())
	if calls.Load() != 2 {
		t.Errorf("dependency probed %d times, want 2 (second call cached)", calls.Load())
	}
}
