// Package health answers the liveness and readiness probes.
package health

import (
	"context"
	"sync"
	"time"
)

// ReadinessChecker is implemented by the compute backends and the history
// store.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status    Status `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Dependency is one named readiness check. A failing critical dependency
// makes the agent unhealthy; any other failure only degrades it.
type Dependency struct {
	Name     string
	Checker  ReadinessChecker
	Critical bool
}

// cacheTTL bounds how often the dependencies are actually probed.
const cacheTTL = time.Second

// Checker runs the dependency checks and caches the result briefly.
type Checker struct {
	deps    []Dependency
	timeout time.Duration

	mu           sync.Mutex
	checkedAt    time.Time
	cached       *Response
	shuttingDown bool
}

// NewChecker creates a checker over deps.
func NewChecker(deps ...Dependency) *Checker {
	return &Checker{deps: deps, timeout: 5 * time.Second}
}

// Liveness never touches a dependency.
func (c *Checker) Liveness(context.Context) *Response {
	return &Response{Status: StatusHealthy}
}

// Readiness probes every dependency in parallel. The compute service is
// usually not critical: settings and history stay available while it is
// unreachable or before credentials are entered.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}
	if c.cached != nil && time.Since(c.checkedAt) < cacheTTL {
		r := c.cached
		c.mu.Unlock()
		return r
	}
	c.mu.Unlock()

	results := make([]CheckResult, len(c.deps))
	var wg sync.WaitGroup
	for i, dep := range c.deps {
		wg.Go(func() { results[i] = c.check(ctx, dep) })
	}
	wg.Wait()

	resp := &Response{Status: StatusHealthy, Checks: make(map[string]CheckResult, len(c.deps))}
	for i, dep := range c.deps {
		resp.Checks[dep.Name] = results[i]
		switch {
		case results[i].Status == StatusHealthy:
		case dep.Critical:
			resp.Status = StatusUnhealthy
		case resp.Status == StatusHealthy:
			resp.Status = StatusDegraded
		}
	}

	c.mu.Lock()
	if !c.shuttingDown {
		c.cached = resp
		c.checkedAt = time.Now()
	}
	c.mu.Unlock()
	return resp
}

func (c *Checker) check(ctx context.Context, dep Dependency) CheckResult {
	if dep.Checker == nil {
		return CheckResult{Status: StatusUnhealthy, Message: dep.Name + " not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := dep.Checker.Ready(ctx)
	res := CheckResult{Status: StatusHealthy, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = StatusUnhealthy
		res.Message = err.Error()
	}
	return res
}

// IsHealthy reports whether every dependency passed.
func (r *Response) IsHealthy() bool { return r.Status == StatusHealthy }

// IsReady reports whether the agent can serve requests, possibly degraded.
func (r *Response) IsReady() bool { return r.Status != StatusUnhealthy }

// SetShuttingDown makes every later readiness check fail.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cached = nil
}
