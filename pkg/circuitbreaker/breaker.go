// Package circuitbreaker implements the circuit breaker pattern.
//
// A circuit breaker tracks consecutive failures of a remote service (the
// compute API, a webhook host) and temporarily blocks calls to it so a dead
// endpoint is not hammered on every poll.
//
// States:
//   - Closed: calls pass, failures are counted
//   - Open: calls fail fast with ErrOpen until the cooldown passes
//   - HalfOpen: a single probe call decides between Closed and Open
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Do when the breaker is blocking calls.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the state of a circuit breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
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
	Threshold int           // consecutive failures before opening (default 5)
	Cooldown  time.Duration // time spent open before a probe (default 30s)

	// OnChange, if set, is called after every state transition. It runs
	// with the breaker locked and must not call back into it.
	OnChange func(from, to State)

	now func() time.Time
}

// DefaultConfig returns the defaults applied to zero fields.
func DefaultConfig() Config {
	return Config{Threshold: 5, Cooldown: 30 * time.Second}
}

// Breaker guards a single remote resource.
type Breaker struct {
	cfg Config

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool // a half-open probe is in flight
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Do runs fn unless the breaker is blocking calls, and records the outcome.
// Errors for which countable returns false (4xx answers, say) are returned
// without counting as failures. A nil countable counts every error.
func (b *Breaker) Do(fn func() error, countable func(error) bool) error {
	if !b.admit() {
		return ErrOpen
	}
	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	switch {
	case err == nil:
		b.failures = 0
		b.moveTo(Closed)
	case countable == nil || countable(err):
		b.failures++
		if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
			b.openedAt = b.cfg.now()
			b.moveTo(Open)
		}
	case b.state == HalfOpen:
		// The service answered, so it is reachable again.
		b.moveTo(Closed)
	}
	return err
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.cfg.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.moveTo(HalfOpen)
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

func (b *Breaker) moveTo(s State) {
	if b.state == s {
		return
	}
	from := b.state
	b.state = s
	if b.cfg.OnChange != nil {
		b.cfg.OnChange(from, s)
	}
}

// State returns the current state. An open breaker whose cooldown has passed
// still reports Open until the next call probes it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset closes the breaker and forgets past failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.moveTo(Closed)
}
