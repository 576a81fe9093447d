package circuitbreaker

import (
	"errors"
	"slices"
	"sync"
	"testing"
	"time"
)

var errUnavailable = errors.New("503")

// clock is a manually advanced time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *clock) {
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(Config{Threshold: threshold, Cooldown: cooldown, now: c.now}), c
}

func fail() error    { return errUnavailable }
func succeed() error { return nil }

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero", Config{}},
		{"negative", Config{Threshold: -1, Cooldown: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := New(tt.cfg)
			for range 4 {
				_ = b.Do(fail, nil)
			}
			if b.State() != Closed {
				t.Fatalf("State() = %s after 4 failures, want closed", b.State())
			}
			_ = b.Do(fail, nil)
			if b.State() != Open {
				t.Errorf("State() = %s after 5 failures, want open", b.State())
			}
		})
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(3, time.Minute)

	for range 2 {
		_ = b.Do(fail, nil)
	}
	if b.State() != Closed {
		t.Fatal("expected closed state before threshold")
	}
	_ = b.Do(fail, nil)
	if b.State() != Open {
		t.Fatalf("State() = %s, want open", b.State())
	}

	called := false
	err := b.Do(func() error { called = true; return nil }, nil)
	if !errors.Is(err, ErrOpen) || called {
		t.Errorf("Do() on open breaker = %v (called %v), want ErrOpen without calling", err, called)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(2, time.Minute)

	_ = b.Do(fail, nil)
	_ = b.Do(succeed, nil)
	_ = b.Do(fail, nil)
	if b.State() != Closed || b.Failures() != 1 {
		t.Errorf("got %s with %d failures, want closed with 1", b.State(), b.Failures())
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		probe func() error
		want  State
	}{
		{"success closes", succeed, Closed},
		{"failure reopens", fail, Open},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b, c := newTestBreaker(1, time.Minute)
			_ = b.Do(fail, nil)

			c.advance(30 * time.Second)
			if err := b.Do(succeed, nil); !errors.Is(err, ErrOpen) {
				t.Fatalf("Do() before cooldown = %v, want ErrOpen", err)
			}

			c.advance(31 * time.Second)
			_ = b.Do(tt.probe, nil)
			if b.State() != tt.want {
				t.Errorf("State() after probe = %s, want %s", b.State(), tt.want)
			}
		})
	}
}

func TestBreaker_HalfOpenAdmitsOneProbe(t *testing.T) {
	t.Parallel()
	b, c := newTestBreaker(1, time.Second)
	_ = b.Do(fail, nil)
	c.advance(2 * time.Second)

	inProbe := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- b.Do(func() error {
			close(inProbe)
			<-release
			return nil
		}, nil)
	}()

	<-inProbe
	if err := b.Do(succeed, nil); !errors.Is(err, ErrOpen) {
		t.Errorf("second call during probe = %v, want ErrOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe error = %v", err)
	}
	if b.State() != Closed {
		t.Errorf("State() = %s, want closed", b.State())
	}
}

func TestBreaker_UncountableErrors(t *testing.T) {
	t.Parallel()
	notFound := errors.New("404")
	countable := func(err error) bool { return err != notFound }

	b, c := newTestBreaker(1, time.Second)
	if err := b.Do(func() error { return notFound }, countable); !errors.Is(err, notFound) {
		t.Fatalf("Do() error = %v", err)
	}
	if b.State() != Closed || b.Failures() != 0 {
		t.Fatalf("got %s with %d failures, want closed with none", b.State(), b.Failures())
	}

	// An uncountable answer to a probe still proves the service is up.
	_ = b.Do(fail, countable)
	c.advance(2 * time.Second)
	_ = b.Do(func() error { return notFound }, countable)
	if b.State() != Closed {
		t.Errorf("State() = %s, want closed", b.State())
	}
}

func TestBreaker_OnChange(t *testing.T) {
	t.Parallel()
	c := &clock{t: time.Now()}
	var transitions []string
	b := New(Config{
		Threshold: 1,
		Cooldown:  time.Second,
		OnChange:  func(from, to State) { transitions = append(transitions, from.String()+">"+to.String()) },
		now:       c.now,
	})

	_ = b.Do(fail, nil)
	c.advance(2 * time.Second)
	_ = b.Do(succeed, nil)
	_ = b.Do(fail, nil)
	b.Reset()

	want := []string{"closed>open", "open>half-open", "half-open>closed", "closed>open", "open>closed"}
	if !slices.Equal(transitions, want) {
		t.Errorf("transitions = %v, want %v", transitions, want)
	}
	if b.Failures() != 0 {
		t.Errorf("Failures() after Reset = %d", b.Failures())
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state State
		want  string
	}{
		{Closed, "closed"},
		{Open, "open"},
		{HalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 1, Cooldown: time.Hour})

	a := r.Get("editor.local:8080")
	if r.Get("editor.local:8080") != a {
		t.Fatal("expected same breaker for same key")
	}
	_ = r.Get("batch.example.com")
	_ = r.Get("hooks.example.com").Do(fail, nil)
	_ = a.Do(fail, nil)

	s := r.Stats()
	if s.Total != 3 || s.Open != 2 || s.Closed != 1 {
		t.Errorf("Stats() = %+v, want 3 total, 2 open, 1 closed", s)
	}
	if got, want := r.OpenKeys(), []string{"editor.local:8080", "hooks.example.com"}; !slices.Equal(got, want) {
		t.Errorf("OpenKeys() = %v, want %v", got, want)
	}
}
