package compute

import (
	"context"
	"fmt"
	"sync"
)

// HandleStatus is the state of an asynchronous operation.
type HandleStatus int

const (
	HandleInProgress HandleStatus = iota
	HandleSucceeded
	HandleFailed
)

func (s HandleStatus) String() string {
	switch s {
	case HandleInProgress:
		return "in_progress"
	case HandleSucceeded:
		return "succeeded"
	case HandleFailed:
		return "failed"
	default:
		return fmt.Sprintf("HandleStatus(%d)", int(s))
	}
}

// Handle is the future of an operation running in the background.
// It resolves exactly once.
type Handle[T any] struct {
	done chan struct{}

	mu     sync.Mutex
	status HandleStatus
	value  T
	err    error
}

// NewHandle returns an unresolved handle.
func NewHandle[T any]() *Handle[T] {
	return &Handle[T]{done: make(chan struct{})}
}

// Go runs fn on a new goroutine and returns its handle. A panic in fn
// resolves the handle with an error.
func Go[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) *Handle[T] {
	h := NewHandle[T]()
	go func() {
		var (
			v   T
			err error
		)
		defer func() {
			if r := recover(); r != nil {
				var zero T
				h.Resolve(zero, fmt.Errorf("panic: %v", r))
				return
			}
			h.Resolve(v, err)
		}()
		v, err = fn(ctx)
	}()
	return h
}

// Resolve completes the handle. Later calls are ignored.
func (h *Handle[T]) Resolve(v T, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.status != HandleInProgress {
		return
	}
	if err != nil {
		h.status = HandleFailed
		h.err = err
	} else {
		h.status = HandleSucceeded
		h.value = v
	}
	close(h.done)
}

// Status returns the current state without blocking.
func (h *Handle[T]) Status() HandleStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Result returns the outcome. It is only meaningful once Status is not
// HandleInProgress.
func (h *Handle[T]) Result() (T, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.value, h.err
}

// Done is closed when the handle resolves.
func (h *Handle[T]) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the handle resolves or ctx ends.
func (h *Handle[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-h.done:
		return h.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Resolved returns a handle that has already completed.
func Resolved[T any](v T, err error) *Handle[T] {
	h := NewHandle[T]()
	h.Resolve(v, err)
	return h
}
