// Package dispatcher delivers outbound webhooks (import notifications and
// bake lifecycle events) off the caller's goroutine, with buffering, retry
// and a per-host circuit breaker.
package dispatcher

import (
	"context"
	"errors"

	"acousticsbake/pkg/cloudevent"
)

// ErrBufferFull is returned when the dispatcher's buffer is full and the event is dropped.
var ErrBufferFull = errors.New("dispatcher buffer full, event dropped")

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("dispatcher is closed")

// Dispatcher handles async delivery of events.
type Dispatcher interface {
	// Dispatch queues an event for async delivery. Non-blocking.
	// Returns ErrBufferFull if the event cannot be queued.
	Dispatch(event *Event) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close stops accepting events and delivers what is queued.
	// The context deadline controls how long to wait for drain.
	Close(ctx context.Context) error
}

// Event is an event to be delivered to a destination.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // webhook URL
	SigningKey  string // HMAC key for signing, empty = no signing
	Requeues    int    // times requeued because the host's breaker was open
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth    int                  `json:"queueDepth"`
	Queued        int64                `json:"queued"`
	Delivered     int64                `json:"delivered"`
	Failed        int64                `json:"failed"`   // failed after retries
	Dropped       int64                `json:"dropped"`  // full buffer or too many requeues
	Requeued      int64                `json:"requeued"` // host breaker was open
	RetriesTotal  int64                `json:"retriesTotal"`
	BreakersTotal int                  `json:"breakersTotal"` // hosts seen
	BreakersOpen  int                  `json:"breakersOpen"`
	OpenHosts     []string             `json:"openHosts,omitempty"`
	ByType        map[string]TypeStats `json:"byType,omitempty"` // keyed by event type
}

// TypeStats counts the outcomes for one event type.
type TypeStats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Requeued  int64 `json:"requeued"`
}
