// Package notify tells the host editor about bake lifecycle changes and asks
// it to import downloaded results, by posting CloudEvents to its webhook.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"acousticsbake/internal/dispatcher"
	"acousticsbake/internal/job"
	"acousticsbake/pkg/cloudevent"
)

// Notifier implements job.Importer and job.EventSink. Without a webhook URL
// events are only logged.
type Notifier struct {
	dispatcher dispatcher.Dispatcher
	url        string
	key        string
	logger     *slog.Logger
}

// New creates a notifier that delivers to url, signing with key when set.
func New(d dispatcher.Dispatcher, url, key string) *Notifier {
	return &Notifier{
		dispatcher: d,
		url:        url,
		key:        key,
		logger:     slog.With("component", "notify"),
	}
}

// Publish queues a lifecycle event. Delivery failures are logged.
func (n *Notifier) Publish(ev *cloudevent.CloudEvent) {
	if n.url == "" {
		n.logger.Debug("No webhook configured, event not sent", "type", ev.Type, "subject", ev.Subject)
		return
	}
	if err := n.dispatch(ev); err != nil {
		n.logger.Warn("Failed to queue event", "type", ev.Type, "subject", ev.Subject, "error", err)
	}
}

// Import asks the editor to import the result at path.
func (n *Notifier) Import(ctx context.Context, prefix, path string) error {
	if n.url == "" {
		n.logger.Info("Result ready for import", "prefix", prefix, "path", path)
		return nil
	}
	if err := n.dispatch(job.NewEventBuilder(prefix, "").BuildImportEvent(path)); err != nil {
		return fmt.Errorf("queue import of %s: %w", path, err)
	}
	return nil
}

func (n *Notifier) dispatch(ev *cloudevent.CloudEvent) error {
	return n.dispatcher.Dispatch(&dispatcher.Event{
		Payload:     ev,
		Destination: n.url,
		SigningKey:  n.key,
	})
}

var (
	_ job.Importer  = (*Notifier)(nil)
	_ job.EventSink = (*Notifier)(nil)
)
