package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"acousticsbake/pkg/backoff"
	"acousticsbake/pkg/circuitbreaker"
	"acousticsbake/pkg/cloudevent"
)

// deliveryTimeout bounds one delivery including its retries.
const deliveryTimeout = 30 * time.Second

// MemoryDispatcher queues events in a bounded channel and posts them from a
// fixed set of workers. A full queue drops the event.
type MemoryDispatcher struct {
	queue    chan *Event
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	cfg      MemoryConfig
	metrics  MetricsRecorder
	logger   *slog.Logger

	tally   tally
	retries atomic.Int64

	workers sync.WaitGroup
	stop    chan struct{}
	closed  atomic.Bool
}

// MetricsRecorder receives delivery outcomes. It may be nil.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherRequeued(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// tally counts outcomes overall and per event type.
type tally struct {
	mu     sync.Mutex
	total  TypeStats
	queued int64
	byType map[string]*TypeStats
}

func (t *tally) add(eventType string, fn func(*TypeStats)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byType == nil {
		t.byType = make(map[string]*TypeStats)
	}
	s, ok := t.byType[eventType]
	if !ok {
		s = &TypeStats{}
		t.byType[eventType] = s
	}
	fn(s)
	fn(&t.total)
}

func (t *tally) snapshot() (TypeStats, int64, map[string]TypeStats) {
	t.mu.Lock()
	defer t.mu.Unlock()
	byType := make(map[string]TypeStats, len(t.byType))
	for k, v := range t.byType {
		byType[k] = *v
	}
	return t.total, t.queued, byType
}

// NewMemory starts a dispatcher with cfg.Workers delivery goroutines.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()

	d := &MemoryDispatcher{
		queue:  make(chan *Event, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: defaultBreakerThreshold,
			Cooldown:  cfg.Cooldown,
		}),
		cfg:     cfg,
		metrics: metrics,
		logger:  slog.With("component", "dispatcher"),
		stop:    make(chan struct{}),
	}

	d.workers.Add(cfg.Workers)
	for range cfg.Workers {
		go d.work()
	}
	if metrics != nil {
		go d.sampleQueue()
	}

	d.logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

// Dispatch queues event without blocking.
func (d *MemoryDispatcher) Dispatch(event *Event) error {
	if d.closed.Load() {
		return ErrClosed
	}
	select {
	case d.queue <- event:
		d.tally.mu.Lock()
		d.tally.queued++
		d.tally.mu.Unlock()
		return nil
	default:
		d.drop(event, "buffer full")
		return ErrBufferFull
	}
}

// Stats returns the counters so far.
func (d *MemoryDispatcher) Stats() Stats {
	total, queued, byType := d.tally.snapshot()
	breakers := d.breakers.Stats()
	return Stats{
		QueueDepth:    len(d.queue),
		Queued:        queued,
		Delivered:     total.Delivered,
		Failed:        total.Failed,
		Dropped:       total.Dropped,
		Requeued:      total.Requeued,
		RetriesTotal:  d.retries.Load(),
		BreakersTotal: breakers.Total,
		BreakersOpen:  breakers.Open,
		OpenHosts:     d.breakers.OpenKeys(),
		ByType:        byType,
	}
}

// Close stops accepting events and waits for the workers to empty the
// queue or for ctx to end.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}
	d.logger.Info("Dispatcher shutting down", "queued", len(d.queue))
	close(d.stop)

	done := make(chan struct{})
	go func() {
		d.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		s := d.Stats()
		d.logger.Info("Dispatcher shutdown complete", "delivered", s.Delivered, "failed", s.Failed, "dropped", s.Dropped)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

func (d *MemoryDispatcher) sampleQueue() {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-t.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(d.queue)))
		}
	}
}

func (d *MemoryDispatcher) work() {
	defer d.workers.Done()
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		case <-d.stop:
			// Flush what is left, then exit.
			for {
				select {
				case ev := <-d.queue:
					d.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

// deliver posts one event through the breaker of its host. While the host
// is blocked the event is requeued; 4xx answers never count against it.
func (d *MemoryDispatcher) deliver(ev *Event) {
	host := hostOf(ev.Destination)
	eventType := ev.Payload.Type

	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	start := time.Now()
	err := d.breakers.Get(host).Do(func() error {
		return d.post(ctx, ev)
	}, func(err error) bool {
		return !cloudevent.IsClientError(err)
	})

	if errors.Is(err, circuitbreaker.ErrOpen) {
		d.requeue(ev, host)
		return
	}
	if err != nil {
		d.tally.add(eventType, func(s *TypeStats) { s.Failed++ })
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(ctx)
		}
		d.logger.Warn("Delivery failed", "destination", host, "type", eventType, "subject", ev.Payload.Subject, "error", err)
		return
	}
	d.tally.add(eventType, func(s *TypeStats) { s.Delivered++ })
	if d.metrics != nil {
		d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
	}
}

func (d *MemoryDispatcher) post(ctx context.Context, ev *Event) error {
	opts := cloudevent.SendOptions{SigningKey: ev.SigningKey}
	first := true
	return backoff.Retry(ctx, d.cfg.MaxRetries+1, &d.cfg.Backoff, func(ctx context.Context) error {
		if !first {
			d.retries.Add(1)
		}
		first = false

		err := d.sender.Send(ctx, ev.Destination, ev.Payload, opts)
		if cloudevent.IsClientError(err) {
			return backoff.Permanent(err)
		}
		return err
	})
}

// requeue schedules ev to re-enter the queue once the breaker cooldown has
// passed. An event requeued too often is dropped.
func (d *MemoryDispatcher) requeue(ev *Event, host string) {
	if ev.Requeues >= defaultMaxRequeues {
		d.drop(ev, "max requeues reached")
		return
	}
	ev.Requeues++
	d.tally.add(ev.Payload.Type, func(s *TypeStats) { s.Requeued++ })
	if d.metrics != nil {
		d.metrics.RecordDispatcherRequeued(context.Background())
	}

	go func() {
		timer := time.NewTimer(d.cfg.Cooldown)
		defer timer.Stop()
		select {
		case <-d.stop:
			return
		case <-timer.C:
		}

		select {
		case d.queue <- ev:
			d.logger.Debug("Event requeued", "destination", host, "type", ev.Payload.Type)
		case <-d.stop:
		default:
			d.drop(ev, "buffer full on requeue")
		}
	}()
}

func (d *MemoryDispatcher) drop(ev *Event, reason string) {
	d.tally.add(ev.Payload.Type, func(s *TypeStats) { s.Dropped++ })
	if d.metrics != nil {
		d.metrics.RecordDispatcherDropped(context.Background())
	}
	d.logger.Warn("Event dropped",
		"reason", reason,
		"destination", hostOf(ev.Destination),
		"type", ev.Payload.Type,
		"subject", ev.Payload.Subject,
	)
}

// hostOf keys breakers by URL host.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}

var _ Dispatcher = (*MemoryDispatcher)(nil)
