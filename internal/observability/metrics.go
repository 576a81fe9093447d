package observability

import (
	"context"
	"errors"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Bucket boundaries in seconds.
var (
	httpBuckets     = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	deliveryBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	// Bakes run for minutes to days.
	bakeBuckets = []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800, 86400, 172800}
)

// Metrics holds the agent's metrics:
// - HTTP: latency, traffic and errors of the control API
// - Bake: submissions, status polls, downloads and job duration
// - Dispatcher: webhook delivery
type Metrics struct {
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	SubmissionsTotal metric.Int64Counter
	TicksTotal       metric.Int64Counter
	TicksDeferred    metric.Int64Counter
	DownloadsTotal   metric.Int64Counter
	JobsActive       metric.Int64UpDownCounter
	JobDuration      metric.Float64Histogram

	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherRequeued  metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

// instruments creates instruments on a meter and collects their errors.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (in *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc))
	in.errs = append(in.errs, err)
	return c
}

func (in *instruments) upDown(name, desc string) metric.Int64UpDownCounter {
	c, err := in.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	in.errs = append(in.errs, err)
	return c
}

func (in *instruments) gauge(name, desc string) metric.Int64Gauge {
	g, err := in.meter.Int64Gauge(name, metric.WithDescription(desc))
	in.errs = append(in.errs, err)
	return g
}

func (in *instruments) seconds(name, desc string, buckets []float64) metric.Float64Histogram {
	h, err := in.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	in.errs = append(in.errs, err)
	return h
}

// NewMetrics creates the instruments and a handler serving them, with Go
// runtime and process metrics, in Prometheus text format. Each call uses its
// own registry.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	reg := promclient.NewRegistry()
	if err := errors.Join(
		reg.Register(collectors.NewGoCollector()),
		reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})),
	); err != nil {
		return nil, nil, err
	}

	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	in := &instruments{meter: provider.Meter("acousticsbake")}
	m := &Metrics{
		HTTPRequestDuration: in.seconds("http_request_duration_seconds", "HTTP request latency in seconds", httpBuckets),
		HTTPRequestsTotal:   in.counter("http_requests_total", "Total number of HTTP requests"),
		HTTPErrorsTotal:     in.counter("http_errors_total", "Total number of HTTP errors (4xx and 5xx)"),

		SubmissionsTotal: in.counter("bake_submissions_total", "Bake submissions by outcome"),
		TicksTotal:       in.counter("bake_ticks_total", "Status polls that ran"),
		TicksDeferred:    in.counter("bake_ticks_deferred_total", "Status polls skipped because a previous poll was still running"),
		DownloadsTotal:   in.counter("bake_downloads_total", "Result downloads by outcome"),
		JobsActive:       in.upDown("bake_jobs_active", "Bake jobs submitted and not yet finished (0 or 1)"),
		JobDuration:      in.seconds("bake_job_duration_seconds", "Time from submission to finish, by outcome", bakeBuckets),

		DispatcherDuration:  in.seconds("dispatcher_duration_seconds", "Webhook delivery latency in seconds", deliveryBuckets),
		DispatcherDelivered: in.counter("dispatcher_delivered_total", "Total events successfully delivered"),
		DispatcherFailed:    in.counter("dispatcher_failed_total", "Total events failed after retries"),
		DispatcherDropped:   in.counter("dispatcher_dropped_total", "Total events dropped (buffer full or max requeues)"),
		DispatcherRequeued:  in.counter("dispatcher_requeued_total", "Total events requeued due to open circuit"),
		DispatcherQueueSize: in.gauge("dispatcher_queue_size", "Current number of events in dispatcher queue (saturation)"),
	}
	if err := errors.Join(in.errs...); err != nil {
		_ = provider.Shutdown(ctx)
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

// RecordHTTPRequest records HTTP request metrics. route is the matched
// route pattern, not the raw path.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		routeAttr(route),
		statusAttr(statusCode),
	)
	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordSubmission records the outcome of a submission. A successful one
// makes a job active.
func (m *Metrics) RecordSubmission(ctx context.Context, success bool) {
	m.SubmissionsTotal.Add(ctx, 1, metric.WithAttributes(successAttr(success)))
	if success {
		m.JobsActive.Add(ctx, 1)
	}
}

// RecordTick records a status poll. deferred polls did not run.
func (m *Metrics) RecordTick(ctx context.Context, deferred bool) {
	if deferred {
		m.TicksDeferred.Add(ctx, 1)
		return
	}
	m.TicksTotal.Add(ctx, 1)
}

// RecordDownload records the outcome of a result download.
func (m *Metrics) RecordDownload(ctx context.Context, success bool) {
	m.DownloadsTotal.Add(ctx, 1, metric.WithAttributes(successAttr(success)))
}

// RecordJobFinished records an active job leaving the system.
func (m *Metrics) RecordJobFinished(ctx context.Context, outcome string, durationSeconds float64) {
	m.JobsActive.Add(ctx, -1)
	m.JobDuration.Record(ctx, durationSeconds, metric.WithAttributes(outcomeAttr(outcome)))
}

func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

func (m *Metrics) RecordDispatcherFailed(ctx context.Context)   { m.DispatcherFailed.Add(ctx, 1) }
func (m *Metrics) RecordDispatcherDropped(ctx context.Context)  { m.DispatcherDropped.Add(ctx, 1) }
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) { m.DispatcherRequeued.Add(ctx, 1) }

func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
