// bake-agent runs the acoustics bake lifecycle for one project: it serves
// the HTTP API the editor drives and polls the active job on an interval.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"acousticsbake/internal/api"
	"acousticsbake/internal/compute"
	"acousticsbake/internal/compute/batch"
	"acousticsbake/internal/compute/docker"
	"acousticsbake/internal/config"
	"acousticsbake/internal/dispatcher"
	"acousticsbake/internal/estimate"
	"acousticsbake/internal/health"
	"acousticsbake/internal/history"
	"acousticsbake/internal/job"
	"acousticsbake/internal/notify"
	"acousticsbake/internal/observability"
	"acousticsbake/internal/secret"
	"acousticsbake/pkg/backoff"
	"acousticsbake/pkg/circuitbreaker"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Agent failed", "error", err)
		os.Exit(1)
	}
}

// newCompute creates the configured compute backend.
func newCompute(cfg *config.AgentConfig) (compute.Client, func() error, error) {
	switch cfg.ComputeBackend {
	case config.BackendDocker:
		b, err := docker.New(docker.Config{})
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	case config.BackendBatch:
		b := batch.New(batch.Config{
			Storage: cfg.Storage,
			Retry:   backoff.Config{Initial: 500 * time.Millisecond, Max: 5 * time.Second},
			Breaker: circuitbreaker.Config{Threshold: 5, Cooldown: 30 * time.Second},
		})
		return b, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown compute backend %q", cfg.ComputeBackend)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	agentCfg := config.LoadAgentConfig()
	dispatcherCfg := dispatcher.LoadConfigFromEnv()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	client, closeClient, err := newCompute(agentCfg)
	if err != nil {
		return err
	}
	defer closeClient()
	slog.Info("Compute backend ready", "backend", agentCfg.ComputeBackend)

	historyStore, err := history.NewSQLiteStore(agentCfg.HistoryDB)
	if err != nil {
		return err
	}
	defer historyStore.Close()

	// Webhook delivery for import requests and lifecycle events
	eventDispatcher := dispatcher.NewMemory(dispatcherCfg, metrics)
	notifier := notify.New(eventDispatcher, agentCfg.ImportWebhookURL, agentCfg.ImportWebhookKey)
	if agentCfg.ImportWebhookURL == "" {
		slog.Warn("No IMPORT_WEBHOOK_URL configured, results must be imported manually")
	}

	controller := job.NewController(job.ControllerConfig{
		Client: client,
		Codec:  secret.NewCodec(secret.NewUserKeyProtector(agentCfg.SecretKeyFile)),
		Paths: job.Paths{
			ProjectConfig: agentCfg.ProjectConfigPath(),
			DefaultConfig: agentCfg.DefaultConfigPath(),
			ResultsDir:    agentCfg.ResultsDir(),
			LogDir:        agentCfg.LogDir(),
		},
		Tables:   estimate.NewTables(agentCfg.ResourcesDir()),
		Importer: notifier,
		Events:   notifier,
		History:  historyStore,
		Metrics:  metrics,
	})
	if err := controller.Initialize(ctx); err != nil {
		return err
	}

	healthChecker := health.NewChecker(
		health.Dependency{Name: "compute", Checker: client},
		health.Dependency{Name: "history", Checker: historyStore, Critical: true},
	)

	router := api.NewRouter(api.RouterConfig{
		Controller:    controller,
		History:       historyStore,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		Dispatcher:    eventDispatcher,
		APIKey:        agentCfg.APIKey,
	})

	if agentCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + agentCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + agentCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 2)

	go func() {
		slog.Info("Starting API server", "port", agentCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", agentCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Poll the active job. Cancelling tickCtx also ends a tick blocked on a
	// write-protected result file.
	tickCtx, stopTicks := context.WithCancel(ctx)
	var ticker sync.WaitGroup
	ticker.Add(1)
	go func() {
		defer ticker.Done()
		runTicks(tickCtx, controller, agentCfg.TickInterval)
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		stopTicks()
		ticker.Wait()
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark agent as unhealthy and stop polling
	healthChecker.SetShuttingDown()
	stopTicks()
	ticker.Wait()

	if agentCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", agentCfg.ShutdownDrainWait)
		time.Sleep(agentCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Let cancelled submissions clean up their remote jobs
	reapCtx, reapCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer reapCancel()
	if err := controller.Close(reapCtx); err != nil {
		slog.Warn("Cancelled submissions still pending at shutdown", "error", err)
	}

	// Phase 4: Drain webhook dispatcher
	slog.Info("Draining webhook dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	stats := eventDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	// The remote job keeps running; the saved record resumes monitoring on
	// the next start.
	if rec := controller.Record(); rec.JobID != "" {
		slog.Info("Bake job continues remotely", "jobId", rec.JobID, "prefix", rec.Prefix)
	}
	slog.Info("Shutdown complete")
	return nil
}

// runTicks calls Tick every interval until ctx ends. Ticks run on their own
// goroutine so a blocked tick shows up as deferred ticks, not a stalled loop.
func runTicks(ctx context.Context, c *job.Controller, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.Tick(ctx)
			}()
		}
	}
}
