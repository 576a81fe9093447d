package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"acousticsbake/internal/dispatcher"
	"acousticsbake/internal/health"
	"acousticsbake/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Controller    Controller
	History       HistoryLister
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	Dispatcher    dispatcher.Dispatcher
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Controller, cfg.History, cfg.HealthChecker, cfg.Dispatcher)

	r := chi.NewRouter()

	// Middleware chain (order matters: outermost first)
	r.Use(middleware.RequestID)
	r.Use(RecoveryMiddleware())
	r.Use(LoggingMiddleware())
	if cfg.Metrics != nil {
		r.Use(MetricsMiddleware(cfg.Metrics))
	}
	r.Use(CORSMiddleware())
	r.Use(ContentTypeMiddleware())

	// Health check endpoints (liveness/readiness probes) - no auth required
	r.Get("/livez", handler.Livez)
	r.Get("/readyz", handler.Readyz)

	r.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.APIKey))

		r.Get("/status", handler.GetStatus)

		r.Post("/configuration/load", handler.LoadConfiguration)
		r.Post("/configuration/save", handler.SaveConfiguration)
		r.Get("/settings", handler.GetSettings)
		r.Put("/settings", handler.PutSettings)
		r.Post("/credentials", handler.UpdateCredentials)
		r.Get("/estimate", handler.GetEstimate)

		r.Post("/jobs", handler.SubmitJob)
		r.Post("/jobs/active/tick", handler.TickJob)
		r.Delete("/jobs/active", handler.CancelJob)

		r.Get("/history", handler.ListHistory)
		if cfg.Dispatcher != nil {
			r.Get("/notifications/stats", handler.NotificationStats)
		}
	})

	return r
}
