// Package api provides the HTTP API handlers and routing for the bake agent.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"acousticsbake/internal/apperrors"
	"acousticsbake/internal/dispatcher"
	"acousticsbake/internal/estimate"
	"acousticsbake/internal/health"
	"acousticsbake/internal/history"
	"acousticsbake/internal/job"
	"acousticsbake/internal/settings"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

const defaultHistoryLimit = 50

// Controller is the job lifecycle surface exposed over HTTP.
type Controller interface {
	Status() job.Report
	State() job.State
	Record() job.Record
	LoadConfiguration(ctx context.Context) error
	SaveConfiguration(ctx context.Context) error
	UpdateCredentials(ctx context.Context) error
	Settings() job.Settings
	ApplySettings(s job.Settings) error
	DefaultSimulation() settings.Simulation
	EstimateProcessingTime(probeCount int) (time.Duration, error)
	Submit(ctx context.Context, req job.SubmitRequest) error
	Tick(ctx context.Context) bool
	Cancel(ctx context.Context) error
}

// HistoryLister lists past jobs, newest first.
type HistoryLister interface {
	List(ctx context.Context, limit int) ([]history.Entry, error)
}

// StatusResponse is the body of status-returning endpoints.
type StatusResponse struct {
	Status   job.Report  `json:"status"`
	State    job.State   `json:"state"`
	Job      *job.Record `json:"job,omitempty"`
	Deferred bool        `json:"deferred,omitempty"`
}

// SettingsResponse never carries the account keys, only whether they are set.
type SettingsResponse struct {
	job.Settings
	KeysConfigured    bool                `json:"keysConfigured"`
	DefaultSimulation settings.Simulation `json:"defaultSimulation"`
}

// EstimateResponse is the body of GET /v1/estimate.
type EstimateResponse struct {
	Seconds float64 `json:"seconds"`
	Minutes float64 `json:"minutes"`
	Text    string  `json:"text"`
}

// Handler contains HTTP handlers for the bake API
type Handler struct {
	ctrl       Controller
	history    HistoryLister
	health     *health.Checker
	dispatcher dispatcher.Dispatcher
}

// NewHandler creates a new API handler
func NewHandler(ctrl Controller, hist HistoryLister, healthChecker *health.Checker, d dispatcher.Dispatcher) *Handler {
	return &Handler{
		ctrl:       ctrl,
		history:    hist,
		health:     healthChecker,
		dispatcher: d,
	}
}

func (h *Handler) status(deferred bool) StatusResponse {
	resp := StatusResponse{
		Status:   h.ctrl.Status(),
		State:    h.ctrl.State(),
		Deferred: deferred,
	}
	if rec := h.ctrl.Record(); !rec.Empty() {
		resp.Job = &rec
	}
	return resp
}

// GetStatus handles GET /v1/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.status(false))
}

// LoadConfiguration handles POST /v1/configuration/load
func (h *Handler) LoadConfiguration(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.LoadConfiguration(r.Context()); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.status(false))
}

// SaveConfiguration handles POST /v1/configuration/save
func (h *Handler) SaveConfiguration(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.SaveConfiguration(r.Context()); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetSettings handles GET /v1/settings
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.settingsResponse())
}

func (h *Handler) settingsResponse() SettingsResponse {
	s := h.ctrl.Settings()
	resp := SettingsResponse{
		Settings:          s,
		KeysConfigured:    s.Account.HasKeys(),
		DefaultSimulation: h.ctrl.DefaultSimulation(),
	}
	resp.Account.BatchKey = ""
	resp.Account.StorageKey = ""
	resp.Account.RegistryKey = ""
	return resp
}

// PutSettings handles PUT /v1/settings. Account keys left empty keep their
// current value. The new credentials are pushed to the compute backend.
func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.Settings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	current := h.ctrl.Settings().Account
	if req.Account.BatchKey == "" {
		req.Account.BatchKey = current.BatchKey
	}
	if req.Account.StorageKey == "" {
		req.Account.StorageKey = current.StorageKey
	}
	if req.Account.RegistryKey == "" {
		req.Account.RegistryKey = current.RegistryKey
	}

	if err := h.ctrl.ApplySettings(req); err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := h.ctrl.UpdateCredentials(r.Context()); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.settingsResponse())
}

// UpdateCredentials handles POST /v1/credentials
func (h *Handler) UpdateCredentials(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.UpdateCredentials(r.Context()); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetEstimate handles GET /v1/estimate?probeCount=N
func (h *Handler) GetEstimate(w http.ResponseWriter, r *http.Request) {
	probes, err := strconv.Atoi(r.URL.Query().Get("probeCount"))
	if err != nil || probes < 0 {
		h.writeError(w, http.StatusBadRequest, "probeCount must be a non-negative integer")
		return
	}

	d, err := h.ctrl.EstimateProcessingTime(probes)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, EstimateResponse{
		Seconds: d.Seconds(),
		Minutes: d.Minutes(),
		Text:    estimate.FormatDuration(d),
	})
}

// SubmitJob handles POST /v1/jobs
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if err := h.ctrl.Submit(r.Context(), req); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, h.status(false))
}

// TickJob handles POST /v1/jobs/active/tick
func (h *Handler) TickJob(w http.ResponseWriter, r *http.Request) {
	ran := h.ctrl.Tick(r.Context())
	h.writeJSON(w, http.StatusOK, h.status(!ran))
}

// CancelJob handles DELETE /v1/jobs/active. The local job is always
// forgotten; a failed remote deletion is reported with the status.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Cancel(r.Context()); err != nil {
		slog.Warn("Job cancellation incomplete", "error", err)
		h.writeJSON(w, apperrors.HTTPStatus(err), h.status(false))
		return
	}
	h.writeJSON(w, http.StatusOK, h.status(false))
}

// ListHistory handles GET /v1/history?limit=N
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := h.history.List(r.Context(), limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": entries})
}

// NotificationStats handles GET /v1/notifications/stats
func (h *Handler) NotificationStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.dispatcher.Stats())
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 only when a critical dependency is down; a degraded agent
// still serves requests.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from the controller with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
