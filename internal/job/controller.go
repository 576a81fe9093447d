// Package job implements the bake job lifecycle controller: one remote job
// at a time, submitted, polled, downloaded and cleaned up by repeated calls
// to Tick.
package job

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"acousticsbake/internal/apperrors"
	"acousticsbake/internal/compute"
	"acousticsbake/internal/estimate"
	"acousticsbake/internal/history"
	"acousticsbake/internal/observability"
	"acousticsbake/internal/settings"
	"acousticsbake/pkg/backoff"
	"acousticsbake/pkg/cloudevent"
)

// Importer hands a downloaded result to the host editor.
type Importer interface {
	Import(ctx context.Context, prefix, path string) error
}

// EventSink receives lifecycle events. Publish must not block.
type EventSink interface {
	Publish(ev *cloudevent.CloudEvent)
}

// History records where each job ended up.
type History interface {
	Record(ctx context.Context, e history.Entry) error
}

// ControllerConfig holds the collaborators of a Controller.
type ControllerConfig struct {
	Client   compute.Client
	Codec    settings.SecretCodec
	Paths    Paths
	Tables   *estimate.Tables      // nil disables estimates
	Importer Importer              // required
	Events   EventSink             // optional
	History  History               // optional
	Metrics  *observability.Metrics // optional
	Guard    WriteGuard            // default: PollingGuard
	Now      func() time.Time      // default: time.Now
}

// reapTimeout bounds the deletion of a job whose submission was cancelled.
const reapTimeout = 2 * time.Minute

// Controller owns the job record and status report.
//
// # Concurrency
//
// Tick is serialized by tickMu and never waits for it: a Tick that finds
// the previous one still running returns immediately. mu guards the
// record, report, settings and handles. It is never held across a remote
// call or the write-protection wait, so Status and Cancel stay responsive
// while a Tick or Submit blocks, and it is always released by a deferred
// Unlock so a recovered panic cannot leave it held. Anything learned before
// releasing mu is re-checked against the current handles afterwards;
// results of handles that were forgotten in between are dropped.
type Controller struct {
	client   compute.Client
	codec    settings.SecretCodec
	paths    Paths
	tables   *estimate.Tables
	importer Importer
	events   EventSink
	history  History
	metrics  *observability.Metrics
	guard    WriteGuard
	now      func() time.Time
	logger   *slog.Logger

	tickMu  sync.Mutex
	reapers sync.WaitGroup

	mu         sync.Mutex
	activePath string
	defaults   settings.Simulation
	settings   Settings
	record     Record
	report     Report
	dispatch   *submitOp // reserved, SubmitJob not returned yet
	submit     *submitOp
	download   *downloadOp
}

type submitOp struct {
	prefix   string
	estimate time.Duration
	handle   *compute.Handle[string]
}

type downloadOp struct {
	jobID  string
	dest   string
	handle *compute.Handle[struct{}]
}

// NewController creates a controller. Call Initialize before anything else.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.Guard == nil {
		cfg.Guard = NewPollingGuard(backoff.Config{Initial: 500 * time.Millisecond, Max: 5 * time.Second})
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		client:   cfg.Client,
		codec:    cfg.Codec,
		paths:    cfg.Paths,
		tables:   cfg.Tables,
		importer: cfg.Importer,
		events:   cfg.Events,
		history:  cfg.History,
		metrics:  cfg.Metrics,
		guard:    cfg.Guard,
		now:      cfg.Now,
		logger:   slog.With("component", "job-controller"),
	}
}

// Initialize reads the bundled defaults, picks the active configuration file
// and loads it. A missing default configuration means a broken installation.
func (c *Controller) Initialize(ctx context.Context) error {
	def, err := settings.LoadRequired(c.paths.DefaultConfig, c.codec)
	if err != nil {
		c.logger.Error("Default configuration is missing, reinstall the plugin", "path", c.paths.DefaultConfig, "error", err)
		return err
	}
	sim, err := def.Simulation()
	if err != nil {
		c.logger.Error("Default simulation parameters are invalid", "path", c.paths.DefaultConfig, "error", err)
		return err
	}

	active := c.paths.DefaultConfig
	if exists(c.paths.ProjectConfig) {
		active = c.paths.ProjectConfig
	}

	c.locked(func() {
		c.defaults = sim
		c.activePath = active
	})

	c.logger.Info("Using configuration", "path", active)
	return c.LoadConfiguration(ctx)
}

// LoadConfiguration replaces the in-memory settings and job record with the
// active configuration file, then pushes the credentials to the compute
// client. A job restored from the file is monitored by the next Tick.
func (c *Controller) LoadConfiguration(ctx context.Context) error {
	rec, err := c.reload()
	if err != nil {
		return err
	}
	if rec.JobID != "" {
		c.logger.Info("Resuming monitoring of bake job", "jobId", rec.JobID, "prefix", rec.Prefix)
	}
	return c.UpdateCredentials(ctx)
}

// reload replaces settings and record from the active file.
func (c *Controller) reload() (Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dispatch != nil || c.submit != nil || c.download != nil {
		return Record{}, apperrors.Conflict("job", c.record.Prefix, "configuration cannot be reloaded while a submission or download is in flight")
	}
	if c.activePath == "" {
		return Record{}, apperrors.ConfigMissing(c.paths.DefaultConfig)
	}

	cfg, err := settings.Load(c.activePath, c.codec)
	if err != nil {
		c.logger.Error("Failed to load configuration", "path", c.activePath, "error", err)
		return Record{}, err
	}
	s, err := settingsFrom(cfg)
	if err != nil {
		c.logger.Error("Configuration contains invalid values", "path", c.activePath, "error", err)
		return Record{}, err
	}
	// The toolset always follows the plugin version.
	s.Account.ToolsetVersion = settings.DefaultToolsetVersion

	st := cfg.JobState()
	rec := Record{JobID: st.JobID, Prefix: st.Prefix, SubmitTime: st.SubmitTime}
	if rec.JobID == "" || rec.Prefix == "" {
		rec = Record{}
	}

	c.settings = s
	c.record = rec
	return rec, nil
}

func settingsFrom(cfg *settings.Config) (Settings, error) {
	sim, err := cfg.Simulation()
	if err != nil {
		return Settings{}, err
	}
	pool, err := cfg.Pool()
	if err != nil {
		return Settings{}, err
	}
	project, err := cfg.Project()
	if err != nil {
		return Settings{}, err
	}
	return Settings{Account: cfg.Account(), Simulation: sim, Pool: pool, Project: project}, nil
}

// SaveConfiguration writes the in-memory settings and job record to the
// project configuration file, which becomes the active file.
func (c *Controller) SaveConfiguration(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked()
}

// saveLocked persists the current state. The project file is read first so
// keys this process does not know about survive. Must hold mu.
func (c *Controller) saveLocked() error {
	if c.activePath == "" || !exists(c.activePath) {
		err := apperrors.ConfigMissing(c.activePath)
		c.logger.Error("Configuration file is missing, settings were not saved", "path", c.activePath, "error", err)
		return err
	}

	cfg, err := settings.Load(c.paths.ProjectConfig, c.codec)
	if err != nil {
		c.logger.Error("Failed to read project configuration", "path", c.paths.ProjectConfig, "error", err)
		return err
	}
	cfg.SetAccount(c.settings.Account)
	cfg.SetSimulation(c.settings.Simulation)
	cfg.SetPool(c.settings.Pool)
	cfg.SetProject(c.settings.Project)
	cfg.SetJobState(settings.JobState{
		JobID:      c.record.JobID,
		Prefix:     c.record.Prefix,
		SubmitTime: c.record.SubmitTime,
	})

	if err := cfg.Save(c.paths.ProjectConfig, c.codec); err != nil {
		c.logger.Error("Failed to save project configuration", "path", c.paths.ProjectConfig, "error", err)
		return err
	}
	c.activePath = c.paths.ProjectConfig
	return nil
}

// UpdateCredentials pushes the account settings to the compute client.
func (c *Controller) UpdateCredentials(ctx context.Context) error {
	var acct settings.Account
	c.locked(func() {
		if c.settings.Account.ToolsetVersion == "" {
			c.settings.Account.ToolsetVersion = settings.DefaultToolsetVersion
		}
		acct = c.settings.Account
	})

	if err := c.client.UpdateCredentials(credentialsFrom(acct)); err != nil {
		c.logger.Error("Failed to update compute credentials", "error", err)
		return err
	}
	return nil
}

func credentialsFrom(a settings.Account) compute.Credentials {
	creds := compute.Credentials{
		BatchURL:       a.URL,
		BatchName:      a.BatchName,
		BatchKey:       a.BatchKey,
		StorageName:    a.StorageName,
		StorageKey:     a.StorageKey,
		ToolsetVersion: a.ToolsetVersion,
	}
	if a.RegistryServer != "" {
		creds.Registry = &compute.Registry{
			Server:  a.RegistryServer,
			Account: a.RegistryAccount,
			Key:     a.RegistryKey,
		}
	}
	return creds
}

// EstimateProcessingTime estimates the bake duration for probeCount probes
// with the current settings. With no cost table for the configured frequency
// the estimate is zero.
func (c *Controller) EstimateProcessingTime(probeCount int) (time.Duration, error) {
	var (
		sim  settings.Simulation
		pool settings.Pool
	)
	c.locked(func() { sim, pool = c.settings.Simulation, c.settings.Pool })

	if c.tables == nil {
		return 0, nil
	}
	table, err := c.tables.ForFrequency(sim.MaxFrequency)
	if errors.Is(err, estimate.ErrNoCostTable) {
		c.logger.Error("No cost table for the configured frequency", "frequency", sim.MaxFrequency)
		return 0, nil
	}
	if err != nil {
		c.logger.Error("Failed to load cost table", "frequency", sim.MaxFrequency, "error", err)
		return 0, err
	}
	return estimate.Estimate(table,
		estimate.NewSimulationConfig(sim, probeCount),
		compute.NewPoolConfig(pool.VMSize, pool.Nodes, pool.UseLowPriority))
}

// Submit starts a bake. The submission runs in the background and is
// confirmed by a later Tick. Only one job may exist at a time.
func (c *Controller) Submit(ctx context.Context, req SubmitRequest) error {
	var est time.Duration
	if req.ProbeCount > 0 {
		est, _ = c.EstimateProcessingTime(req.ProbeCount)
	}

	op := &submitOp{estimate: est}
	var (
		pool  compute.PoolConfig
		state State
	)
	reserved := c.lockedIf(func() bool {
		state = c.stateLocked()
		op.prefix = c.record.Prefix
		return state == StateIdle
	}, func() {
		op.prefix = prefixTag + c.now().UTC().Format("20060102-150405")
		pool = compute.NewPoolConfig(c.settings.Pool.VMSize, c.settings.Pool.Nodes, c.settings.Pool.UseLowPriority)
		c.dispatch = op
		c.record = Record{Prefix: op.prefix, SubmitPending: true}
		c.report = Report{Succeeded: true}
	})
	if !reserved {
		return apperrors.Conflict("job", op.prefix, "a bake job is already "+string(state))
	}

	prefix := op.prefix
	logger := c.logger.With("prefix", prefix)
	jobCfg := compute.JobConfig{Prefix: prefix, VoxFile: req.VoxFile, ConfigFile: req.ConfigFile}
	h, err := c.client.SubmitJob(ctx, pool, jobCfg)

	// Cancel may have dropped the reservation while SubmitJob ran.
	current := c.lockedIf(func() bool { return c.dispatch == op }, func() {
		c.dispatch = nil
		if err != nil {
			c.record = Record{}
			c.report = Report{Succeeded: false, Message: msgSubmitRejected}
			_ = c.saveLocked()
			return
		}
		op.handle = h
		c.submit = op
	})

	switch {
	case !current && err == nil:
		logger.Info("Submission cancelled while it was being dispatched")
		c.reap(&submitOp{prefix: prefix, handle: h})
		return nil
	case !current:
		logger.Info("Cancelled submission failed to dispatch", "error", err)
		return err
	case err != nil:
		logger.Error("Job submission failed", "error", err)
		c.recordSubmission(ctx, false)
		c.finish(ctx, Record{Prefix: prefix}, history.OutcomeFailed, "", err)
		return err
	}

	logger.Info("Job submission started", "vmSize", pool.VMSize, "nodes", pool.Nodes())
	return nil
}

// Cancel forgets the active job and deletes it remotely. The local record
// is cleared and persisted even when the remote deletion fails.
func (c *Controller) Cancel(ctx context.Context) error {
	var (
		rec Record
		sub *submitOp
	)
	active := c.lockedIf(func() bool {
		rec, sub = c.record, c.submit
		return !rec.Empty() || sub != nil || c.dispatch != nil
	}, func() {
		c.report = Report{Succeeded: true}
		c.record = Record{}
		c.dispatch = nil
		c.submit = nil
		c.download = nil
	})
	if !active {
		return nil
	}

	logger := c.logger.With("prefix", rec.Prefix)
	if sub != nil {
		c.reap(sub)
	}

	var deleteErr error
	if rec.JobID != "" {
		if err := c.client.DeleteJob(ctx, rec.JobID, false, ""); err != nil {
			logger.Error("Job deletion failed, the job may have been deleted already", "jobId", rec.JobID, "error", err)
			deleteErr = err
		}
	}

	var saveErr error
	c.locked(func() {
		if deleteErr != nil {
			c.report = Report{Succeeded: false, Message: msgCancelFailed}
		}
		saveErr = c.saveLocked()
	})

	logger.Info("Bake job cancelled", "jobId", rec.JobID)
	c.finish(ctx, rec, history.OutcomeCancelled, "", deleteErr)
	return errors.Join(deleteErr, saveErr)
}

// reap deletes the job of a cancelled submission should it still succeed.
func (c *Controller) reap(sub *submitOp) {
	c.reapers.Add(1)
	go func() {
		defer c.reapers.Done()
		<-sub.handle.Done()

		jobID, err := sub.handle.Result()
		if err != nil {
			return
		}
		logger := c.logger.With("prefix", sub.prefix, "jobId", jobID)
		logger.Info("Deleting job of a cancelled submission")

		ctx, cancel := context.WithTimeout(context.Background(), reapTimeout)
		defer cancel()
		if err := c.client.DeleteJob(ctx, jobID, false, ""); err != nil {
			logger.Error("Failed to delete job of a cancelled submission", "error", err)
		}
	}()
}

// Close waits for background deletions of cancelled submissions.
func (c *Controller) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.reapers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the last status report.
func (c *Controller) Status() Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.report
}

// Record returns the active job record.
func (c *Controller) Record() Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() State {
	switch {
	case c.dispatch != nil, c.submit != nil:
		return StateSubmitPending
	case c.download != nil:
		return StateDownloading
	case c.record.JobID != "":
		return StateActive
	default:
		return StateIdle
	}
}

// Settings returns a copy of the in-memory settings.
func (c *Controller) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.clone()
}

// ApplySettings replaces the in-memory settings. They are written by the
// next SaveConfiguration and pushed to the compute client by the next
// UpdateCredentials.
func (c *Controller) ApplySettings(s Settings) error {
	if s.Pool.Nodes < 0 {
		return apperrors.Validation("pool.nodes", "must not be negative")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = s.clone()
	return nil
}

// DefaultSimulation returns the simulation parameters bundled with the
// plugin, captured by Initialize.
func (c *Controller) DefaultSimulation() settings.Simulation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.defaults
}

// finish records the end of a job in history, metrics and events.
func (c *Controller) finish(ctx context.Context, rec Record, outcome history.Outcome, resultPath string, cause error) {
	if c.metrics != nil && rec.JobID != "" {
		var dur float64
		if !rec.SubmitTime.IsZero() {
			dur = c.now().Sub(rec.SubmitTime).Seconds()
		}
		c.metrics.RecordJobFinished(ctx, string(outcome), dur)
	}

	entry := history.Entry{
		Prefix:      rec.Prefix,
		JobID:       rec.JobID,
		SubmittedAt: rec.SubmitTime,
		FinishedAt:  c.now().UTC(),
		Outcome:     outcome,
		ResultPath:  resultPath,
	}
	if cause != nil {
		entry.Message = cause.Error()
	}
	c.recordHistory(ctx, entry)

	b := NewEventBuilder(rec.Prefix, rec.JobID)
	switch outcome {
	case history.OutcomeCompleted:
		c.publish(b.BuildCompletedEvent(resultPath))
	case history.OutcomeCancelled:
		c.publish(b.BuildCancelledEvent(cause))
	default:
		c.publish(b.BuildFailedEvent(cause))
	}
}

func (c *Controller) recordHistory(ctx context.Context, e history.Entry) {
	if c.history == nil || e.Prefix == "" {
		return
	}
	if e.SubmittedAt.IsZero() {
		e.SubmittedAt = c.now().UTC()
	}
	if err := c.history.Record(ctx, e); err != nil {
		c.logger.Warn("Failed to record job history", "prefix", e.Prefix, "error", err)
	}
}

func (c *Controller) publish(ev *cloudevent.CloudEvent) {
	if c.events != nil {
		c.events.Publish(ev)
	}
}

func (c *Controller) recordSubmission(ctx context.Context, success bool) {
	if c.metrics != nil {
		c.metrics.RecordSubmission(ctx, success)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
