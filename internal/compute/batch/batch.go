// Package batch implements compute.Client on a remote batch service.
//
// Inputs, results and logs travel through an S3-compatible bucket, keyed by
// the submission prefix:
//
//	<prefix>/input/<file>
//	<prefix>/output/<prefix>.ace
//	<prefix>/logs/<file>
//
// Jobs are created, queried and deleted through the service's signed REST
// API. The service issues the job ID.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"acousticsbake/internal/apperrors"
	"acousticsbake/internal/compute"
	"acousticsbake/internal/config"
	"acousticsbake/pkg/backoff"
	"acousticsbake/pkg/circuitbreaker"
)

// Config holds configuration for the batch backend.
type Config struct {
	Storage config.StorageConfig
	Timeout time.Duration  // Per-request timeout (default: 30s)
	Retry   backoff.Config // Backoff between idempotent request attempts
	Breaker circuitbreaker.Config
}

const queryAttempts = 3

// Backend submits bakes to the batch service.
type Backend struct {
	cfg      Config
	http     *http.Client
	breaker  *circuitbreaker.Breaker
	newStore storeFactory
	logger   *slog.Logger

	mu    sync.RWMutex
	creds compute.Credentials
	store objectStore
}

// New creates a batch backend. It has no credentials until UpdateCredentials.
func New(cfg Config) *Backend {
	return newBackend(cfg, newS3Store)
}

func newBackend(cfg Config, newStore storeFactory) *Backend {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	logger := slog.With("component", "batch")
	if cfg.Breaker.OnChange == nil {
		cfg.Breaker.OnChange = func(from, to circuitbreaker.State) {
			logger.Warn("Batch service breaker changed state", "from", from.String(), "to", to.String())
		}
	}
	return &Backend{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		breaker:  circuitbreaker.New(cfg.Breaker),
		newStore: newStore,
		logger:   logger,
	}
}

// UpdateCredentials replaces the service account and rebuilds the storage
// client. Empty storage credentials leave the backend without a store.
func (b *Backend) UpdateCredentials(creds compute.Credentials) error {
	var store objectStore
	if creds.StorageName != "" && creds.StorageKey != "" {
		s, err := b.newStore(context.Background(), b.cfg.Storage, creds.StorageName, creds.StorageKey)
		if err != nil {
			return apperrors.Internal("batch.updateCredentials", err)
		}
		store = s
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.creds = creds
	b.store = store
	b.breaker.Reset()
	return nil
}

// session is a consistent snapshot of the credentials and clients.
type session struct {
	creds compute.Credentials
	rest  *restClient
	store objectStore
}

func (b *Backend) session() (*session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.creds.BatchURL == "" || b.creds.BatchName == "" || b.creds.BatchKey == "" {
		return nil, apperrors.Validation("credentials", "batch account is not configured")
	}
	if b.store == nil {
		return nil, apperrors.Validation("credentials", "storage account is not configured")
	}
	return &session{
		creds: b.creds,
		store: b.store,
		rest: &restClient{
			http:     b.http,
			breaker:  b.breaker,
			attempts: queryAttempts,
			retry:    &b.cfg.Retry,
			baseURL:  b.creds.BatchURL,
			account:  b.creds.BatchName,
			key:      b.creds.BatchKey,
		},
	}, nil
}

// SubmitJob uploads the inputs and creates the job in the background.
func (b *Backend) SubmitJob(ctx context.Context, pool compute.PoolConfig, job compute.JobConfig) (*compute.Handle[string], error) {
	if err := job.Validate(); err != nil {
		return nil, apperrors.Validation("job", err.Error())
	}
	s, err := b.session()
	if err != nil {
		return nil, err
	}
	if s.creds.ToolsetVersion == "" {
		return nil, apperrors.Validation("toolsetVersion", "toolset image is not configured")
	}

	return compute.Go(context.WithoutCancel(ctx), func(ctx context.Context) (string, error) {
		return b.submit(ctx, s, pool, job)
	}), nil
}

func (b *Backend) submit(ctx context.Context, s *session, pool compute.PoolConfig, job compute.JobConfig) (string, error) {
	logger := b.logger.With("prefix", job.Prefix)

	voxKey := inputKey(job.Prefix, filepath.Base(job.VoxFile))
	configKey := inputKey(job.Prefix, filepath.Base(job.ConfigFile))
	for src, key := range map[string]string{job.VoxFile: voxKey, job.ConfigFile: configKey} {
		if err := upload(ctx, s.store, src, key); err != nil {
			return "", apperrors.Remote("batch.uploadInputs", err)
		}
	}

	req := submitRequest{
		Prefix: job.Prefix,
		Image:  s.creds.ToolsetVersion,
		Pool: poolSpec{
			VMSize:           pool.VMSize,
			DedicatedNodes:   pool.DedicatedNodes,
			LowPriorityNodes: pool.LowPriorityNodes,
		},
		Inputs: inputSpec{Vox: voxKey, Config: configKey},
		Output: outputKey(job.Prefix),
		Logs:   logsPrefix(job.Prefix),
	}
	if r := s.creds.Registry; r != nil {
		req.Registry = &registryAuth{Server: r.Server, Username: r.Account, Password: r.Key}
	}

	jobID, err := s.rest.submit(ctx, req)
	if err != nil {
		if purgeErr := s.store.DeleteAll(ctx, job.Prefix+"/"); purgeErr != nil {
			logger.Warn("Failed to remove uploaded inputs", "error", purgeErr)
		}
		return "", apperrors.Remote("batch.createJob", err)
	}

	logger.Info("Bake job created", "jobId", jobID, "vmSize", pool.VMSize, "nodes", pool.Nodes())
	return jobID, nil
}

func upload(ctx context.Context, store objectStore, src, key string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return store.Put(ctx, key, f, info.Size())
}

// QueryJob fetches the job state, retrying transient failures.
func (b *Backend) QueryJob(ctx context.Context, jobID string) (*compute.JobInfo, error) {
	s, err := b.session()
	if err != nil {
		return nil, err
	}
	return b.query(ctx, s, jobID)
}

func (b *Backend) query(ctx context.Context, s *session, jobID string) (*compute.JobInfo, error) {
	resp, err := s.rest.get(ctx, jobID)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, apperrors.NotFound("job", jobID)
		}
		return nil, apperrors.Remote("batch.queryJob", err)
	}

	return &compute.JobInfo{
		ID:     jobID,
		Prefix: resp.Prefix,
		Status: mapState(resp.State),
		Tasks: compute.TaskCounts{
			Active:    resp.Tasks.Active,
			Completed: resp.Tasks.Completed,
			Running:   resp.Tasks.Running,
			Failed:    resp.Tasks.Failed,
		},
	}, nil
}

// mapState maps the service's job states onto compute.JobStatus.
func mapState(state string) compute.JobStatus {
	switch state {
	case "queued", "allocating":
		return compute.JobPending
	case "running":
		return compute.JobInProgress
	case "completed":
		return compute.JobCompleted
	default:
		return compute.JobOther
	}
}

// DownloadResult reads the result object into destPath in the background.
func (b *Backend) DownloadResult(ctx context.Context, jobID, destPath string) (*compute.Handle[struct{}], error) {
	s, err := b.session()
	if err != nil {
		return nil, err
	}
	info, err := b.query(ctx, s, jobID)
	if err != nil {
		return nil, err
	}
	if info.Prefix == "" {
		return nil, apperrors.Internal("batch.downloadResult", fmt.Errorf("job %s has no prefix", jobID))
	}
	key := outputKey(info.Prefix)

	return compute.Go(context.WithoutCancel(ctx), func(ctx context.Context) (struct{}, error) {
		n, err := download(ctx, s.store, key, destPath)
		if err != nil {
			if errors.Is(err, errNoObject) {
				return struct{}{}, apperrors.NotFound("result", key)
			}
			return struct{}{}, apperrors.Remote("batch.downloadResult", err)
		}
		b.logger.Info("Downloaded result", "jobId", jobID, "path", destPath, "size", humanize.Bytes(uint64(n)))
		return struct{}{}, nil
	}), nil
}

// download writes the object next to dest and renames it into place.
func download(ctx context.Context, store objectStore, key, dest string) (int64, error) {
	rc, err := store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.part")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, rc)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, err
	}
	return n, os.Rename(tmp.Name(), dest)
}

// DeleteJob optionally copies the job logs into logDir, deletes the job and
// removes everything stored under its prefix.
func (b *Backend) DeleteJob(ctx context.Context, jobID string, fetchLogs bool, logDir string) error {
	s, err := b.session()
	if err != nil {
		return err
	}
	logger := b.logger.With("jobId", jobID)

	info, err := b.query(ctx, s, jobID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if fetchLogs && info.Prefix != "" {
		if err := saveLogs(ctx, s.store, info.Prefix, logDir); err != nil {
			logger.Warn("Failed to save job logs", "error", err)
		}
	}

	if err := s.rest.delete(ctx, jobID); err != nil && !isStatus(err, http.StatusNotFound) {
		return apperrors.Remote("batch.deleteJob", err)
	}
	if info.Prefix != "" {
		if err := s.store.DeleteAll(ctx, info.Prefix+"/"); err != nil {
			return apperrors.Remote("batch.purgeStorage", err)
		}
	}
	logger.Info("Bake job deleted")
	return nil
}

func saveLogs(ctx context.Context, store objectStore, prefix, logDir string) error {
	keys, err := store.List(ctx, logsPrefix(prefix))
	if err != nil {
		return err
	}
	for _, key := range keys {
		if _, err := download(ctx, store, key, filepath.Join(logDir, path.Base(key))); err != nil {
			return err
		}
	}
	return nil
}

// Ready checks the service health endpoint. It does not count against the
// circuit breaker.
func (b *Backend) Ready(ctx context.Context) error {
	s, err := b.session()
	if err != nil {
		return err
	}
	return s.rest.healthz(ctx)
}

// Verify Backend implements compute.Client
var _ compute.Client = (*Backend)(nil)
