// Package docker implements compute.Client on a local Docker daemon.
// Each bake runs as one container of the toolset image; the container name
// is the job ID and its state is the job state.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"acousticsbake/internal/apperrors"
	"acousticsbake/internal/compute"
)

// Paths inside the toolset container.
const (
	inputDir  = "/acoustics/input"
	outputDir = "/acoustics/output"
)

const (
	labelManagedBy = "managed-by"
	labelPrefix    = "bake.prefix"
	managedBy      = "bake-agent"
)

// Backend runs bakes as Docker containers.
type Backend struct {
	client  *client.Client
	command []string
	logger  *slog.Logger

	mu    sync.RWMutex
	creds compute.Credentials
}

// Config holds configuration for the Docker backend.
type Config struct {
	Command []string // Overrides the toolset image entrypoint command (optional)
}

// New connects to the Docker daemon configured in the environment.
func New(cfg Config) (*Backend, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Backend{
		client:  dockerClient,
		command: cfg.Command,
		logger:  slog.With("component", "docker"),
	}, nil
}

// UpdateCredentials replaces the toolset image and registry login.
func (b *Backend) UpdateCredentials(creds compute.Credentials) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creds = creds
	return nil
}

func (b *Backend) credentials() compute.Credentials {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.creds
}

// SubmitJob pulls the toolset image if needed, creates the bake container,
// copies the inputs into it and starts it.
func (b *Backend) SubmitJob(ctx context.Context, pool compute.PoolConfig, job compute.JobConfig) (*compute.Handle[string], error) {
	if err := job.Validate(); err != nil {
		return nil, apperrors.Validation("job", err.Error())
	}
	creds := b.credentials()
	if creds.ToolsetVersion == "" {
		return nil, apperrors.Validation("toolsetVersion", "toolset image is not configured")
	}

	// Detached so the caller's request deadline does not abort a slow pull.
	submitCtx := context.WithoutCancel(ctx)
	return compute.Go(submitCtx, func(ctx context.Context) (string, error) {
		return b.submit(ctx, creds, pool, job)
	}), nil
}

func (b *Backend) submit(ctx context.Context, creds compute.Credentials, pool compute.PoolConfig, job compute.JobConfig) (string, error) {
	logger := b.logger.With("prefix", job.Prefix)
	jobID := "bake-" + uuid.NewString()

	if err := b.pullImageIfNeeded(ctx, creds); err != nil {
		return "", apperrors.Remote("docker.pullImage", err)
	}

	inputs, err := tarInputs(job.VoxFile, job.ConfigFile)
	if err != nil {
		return "", apperrors.Internal("docker.packInputs", err)
	}

	containerConfig := &container.Config{
		Image: creds.ToolsetVersion,
		Cmd:   b.command,
		Env: []string{
			"BAKE_PREFIX=" + job.Prefix,
			"BAKE_VOX=" + path.Join(inputDir, filepath.Base(job.VoxFile)),
			"BAKE_CONFIG=" + path.Join(inputDir, filepath.Base(job.ConfigFile)),
			"BAKE_OUTPUT=" + path.Join(outputDir, compute.ResultFileName(job.Prefix)),
			"BAKE_NODES=" + strconv.Itoa(pool.Nodes()),
		},
		Labels: map[string]string{
			labelManagedBy: managedBy,
			labelPrefix:    job.Prefix,
		},
	}

	resp, err := b.client.ContainerCreate(ctx, containerConfig, &container.HostConfig{}, nil, nil, jobID)
	if err != nil {
		return "", apperrors.Remote("docker.createContainer", err)
	}

	if err := b.client.CopyToContainer(ctx, resp.ID, "/", inputs, container.CopyToContainerOptions{}); err != nil {
		b.remove(ctx, jobID)
		return "", apperrors.Remote("docker.copyInputs", err)
	}

	if err := b.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		b.remove(ctx, jobID)
		return "", apperrors.Remote("docker.startContainer", err)
	}

	logger.Info("Bake container started", "jobId", jobID, "image", creds.ToolsetVersion)
	return jobID, nil
}

// QueryJob maps the container state onto a job status.
func (b *Backend) QueryJob(ctx context.Context, jobID string) (*compute.JobInfo, error) {
	inspect, err := b.client.ContainerInspect(ctx, jobID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, apperrors.NotFound("job", jobID)
		}
		return nil, apperrors.Remote("docker.inspectContainer", err)
	}

	info := &compute.JobInfo{ID: jobID}
	if inspect.Config != nil {
		info.Prefix = inspect.Config.Labels[labelPrefix]
	}
	if inspect.State == nil {
		info.Status = compute.JobOther
		return info, nil
	}
	info.Status, info.Tasks = mapState(inspect.State.Status, inspect.State.Running, inspect.State.ExitCode)
	return info, nil
}

// mapState treats the container as a job with a single task.
func mapState(status string, running bool, exitCode int) (compute.JobStatus, compute.TaskCounts) {
	switch {
	case running:
		return compute.JobInProgress, compute.TaskCounts{Running: 1}
	case status == "created":
		return compute.JobPending, compute.TaskCounts{Active: 1}
	case status == "exited" && exitCode == 0:
		return compute.JobCompleted, compute.TaskCounts{Completed: 1}
	case status == "exited" || status == "dead":
		return compute.JobOther, compute.TaskCounts{Failed: 1}
	default:
		return compute.JobOther, compute.TaskCounts{}
	}
}

// DownloadResult copies the .ace file out of the finished container.
func (b *Backend) DownloadResult(ctx context.Context, jobID, destPath string) (*compute.Handle[struct{}], error) {
	info, err := b.QueryJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if info.Prefix == "" {
		return nil, apperrors.Internal("docker.downloadResult", fmt.Errorf("container %s has no %s label", jobID, labelPrefix))
	}
	src := path.Join(outputDir, compute.ResultFileName(info.Prefix))

	return compute.Go(context.WithoutCancel(ctx), func(ctx context.Context) (struct{}, error) {
		rc, _, err := b.client.CopyFromContainer(ctx, jobID, src)
		if err != nil {
			return struct{}{}, apperrors.Remote("docker.copyResult", err)
		}
		defer rc.Close()

		n, err := extractFile(rc, destPath)
		if err != nil {
			return struct{}{}, apperrors.Internal("docker.extractResult", err)
		}
		b.logger.Info("Downloaded result", "jobId", jobID, "path", destPath, "size", humanize.Bytes(uint64(n)))
		return struct{}{}, nil
	}), nil
}

// DeleteJob optionally saves the container logs, then removes the container.
func (b *Backend) DeleteJob(ctx context.Context, jobID string, fetchLogs bool, logDir string) error {
	logger := b.logger.With("jobId", jobID)

	if fetchLogs {
		if err := b.saveLogs(ctx, jobID, logDir); err != nil {
			if client.IsErrNotFound(err) {
				return nil
			}
			logger.Warn("Failed to save job logs", "error", err)
		}
	}

	err := b.client.ContainerRemove(ctx, jobID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return apperrors.Remote("docker.removeContainer", err)
	}
	logger.Info("Bake container removed")
	return nil
}

func (b *Backend) saveLogs(ctx context.Context, jobID, logDir string) error {
	logs, err := b.client.ContainerLogs(ctx, jobID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
	})
	if err != nil {
		return err
	}
	defer logs.Close()

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	stdout, err := os.Create(filepath.Join(logDir, "stdout.log"))
	if err != nil {
		return err
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(logDir, "stderr.log"))
	if err != nil {
		return err
	}
	defer stderr.Close()

	return demuxLogs(logs, stdout, stderr)
}

// Ready checks if the Docker daemon is reachable and responsive.
func (b *Backend) Ready(ctx context.Context) error {
	_, err := b.client.Ping(ctx)
	return err
}

// Close releases the Docker client. Running bakes are not stopped.
func (b *Backend) Close() error {
	return b.client.Close()
}

func (b *Backend) pullImageIfNeeded(ctx context.Context, creds compute.Credentials) error {
	if _, err := b.client.ImageInspect(ctx, creds.ToolsetVersion); err == nil {
		return nil
	}

	opts := image.PullOptions{}
	if creds.Registry != nil {
		auth, err := registry.EncodeAuthConfig(registry.AuthConfig{
			Username:      creds.Registry.Account,
			Password:      creds.Registry.Key,
			ServerAddress: creds.Registry.Server,
		})
		if err != nil {
			return err
		}
		opts.RegistryAuth = auth
	}

	reader, err := b.client.ImagePull(ctx, creds.ToolsetVersion, opts)
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (b *Backend) remove(ctx context.Context, jobID string) {
	_ = b.client.ContainerRemove(ctx, jobID, container.RemoveOptions{Force: true})
}

// Verify Backend implements compute.Client
var _ compute.Client = (*Backend)(nil)
