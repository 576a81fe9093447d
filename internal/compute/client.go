// Package compute defines the Client interface for remote bake execution and
// the request, status and future types shared by its implementations.
package compute

import "context"

// Client is the remote compute service that runs bake jobs.
//
// # Asynchronous operations
//
// SubmitJob and DownloadResult start work in the background and return a
// Handle immediately. Callers poll the handle; there are no callbacks. The
// work is not cancelled when the caller loses interest in the handle.
//
// # Job identity
//
// The service issues the job ID. The caller-chosen JobConfig.Prefix
// correlates the job with its inputs, result file and logs.
type Client interface {
	// UpdateCredentials replaces the credentials used for later calls.
	UpdateCredentials(creds Credentials) error

	// SubmitJob uploads the inputs and queues a job on a pool of the given
	// shape. The handle resolves to the service-issued job ID.
	SubmitJob(ctx context.Context, pool PoolConfig, job JobConfig) (*Handle[string], error)

	// QueryJob returns the current status and task counts of a job.
	// Returns an apperrors.ErrNotFound error if the job does not exist.
	QueryJob(ctx context.Context, jobID string) (*JobInfo, error)

	// DownloadResult fetches the job's result file to destPath.
	DownloadResult(ctx context.Context, jobID, destPath string) (*Handle[struct{}], error)

	// DeleteJob removes the job and its remote data. When fetchLogs is set the
	// execution logs are first copied into logDir. Deleting a job that no
	// longer exists returns nil.
	DeleteJob(ctx context.Context, jobID string, fetchLogs bool, logDir string) error

	// Ready checks if the compute backend is reachable.
	Ready(ctx context.Context) error
}
