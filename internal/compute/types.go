package compute

import "fmt"

// ResultExtension is the file extension of a bake result.
const ResultExtension = ".ace"

// ResultFileName names the result file for a submission prefix.
func ResultFileName(prefix string) string {
	return prefix + ResultExtension
}

// JobStatus is the coarse remote state of a job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"     // Accepted, pool nodes not ready
	JobInProgress JobStatus = "in_progress" // Tasks executing
	JobCompleted  JobStatus = "completed"   // All tasks finished
	JobOther      JobStatus = "other"       // Anything else (terminating, disabled, failed)
)

// TaskCounts are the per-state task totals of a job.
type TaskCounts struct {
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Running   int `json:"running"`
	Failed    int `json:"failed"`
}

// Total is the number of tasks the job has been split into.
func (c TaskCounts) Total() int {
	return c.Active + c.Completed + c.Running
}

// JobInfo is the result of a status query.
type JobInfo struct {
	ID     string     `json:"id"`
	Prefix string     `json:"prefix,omitempty"`
	Status JobStatus  `json:"status"`
	Tasks  TaskCounts `json:"tasks"`
}

// PoolConfig describes the compute pool a job runs on.
type PoolConfig struct {
	VMSize           string `json:"vmSize"`
	DedicatedNodes   int    `json:"dedicatedNodes"`
	LowPriorityNodes int    `json:"lowPriorityNodes"`
}

// NewPoolConfig puts all nodes into one class depending on lowPriority.
func NewPoolConfig(vmSize string, nodes int, lowPriority bool) PoolConfig {
	if lowPriority {
		return PoolConfig{VMSize: vmSize, LowPriorityNodes: nodes}
	}
	return PoolConfig{VMSize: vmSize, DedicatedNodes: nodes}
}

// Nodes is the total node count.
func (p PoolConfig) Nodes() int {
	return p.DedicatedNodes + p.LowPriorityNodes
}

// JobConfig identifies the inputs of one bake.
type JobConfig struct {
	Prefix     string `json:"prefix"`
	VoxFile    string `json:"voxFile"`
	ConfigFile string `json:"configFile"`
}

// Validate checks the job config has what every backend needs.
func (j JobConfig) Validate() error {
	switch {
	case j.Prefix == "":
		return fmt.Errorf("prefix is required")
	case j.VoxFile == "":
		return fmt.Errorf("vox file is required")
	case j.ConfigFile == "":
		return fmt.Errorf("config file is required")
	}
	return nil
}

// Credentials configure access to the compute service.
type Credentials struct {
	BatchURL       string
	BatchName      string
	BatchKey       string
	StorageName    string
	StorageKey     string
	ToolsetVersion string
	Registry       *Registry // nil when the toolset image is public
}

// Registry is a private container registry holding the toolset image.
type Registry struct {
	Server  string
	Account string
	Key     string
}
