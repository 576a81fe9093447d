package job

import (
	"maps"
	"time"

	"acousticsbake/internal/settings"
)

// State is where the controller is in the bake lifecycle.
type State string

const (
	StateIdle          State = "idle"           // No job
	StateSubmitPending State = "submit_pending" // Submission dispatched, not yet confirmed
	StateActive        State = "active"         // Job accepted, executing remotely
	StateDownloading   State = "downloading"    // Result download in flight
)

// Report is the last-known status shown to the user. It is replaced
// wholesale on every lifecycle transition.
type Report struct {
	Succeeded bool   `json:"succeeded"`
	Message   string `json:"message"`
}

// Record is the identity and progress of the one active job.
// A non-empty JobID always comes with a Prefix.
type Record struct {
	JobID         string    `json:"jobId,omitempty"`
	Prefix        string    `json:"prefix,omitempty"`
	SubmitTime    time.Time `json:"submitTime,omitzero"`
	SubmitPending bool      `json:"submitPending"`
}

// Empty reports whether no job is tracked.
func (r Record) Empty() bool {
	return r.JobID == "" && r.Prefix == "" && !r.SubmitPending
}

// Settings are the user-editable parts of the configuration.
type Settings struct {
	Account    settings.Account    `json:"account"`
	Simulation settings.Simulation `json:"simulation"`
	Pool       settings.Pool       `json:"pool"`
	Project    settings.Project    `json:"project"`
}

func (s Settings) clone() Settings {
	s.Project.LevelPrefixMap = maps.Clone(s.Project.LevelPrefixMap)
	return s
}

// SubmitRequest names the bake inputs exported by the editor. ProbeCount
// only feeds the duration estimate carried on the submitted event.
type SubmitRequest struct {
	VoxFile    string `json:"voxFile"`
	ConfigFile string `json:"configFile"`
	ProbeCount int    `json:"probeCount,omitempty"`
}

// Paths are the files and directories the controller works with.
type Paths struct {
	ProjectConfig string // Writable, project-local settings
	DefaultConfig string // Read-only settings shipped with the plugin
	ResultsDir    string // Downloaded results land here
	LogDir        string // Per-job log directories are created here
}

// prefixTag starts every submission prefix.
const prefixTag = "uepa"

// Status messages. They are shown verbatim in the editor status line.
const (
	msgSubmitInProgress   = "Job submission in progress"
	msgSubmitFailed       = "Job submission failed, see Output Log for more details"
	msgSubmitRejected     = "Job submission failed, please see Output Log for more details and check your Azure account credentials"
	msgSubmitSucceeded    = "Job submission succeeded"
	msgRunning            = "Running: %d/%d tasks complete."
	msgTasksFailed        = " %d tasks failed."
	msgInitializing       = "Initializing compute pool nodes..."
	msgWaiting            = "Waiting for job completion..."
	msgDownloading        = "Downloading results"
	msgDownloaded         = "Downloaded results - %s"
	msgDownloadFailed     = "Failed to download results, please ensure your Azure credentials are valid"
	msgDownloadStartError = "Failed to download the results, please see Output Log for more details and check your Azure account credentials"
	msgQueryFailed        = "Failed to query job status, please see Output Log for more details and check your Azure account credentials"
	msgJobGone            = "The bake job no longer exists on the compute service, see Output Log for more details"
	msgCancelFailed       = "Job cancellation failed, please see Output Log for more details and check your Azure account credentials"
)
