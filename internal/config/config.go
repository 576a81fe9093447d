// Package config provides configuration loading from environment variables.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

// Compute backends selectable with COMPUTE_BACKEND.
const (
	BackendDocker = "docker"
	BackendBatch  = "batch"
)

// AgentConfig holds configuration for the bake agent.
type AgentConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	TickInterval      time.Duration // How often the active job is polled

	ProjectDir string // Host project root (Config/, Content/, Saved/)
	PluginDir  string // Plugin root holding resources/

	ComputeBackend string
	Storage        StorageConfig

	ImportWebhookURL string
	ImportWebhookKey string

	HistoryDB     string
	SecretKeyFile string // Per-user master key for the secret blob
}

// StorageConfig describes the S3-compatible store used by the batch backend.
type StorageConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	PathStyle bool
}

// LoadAgentConfig loads agent configuration from environment variables.
// A .env.local or .env file in the working directory is applied first.
func LoadAgentConfig() *AgentConfig {
	loadEnvFiles()

	projectDir := GetEnv("PROJECT_DIR", ".")
	return &AgentConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		TickInterval:      GetDurationEnv("TICK_INTERVAL", 5*time.Second),
		ProjectDir:        projectDir,
		PluginDir:         GetEnv("PLUGIN_DIR", "."),
		ComputeBackend:    GetEnv("COMPUTE_BACKEND", BackendDocker),
		Storage: StorageConfig{
			Endpoint:  GetEnv("STORAGE_ENDPOINT", ""),
			Region:    GetEnv("STORAGE_REGION", "us-east-1"),
			Bucket:    GetEnv("STORAGE_BUCKET", "acoustics"),
			PathStyle: GetBoolEnv("STORAGE_PATH_STYLE", true),
		},
		ImportWebhookURL: GetEnv("IMPORT_WEBHOOK_URL", ""),
		ImportWebhookKey: GetSecretFile(GetEnv("IMPORT_WEBHOOK_KEY_FILE", "")),
		HistoryDB:        GetEnv("HISTORY_DB", filepath.Join(projectDir, "Saved", "ProjectAcoustics", "history.db")),
		SecretKeyFile:    GetEnv("SECRET_KEY_FILE", defaultSecretKeyFile()),
	}
}

// ProjectConfigPath is the project-local, writable settings file.
func (c *AgentConfig) ProjectConfigPath() string {
	return filepath.Join(c.ProjectDir, "Config", "ProjectAcoustics.cfg")
}

// DefaultConfigPath is the read-only settings file shipped with the plugin.
func (c *AgentConfig) DefaultConfigPath() string {
	return filepath.Join(c.PluginDir, "resources", "ProjectAcousticsDefault.cfg")
}

// ResultsDir is where downloaded .ace files land.
func (c *AgentConfig) ResultsDir() string {
	return filepath.Join(c.ProjectDir, "Content", "Acoustics")
}

// LogDir is the parent of the per-job log directories.
func (c *AgentConfig) LogDir() string {
	return filepath.Join(c.ProjectDir, "Saved", "Logs", "ProjectAcoustics")
}

// ResourcesDir holds the bundled cost tables.
func (c *AgentConfig) ResourcesDir() string {
	return filepath.Join(c.PluginDir, "resources")
}

func loadEnvFiles() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}
	_ = godotenv.Load()
}

func defaultSecretKeyFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "acousticsbake", "secret.key")
}
