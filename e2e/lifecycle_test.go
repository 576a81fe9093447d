//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"acousticsbake/internal/api"
	"acousticsbake/internal/compute"
	"acousticsbake/internal/config"
	"acousticsbake/internal/dispatcher"
	"acousticsbake/internal/estimate"
	"acousticsbake/internal/health"
	"acousticsbake/internal/history"
	"acousticsbake/internal/job"
	"acousticsbake/internal/notify"
	"acousticsbake/internal/secret"
	"acousticsbake/internal/testutil"
)

const apiKey = "e2e-key"

// localClient finishes every bake instantly: the result is the vox file.
type localClient struct {
	mu      sync.Mutex
	vox     map[string]string // job ID -> vox file
	deleted []string
}

func (c *localClient) UpdateCredentials(compute.Credentials) error { return nil }
func (c *localClient) Ready(context.Context) error                 { return nil }

func (c *localClient) SubmitJob(_ context.Context, _ compute.PoolConfig, j compute.JobConfig) (*compute.Handle[string], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := "local-" + j.Prefix
	c.vox[id] = j.VoxFile
	return compute.Resolved(id, nil), nil
}

func (c *localClient) QueryJob(_ context.Context, jobID string) (*compute.JobInfo, error) {
	return &compute.JobInfo{
		ID:     jobID,
		Status: compute.JobCompleted,
		Tasks:  compute.TaskCounts{Completed: 4},
	}, nil
}

func (c *localClient) DownloadResult(ctx context.Context, jobID, destPath string) (*compute.Handle[struct{}], error) {
	c.mu.Lock()
	src := c.vox[jobID]
	c.mu.Unlock()
	return compute.Go(ctx, func(context.Context) (struct{}, error) {
		data, err := os.ReadFile(src)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, os.WriteFile(destPath, data, 0o644)
	}), nil
}

func (c *localClient) DeleteJob(_ context.Context, jobID string, _ bool, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, jobID)
	return nil
}

// webhook collects the event types posted to it.
type webhook struct {
	mu    sync.Mutex
	types []string
}

func (w *webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	var ev struct {
		Type string `json:"type"`
	}
	_ = json.NewDecoder(r.Body).Decode(&ev)
	w.mu.Lock()
	w.types = append(w.types, ev.Type)
	w.mu.Unlock()
	rw.WriteHeader(http.StatusOK)
}

func (w *webhook) has(eventType string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range w.types {
		if t == eventType {
			return true
		}
	}
	return false
}

type agent struct {
	url     string
	cfg     *config.AgentConfig
	client  *localClient
	webhook *webhook
}

func startAgent(t *testing.T) *agent {
	t.Helper()
	root := t.TempDir()
	cfg := &config.AgentConfig{
		ProjectDir:    filepath.Join(root, "project"),
		PluginDir:     filepath.Join(root, "plugin"),
		HistoryDB:     filepath.Join(root, "history.db"),
		SecretKeyFile: filepath.Join(root, "secret.key"),
	}

	// Install the bundled resources the way the plugin ships them.
	if err := os.CopyFS(cfg.ResourcesDir(), os.DirFS("../resources")); err != nil {
		t.Fatalf("Failed to install resources: %v", err)
	}

	hook := &webhook{}
	hookServer := httptest.NewServer(hook)
	t.Cleanup(hookServer.Close)

	d := dispatcher.NewMemory(dispatcher.MemoryConfig{BufferSize: 16, Workers: 1}, nil)
	store, err := history.NewSQLiteStore(cfg.HistoryDB)
	if err != nil {
		t.Fatalf("Failed to open history: %v", err)
	}
	notifier := notify.New(d, hookServer.URL, "hook-key")
	client := &localClient{vox: map[string]string{}}

	ctrl := job.NewController(job.ControllerConfig{
		Client: client,
		Codec:  secret.NewCodec(secret.NewUserKeyProtector(cfg.SecretKeyFile)),
		Paths: job.Paths{
			ProjectConfig: cfg.ProjectConfigPath(),
			DefaultConfig: cfg.DefaultConfigPath(),
			ResultsDir:    cfg.ResultsDir(),
			LogDir:        cfg.LogDir(),
		},
		Tables:   estimate.NewTables(cfg.ResourcesDir()),
		Importer: notifier,
		Events:   notifier,
		History:  store,
	})
	if err := ctrl.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	router := api.NewRouter(api.RouterConfig{
		Controller: ctrl,
		History:    store,
		HealthChecker: health.NewChecker(
			health.Dependency{Name: "compute", Checker: client},
			health.Dependency{Name: "history", Checker: store, Critical: true},
		),
		Dispatcher: d,
		APIKey:     apiKey,
	})
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ctrl.Close(ctx)
		_ = d.Close(ctx)
		_ = store.Close()
	})

	return &agent{url: server.URL, cfg: cfg, client: client, webhook: hook}
}

func (a *agent) call(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, a.url+path, r)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestAPI_Readyz(t *testing.T) {
	a := startAgent(t)

	resp, err := http.Get(a.url + "/readyz")
	if err != nil {
		t.Fatalf("Health check failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	var result health.Response
	json.NewDecoder(resp.Body).Decode(&result)
	if result.Status != health.StatusHealthy {
		t.Errorf("Expected healthy status, got %s", result.Status)
	}
}

func TestAPI_BakeLifecycle(t *testing.T) {
	a := startAgent(t)

	inputs := t.TempDir()
	vox := filepath.Join(inputs, "level.vox")
	cfgFile := filepath.Join(inputs, "level_config.xml")
	if err := os.WriteFile(vox, []byte("voxels"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfgFile, []byte("<config/>"), 0o644); err != nil {
		t.Fatal(err)
	}

	if code := a.call(t, http.MethodPost, "/v1/jobs", job.SubmitRequest{VoxFile: vox, ConfigFile: cfgFile}, nil); code != http.StatusAccepted {
		t.Fatalf("POST /v1/jobs status = %d, want 202", code)
	}

	// A second bake is refused while the first exists.
	if code := a.call(t, http.MethodPost, "/v1/jobs", job.SubmitRequest{VoxFile: vox, ConfigFile: cfgFile}, nil); code != http.StatusConflict {
		t.Errorf("second POST /v1/jobs status = %d, want 409", code)
	}

	var status api.StatusResponse
	testutil.MustWaitFor(t, func() bool {
		a.call(t, http.MethodPost, "/v1/jobs/active/tick", nil, &status)
		return status.State == job.StateIdle
	}, testutil.WithTimeout(10*time.Second), testutil.WithDescription("bake to complete"))

	if !status.Status.Succeeded {
		t.Fatalf("final report = %+v, want success", status.Status)
	}

	results, err := filepath.Glob(filepath.Join(a.cfg.ResultsDir(), "*.ace"))
	if err != nil || len(results) != 1 {
		t.Fatalf("results = %v (%v), want one .ace file", results, err)
	}
	if data, _ := os.ReadFile(results[0]); string(data) != "voxels" {
		t.Errorf("result content = %q", data)
	}

	a.client.mu.Lock()
	deleted := len(a.client.deleted)
	a.client.mu.Unlock()
	if deleted != 1 {
		t.Errorf("remote deletions = %d, want 1", deleted)
	}

	var hist struct {
		Jobs []history.Entry `json:"jobs"`
	}
	if code := a.call(t, http.MethodGet, "/v1/history", nil, &hist); code != http.StatusOK {
		t.Fatalf("GET /v1/history status = %d", code)
	}
	if len(hist.Jobs) == 0 || hist.Jobs[0].Outcome != history.OutcomeCompleted {
		t.Errorf("history = %+v, want latest completed", hist.Jobs)
	}

	testutil.MustWaitFor(t, func() bool {
		return a.webhook.has(job.EventTypeImport) && a.webhook.has(job.EventTypeCompleted)
	}, testutil.WithTimeout(5*time.Second), testutil.WithDescription("import and completion webhooks"))

	// The finished job is no longer in the saved project settings.
	if code := a.call(t, http.MethodPost, "/v1/configuration/load", nil, &status); code != http.StatusOK {
		t.Fatalf("POST /v1/configuration/load status = %d", code)
	}
	if status.Job != nil && status.Job.JobID != "" {
		t.Errorf("job after reload = %+v, want none", status.Job)
	}
}

func TestAPI_CancelActiveJob(t *testing.T) {
	a := startAgent(t)

	inputs := t.TempDir()
	vox := filepath.Join(inputs, "level.vox")
	cfgFile := filepath.Join(inputs, "level_config.xml")
	for _, f := range []string{vox, cfgFile} {
		if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if code := a.call(t, http.MethodPost, "/v1/jobs", job.SubmitRequest{VoxFile: vox, ConfigFile: cfgFile}, nil); code != http.StatusAccepted {
		t.Fatalf("POST /v1/jobs status = %d, want 202", code)
	}

	var status api.StatusResponse
	if code := a.call(t, http.MethodDelete, "/v1/jobs/active", nil, &status); code != http.StatusOK {
		t.Fatalf("DELETE /v1/jobs/active status = %d", code)
	}
	if status.State != job.StateIdle {
		t.Errorf("state after cancel = %s, want idle", status.State)
	}

	// The submission resolved before the cancel, so its job is reaped.
	testutil.MustWaitFor(t, func() bool {
		a.client.mu.Lock()
		defer a.client.mu.Unlock()
		return len(a.client.deleted) == 1
	}, testutil.WithTimeout(5*time.Second), testutil.WithDescription("cancelled job to be deleted"))
}
