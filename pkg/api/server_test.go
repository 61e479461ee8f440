package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castiron/crucible/internal/adapters/blob"
	"github.com/castiron/crucible/internal/config"
	"github.com/castiron/crucible/internal/core/domain"
	"github.com/castiron/crucible/internal/core/ports"
	"github.com/castiron/crucible/internal/core/services"
)

type stubRepo struct {
	mu        sync.Mutex
	jobs      map[string]domain.CompilationJob
	endpoints map[string]domain.Endpoint
	settings  map[string]string
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		jobs:      map[string]domain.CompilationJob{},
		endpoints: map[string]domain.Endpoint{},
		settings:  map[string]string{},
	}
}

func (r *stubRepo) SaveJob(_ context.Context, job domain.CompilationJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.Name] = job
	return nil
}

func (r *stubRepo) GetJob(_ context.Context, name string) (domain.CompilationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[name]
	if !ok {
		return domain.CompilationJob{}, domain.ErrJobNotFound
	}
	return job, nil
}

func (r *stubRepo) ListJobs(_ context.Context) ([]domain.CompilationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.CompilationJob, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (r *stubRepo) SaveEndpoint(_ context.Context, ep domain.Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[ep.Name] = ep
	return nil
}

func (r *stubRepo) GetEndpoint(_ context.Context, name string) (domain.Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[name]
	if !ok {
		return domain.Endpoint{}, domain.ErrEndpointNotFound
	}
	return ep, nil
}

func (r *stubRepo) ListEndpoints(_ context.Context) ([]domain.Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep)
	}
	return out, nil
}

func (r *stubRepo) DeleteEndpoint(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, name)
	return nil
}

func (r *stubRepo) GetSetting(_ context.Context, key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.settings[key]
	if !ok {
		return "", os.ErrNotExist
	}
	return v, nil
}

func (r *stubRepo) SaveSetting(_ context.Context, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings[key] = value
	return nil
}

type stubCompiler struct {
	mu       sync.Mutex
	snapshot domain.CompilationSnapshot
	stopped  []string
}

func (c *stubCompiler) SubmitCompilation(context.Context, domain.CompilationRequest) error {
	return nil
}

func (c *stubCompiler) DescribeCompilation(_ context.Context, jobName string) (domain.CompilationSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.snapshot
	snap.JobName = jobName
	return snap, nil
}

func (c *stubCompiler) StopCompilation(_ context.Context, jobName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = append(c.stopped, jobName)
	return nil
}

type stubHosting struct {
	mu           sync.Mutex
	status       domain.EndpointStatus
	url          string
	invocations  [][]byte
	responseType string
}

func (h *stubHosting) CreateModel(context.Context, domain.ModelPackage) error       { return nil }
func (h *stubHosting) CreateEndpointConfig(context.Context, domain.EndpointConfig) error { return nil }
func (h *stubHosting) CreateEndpoint(context.Context, string, string) error         { return nil }
func (h *stubHosting) DeleteEndpoint(context.Context, string) error                 { return nil }
func (h *stubHosting) DeleteEndpointConfig(context.Context, string) error           { return nil }
func (h *stubHosting) DeleteModel(context.Context, string) error                    { return nil }

func (h *stubHosting) DescribeEndpoint(_ context.Context, name string) (domain.EndpointSnapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return domain.EndpointSnapshot{Name: name, Status: h.status, URL: h.url}, nil
}

func (h *stubHosting) Invoke(_ context.Context, _, _ string, payload []byte) ([]byte, string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.invocations = append(h.invocations, payload)
	return []byte(`{"prediction":[0.1,0.9]}`), h.responseType, nil
}

var (
	_ ports.Compiler   = (*stubCompiler)(nil)
	_ ports.Hosting    = (*stubHosting)(nil)
	_ ports.Invoker    = (*stubHosting)(nil)
	_ ports.Repository = (*stubRepo)(nil)
)

type testEnv struct {
	server   *httptest.Server
	repo     *stubRepo
	compiler *stubCompiler
	hosting  *stubHosting
	bus      *services.EventBus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv("CRUCIBLE_SECRET_KEY", "api-test-key")

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	repo := newStubRepo()
	compiler := &stubCompiler{snapshot: domain.CompilationSnapshot{Status: domain.JobStatusInProgress}}
	hosting := &stubHosting{status: domain.EndpointStatusInService, url: "http://10.0.0.1:8080"}

	bus := services.NewEventBus(logger)
	queue := services.NewCompileQueue(logger, services.QueueConfig{MaxConcurrent: 2})
	waitCfg := services.WaitConfig{Interval: 5 * time.Millisecond}

	compile := services.NewCompileService(logger, compiler, repo, queue, bus, waitCfg)
	catalog := services.NewImageCatalog(logger, "")
	host := services.NewHostingService(logger, hosting, hosting, repo, catalog, waitCfg)

	secret, err := config.NewSecretKey()
	require.NoError(t, err)
	settings, err := config.NewSettingsStore(logger, repo, secret)
	require.NoError(t, err)

	store, err := blob.NewLocalFS(t.TempDir())
	require.NoError(t, err)
	packager := services.NewPackager(logger, store)

	srv := NewServer(logger, compile, host, packager, bus, settings)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, repo: repo, compiler: compiler, hosting: hosting, bus: bus}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubmitCompilation(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/v1/compilations", map[string]any{
		"name":            "resnet18-compile",
		"input_location":  "s3://bucket/models/model.tar.gz",
		"output_location": "s3://bucket/output",
		"target":          "jetson_nano",
	})
	var body map[string]any
	decodeBody(t, resp, &body)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "resnet18-compile", body["name"])
	assert.Equal(t, "SUBMITTED", body["status"])
}

func TestSubmitCompilation_ValidationError(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/v1/compilations", map[string]any{
		"name": "missing-everything",
	})
	var body map[string]any
	decodeBody(t, resp, &body)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "required")
}

func TestGetCompilation(t *testing.T) {
	env := newTestEnv(t)
	artifact := "s3://bucket/output/model.tar"
	require.NoError(t, env.repo.SaveJob(context.Background(), domain.CompilationJob{
		Name:     "done-job",
		Status:   domain.JobStatusCompleted,
		Artifact: &artifact,
	}))

	resp := env.do(t, http.MethodGet, "/v1/compilations/done-job", nil)
	var job domain.CompilationJob
	decodeBody(t, resp, &job)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	require.NotNil(t, job.Artifact)
	assert.Equal(t, artifact, *job.Artifact)
}

func TestGetCompilation_NotFound(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/v1/compilations/no-such-job", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStopCompilation(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.repo.SaveJob(context.Background(), domain.CompilationJob{
		Name:   "running-job",
		Status: domain.JobStatusInProgress,
	}))

	resp := env.do(t, http.MethodPost, "/v1/compilations/running-job/stop", nil)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"running-job"}, env.compiler.stopped)
}

func TestCompilationEvents_SSE(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.repo.SaveJob(context.Background(), domain.CompilationJob{
		Name:   "streamed-job",
		Status: domain.JobStatusCompleted,
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.server.URL+"/v1/compilations/streamed-job/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	go func() {
		// Give the subscription a moment to register.
		time.Sleep(50 * time.Millisecond)
		env.bus.PublishLog("streamed-job", "artifact ready")
	}()

	buf := make([]byte, 1024)
	var got strings.Builder
	for !strings.Contains(got.String(), "artifact ready") {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			got.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}

	assert.Contains(t, got.String(), "event: connected")
	assert.Contains(t, got.String(), "artifact ready")
}

func TestDeployEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/v1/endpoints", map[string]any{
		"model_name":        "resnet18",
		"artifact_location": "s3://bucket/output/model.tar",
		"framework":         "pytorch",
		"target":            "gpu_t4",
	})
	var ep domain.Endpoint
	decodeBody(t, resp, &ep)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "resnet18-ep", ep.Name)
	assert.Equal(t, domain.EndpointStatusInService, ep.Status)
	assert.Equal(t, "http://10.0.0.1:8080", ep.URL)
}

func TestInvokeEndpoint(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.repo.SaveEndpoint(context.Background(), domain.Endpoint{
		Name:   "resnet18-ep",
		Status: domain.EndpointStatusInService,
	}))

	resp := env.do(t, http.MethodPost, "/v1/endpoints/resnet18-ep/invoke", map[string]any{
		"instances": []float64{0.5, 0.25},
	})
	var body map[string]any
	decodeBody(t, resp, &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	// Stubs that don't report a content type fall back to JSON.
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Contains(t, body, "prediction")
	require.Len(t, env.hosting.invocations, 1)
}

func TestInvokeEndpointPropagatesResponseContentType(t *testing.T) {
	env := newTestEnv(t)
	env.hosting.responseType = "text/csv"
	require.NoError(t, env.repo.SaveEndpoint(context.Background(), domain.Endpoint{
		Name:   "resnet18-ep",
		Status: domain.EndpointStatusInService,
	}))

	resp := env.do(t, http.MethodPost, "/v1/endpoints/resnet18-ep/invoke", map[string]any{
		"instances": []float64{0.5},
	})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
}

func TestDeleteEndpoint(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.repo.SaveEndpoint(context.Background(), domain.Endpoint{
		Name:       "old-ep",
		ConfigName: "old-ep-config-abc",
		ModelName:  "old-model",
		Status:     domain.EndpointStatusInService,
	}))

	resp := env.do(t, http.MethodDelete, "/v1/endpoints/old-ep", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, err := env.repo.GetEndpoint(context.Background(), "old-ep")
	assert.ErrorIs(t, err, domain.ErrEndpointNotFound)
}

func TestSettingsRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPut, "/v1/settings", map[string]any{
		"platform": map[string]any{
			"mode":     "remote",
			"base_url": "https://api.platform.example.com",
			"api_key":  "ck-secret-98765",
		},
	})
	var updated domain.AppConfig
	decodeBody(t, resp, &updated)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "remote", updated.Platform.Mode)
	assert.True(t, strings.HasPrefix(updated.Platform.APIKey, "****"), "key must come back masked")
	assert.NotContains(t, updated.Platform.APIKey, "ck-secret")

	resp = env.do(t, http.MethodGet, "/v1/settings", nil)
	var fetched domain.AppConfig
	decodeBody(t, resp, &fetched)
	assert.Equal(t, "https://api.platform.example.com", fetched.Platform.BaseURL)
}

func TestPackageModel(t *testing.T) {
	env := newTestEnv(t)

	modelDir := t.TempDir()
	require.NoError(t, os.WriteFile(modelDir+"/model.pth", []byte("weights"), 0o644))

	resp := env.do(t, http.MethodPost, "/v1/models/package", map[string]any{
		"model_dir": modelDir,
		"name":      "resnet18",
	})
	var body map[string]any
	decodeBody(t, resp, &body)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Contains(t, body["location"], "resnet18/model.tar.gz")
	assert.Len(t, body["sha256"], 64)
}

func TestPackageModel_MissingFields(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/v1/models/package", map[string]any{"name": "x"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOpenAPIDoc(t *testing.T) {
	env := newTestEnv(t)

	doc, err := LoadOpenAPIDoc(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, doc.Paths.Find("/v1/compilations"))
	assert.NotNil(t, doc.Paths.Find("/v1/endpoints/{name}/invoke"))

	resp := env.do(t, http.MethodGet, "/v1/openapi.json", nil)
	var body map[string]any
	decodeBody(t, resp, &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "3.0.3", body["openapi"])
}
