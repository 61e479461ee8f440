// Package docker implements the hosting and invocation ports on the
// local Docker daemon, so endpoints can be developed without the remote
// platform. Model and config registrations live in memory; only the
// endpoint containers are durable in the daemon.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/castiron/crucible/internal/core/domain"
	"github.com/castiron/crucible/internal/core/ports"
)

const (
	labelManaged  = "crucible.managed"
	labelEndpoint = "crucible.endpoint"
	shimPort      = 8080
)

type Runtime struct {
	cli    *client.Client
	logger *slog.Logger
	http   *http.Client

	mu      sync.Mutex
	models  map[string]domain.ModelPackage
	configs map[string]domain.EndpointConfig
}

func NewRuntime(logger *slog.Logger) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Runtime{
		cli:     cli,
		logger:  logger,
		http:    &http.Client{Timeout: 60 * time.Second},
		models:  map[string]domain.ModelPackage{},
		configs: map[string]domain.EndpointConfig{},
	}, nil
}

var (
	_ ports.Hosting = (*Runtime)(nil)
	_ ports.Invoker = (*Runtime)(nil)
)

func (r *Runtime) CreateModel(_ context.Context, pkg domain.ModelPackage) error {
	if pkg.Name == "" || pkg.Image == "" {
		return fmt.Errorf("model name and image are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[pkg.Name] = pkg
	return nil
}

func (r *Runtime) CreateEndpointConfig(_ context.Context, cfg domain.EndpointConfig) error {
	if len(cfg.Variants) == 0 {
		return fmt.Errorf("endpoint config needs at least one variant")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range cfg.Variants {
		if _, ok := r.models[v.ModelName]; !ok {
			return fmt.Errorf("variant %s references unknown model %s", v.Name, v.ModelName)
		}
	}
	r.configs[cfg.Name] = cfg
	return nil
}

func (r *Runtime) CreateEndpoint(ctx context.Context, name, configName string) error {
	r.mu.Lock()
	cfg, ok := r.configs[configName]
	var pkg domain.ModelPackage
	if ok {
		// A single container serves the first variant; weighted fan-out
		// is the remote platform's job, not the dev runtime's.
		pkg, ok = r.models[cfg.Variants[0].ModelName]
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("endpoint config %s not registered", configName)
	}

	env := []string{
		fmt.Sprintf("CRUCIBLE_MODEL_DATA_URL=%s", pkg.ModelDataURL),
		fmt.Sprintf("CRUCIBLE_SHIM_PORT=%d", shimPort),
	}
	for k, v := range pkg.Environment {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	containerCfg := &container.Config{
		Image: pkg.Image,
		Env:   env,
		Labels: map[string]string{
			labelManaged:  "true",
			labelEndpoint: name,
		},
	}
	hostCfg := &container.HostConfig{}
	netCfg := &network.NetworkingConfig{}

	containerName := "crucible-ep-" + name
	resp, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, containerName)
	if client.IsErrNotFound(err) {
		reader, pullErr := r.cli.ImagePull(ctx, pkg.Image, image.PullOptions{})
		if pullErr != nil {
			return fmt.Errorf("failed to pull image %s: %w", pkg.Image, pullErr)
		}
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
		resp, err = r.cli.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, containerName)
	}
	if err != nil {
		return fmt.Errorf("failed to create endpoint container: %w", err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("failed to start endpoint container: %w", err)
	}

	r.logger.Info("endpoint container started", "endpoint", name, "image", pkg.Image)
	return nil
}

func (r *Runtime) DescribeEndpoint(ctx context.Context, name string) (domain.EndpointSnapshot, error) {
	inspect, err := r.cli.ContainerInspect(ctx, "crucible-ep-"+name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return domain.EndpointSnapshot{}, domain.ErrEndpointNotFound
		}
		return domain.EndpointSnapshot{}, fmt.Errorf("inspect endpoint %s: %w", name, err)
	}

	snapshot := domain.EndpointSnapshot{Name: name}

	if !inspect.State.Running {
		snapshot.Status = domain.EndpointStatusFailed
		snapshot.FailureReason = fmt.Sprintf("container %s (exit code %d)", inspect.State.Status, inspect.State.ExitCode)
		return snapshot, nil
	}

	url := fmt.Sprintf("http://%s:%d", inspect.NetworkSettings.IPAddress, shimPort)

	// The shim answers /ping once the model server is up.
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(pingCtx, http.MethodGet, url+"/ping", nil)
	if err != nil {
		return domain.EndpointSnapshot{}, err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		// Container running but shim not reachable yet.
		snapshot.Status = domain.EndpointStatusCreating
		return snapshot, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		snapshot.Status = domain.EndpointStatusInService
		snapshot.URL = url
	} else {
		snapshot.Status = domain.EndpointStatusCreating
	}
	return snapshot, nil
}

func (r *Runtime) DeleteEndpoint(ctx context.Context, name string) error {
	err := r.cli.ContainerRemove(ctx, "crucible-ep-"+name, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove endpoint container: %w", err)
	}
	return nil
}

func (r *Runtime) DeleteEndpointConfig(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.configs, name)
	return nil
}

func (r *Runtime) DeleteModel(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.models, name)
	return nil
}

// Invoke proxies the payload to the endpoint container's /invocations.
func (r *Runtime) Invoke(ctx context.Context, endpointName, contentType string, payload []byte) ([]byte, string, error) {
	snapshot, err := r.DescribeEndpoint(ctx, endpointName)
	if err != nil {
		return nil, "", err
	}
	if snapshot.Status != domain.EndpointStatusInService {
		return nil, "", fmt.Errorf("endpoint %s is %s, not in service", endpointName, snapshot.Status)
	}

	if contentType == "" {
		contentType = "application/json"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, snapshot.URL+"/invocations", bytes.NewReader(payload))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("invoke %s: %w", endpointName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read invoke response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, "", fmt.Errorf("invoke %s returned %d: %s", endpointName, resp.StatusCode, string(body))
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// ListEndpointContainers returns the names of managed endpoint
// containers, used at startup to reconcile stale endpoints.
func (r *Runtime) ListEndpointContainers(ctx context.Context) ([]string, error) {
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=true")),
	})
	if err != nil {
		return nil, err
	}

	var names []string
	for _, c := range containers {
		if name := c.Labels[labelEndpoint]; name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}
