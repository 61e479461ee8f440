// Package backend assembles the compiler, hosting and invoker ports
// from the current settings, and lets the daemon swap them atomically
// when settings change.
package backend

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/castiron/crucible/internal/adapters/docker"
	"github.com/castiron/crucible/internal/adapters/platformhttp"
	"github.com/castiron/crucible/internal/core/domain"
	"github.com/castiron/crucible/internal/core/ports"
)

// ErrNoCompiler is returned when compilation is attempted without a
// remote platform configured.
var ErrNoCompiler = errors.New("no compilation backend configured, set platform base_url and api_key")

// Set is one resolved trio of port implementations.
type Set struct {
	Compiler ports.Compiler
	Hosting  ports.Hosting
	Invoker  ports.Invoker
}

// Build resolves the ports for cfg. In remote mode everything goes to
// the platform API. In local mode, hosting runs on the Docker daemon
// and compilation still goes remote when a base URL is configured.
func Build(logger *slog.Logger, cfg *domain.AppConfig, runtime *docker.Runtime) (Set, error) {
	if cfg.Platform.Mode == "remote" {
		client := platformhttp.NewClient(logger, cfg.Platform.BaseURL, cfg.Platform.APIKey)
		return Set{Compiler: client, Hosting: client, Invoker: client}, nil
	}

	if runtime == nil {
		return Set{}, errors.New("local mode requires the docker runtime")
	}

	set := Set{
		Compiler: unconfiguredCompiler{},
		Hosting:  runtime,
		Invoker:  runtime,
	}
	if cfg.Platform.BaseURL != "" {
		set.Compiler = platformhttp.NewClient(logger, cfg.Platform.BaseURL, cfg.Platform.APIKey)
	}
	return set, nil
}

type unconfiguredCompiler struct{}

func (unconfiguredCompiler) SubmitCompilation(context.Context, domain.CompilationRequest) error {
	return ErrNoCompiler
}

func (unconfiguredCompiler) DescribeCompilation(context.Context, string) (domain.CompilationSnapshot, error) {
	return domain.CompilationSnapshot{}, ErrNoCompiler
}

func (unconfiguredCompiler) StopCompilation(context.Context, string) error {
	return ErrNoCompiler
}

// Switch is a swappable Set. Services hold the Switch; settings changes
// replace the backends underneath without a restart.
type Switch struct {
	mu  sync.RWMutex
	set Set
}

func NewSwitch(set Set) *Switch {
	return &Switch{set: set}
}

// Update replaces the active backends.
func (s *Switch) Update(set Set) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set = set
}

func (s *Switch) current() Set {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.set
}

var (
	_ ports.Compiler = (*Switch)(nil)
	_ ports.Hosting  = (*Switch)(nil)
	_ ports.Invoker  = (*Switch)(nil)
)

func (s *Switch) SubmitCompilation(ctx context.Context, req domain.CompilationRequest) error {
	return s.current().Compiler.SubmitCompilation(ctx, req)
}

func (s *Switch) DescribeCompilation(ctx context.Context, jobName string) (domain.CompilationSnapshot, error) {
	return s.current().Compiler.DescribeCompilation(ctx, jobName)
}

func (s *Switch) StopCompilation(ctx context.Context, jobName string) error {
	return s.current().Compiler.StopCompilation(ctx, jobName)
}

func (s *Switch) CreateModel(ctx context.Context, pkg domain.ModelPackage) error {
	return s.current().Hosting.CreateModel(ctx, pkg)
}

func (s *Switch) CreateEndpointConfig(ctx context.Context, cfg domain.EndpointConfig) error {
	return s.current().Hosting.CreateEndpointConfig(ctx, cfg)
}

func (s *Switch) CreateEndpoint(ctx context.Context, name, configName string) error {
	return s.current().Hosting.CreateEndpoint(ctx, name, configName)
}

func (s *Switch) DescribeEndpoint(ctx context.Context, name string) (domain.EndpointSnapshot, error) {
	return s.current().Hosting.DescribeEndpoint(ctx, name)
}

func (s *Switch) DeleteEndpoint(ctx context.Context, name string) error {
	return s.current().Hosting.DeleteEndpoint(ctx, name)
}

func (s *Switch) DeleteEndpointConfig(ctx context.Context, name string) error {
	return s.current().Hosting.DeleteEndpointConfig(ctx, name)
}

func (s *Switch) DeleteModel(ctx context.Context, name string) error {
	return s.current().Hosting.DeleteModel(ctx, name)
}

func (s *Switch) Invoke(ctx context.Context, endpointName, contentType string, payload []byte) ([]byte, string, error) {
	return s.current().Invoker.Invoke(ctx, endpointName, contentType, payload)
}
