package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/castiron/crucible/internal/core/domain"
	"github.com/castiron/crucible/internal/core/ports"
	"github.com/google/uuid"
)

// DeployRequest describes one compiled model to put behind an endpoint.
type DeployRequest struct {
	EndpointName     string              `json:"endpoint_name"`
	ModelName        string              `json:"model_name"`
	ArtifactLocation string              `json:"artifact_location"`
	Framework        string              `json:"framework"`
	Target           domain.TargetDevice `json:"target"`
	InstanceType     string              `json:"instance_type"`
	InstanceCount    int                 `json:"instance_count"`
	Environment      map[string]string   `json:"environment,omitempty"`
}

// HostingService runs the hosting pipeline: resolve a serving image,
// register the model, create config and endpoint, then wait for the
// endpoint to come in service.
type HostingService struct {
	logger  *slog.Logger
	hosting ports.Hosting
	invoker ports.Invoker
	repo    ports.Repository
	catalog *ImageCatalog
	waitCfg WaitConfig
}

func NewHostingService(
	logger *slog.Logger,
	hosting ports.Hosting,
	invoker ports.Invoker,
	repo ports.Repository,
	catalog *ImageCatalog,
	waitCfg WaitConfig,
) *HostingService {
	return &HostingService{
		logger:  logger,
		hosting: hosting,
		invoker: invoker,
		repo:    repo,
		catalog: catalog,
		waitCfg: waitCfg,
	}
}

// Deploy blocks until the endpoint is IN_SERVICE or FAILED.
func (s *HostingService) Deploy(ctx context.Context, req DeployRequest) (domain.Endpoint, error) {
	if strings.TrimSpace(req.ModelName) == "" {
		return domain.Endpoint{}, fmt.Errorf("model name is required")
	}
	if req.ArtifactLocation == "" {
		return domain.Endpoint{}, fmt.Errorf("artifact location is required")
	}
	if req.EndpointName == "" {
		req.EndpointName = req.ModelName + "-ep"
	}
	if req.InstanceCount <= 0 {
		req.InstanceCount = 1
	}
	if req.InstanceType == "" {
		req.InstanceType = "standard.medium"
	}

	image, err := s.catalog.Resolve(ctx, req.Framework, req.Target)
	if err != nil {
		return domain.Endpoint{}, fmt.Errorf("resolve serving image: %w", err)
	}

	pkg := domain.ModelPackage{
		Name:         req.ModelName,
		Image:        image,
		ModelDataURL: req.ArtifactLocation,
		Environment:  req.Environment,
	}
	if err := s.hosting.CreateModel(ctx, pkg); err != nil {
		return domain.Endpoint{}, fmt.Errorf("create model %s: %w", req.ModelName, err)
	}

	configName := req.EndpointName + "-config-" + uuid.New().String()[:8]
	cfg := domain.EndpointConfig{
		Name: configName,
		Variants: []domain.VariantSpec{{
			Name:          "primary",
			ModelName:     req.ModelName,
			InstanceType:  req.InstanceType,
			InstanceCount: req.InstanceCount,
			Weight:        1.0,
		}},
	}
	if err := s.hosting.CreateEndpointConfig(ctx, cfg); err != nil {
		return domain.Endpoint{}, fmt.Errorf("create endpoint config %s: %w", configName, err)
	}

	if err := s.hosting.CreateEndpoint(ctx, req.EndpointName, configName); err != nil {
		return domain.Endpoint{}, fmt.Errorf("create endpoint %s: %w", req.EndpointName, err)
	}

	now := time.Now().UTC()
	ep := domain.Endpoint{
		Name:       req.EndpointName,
		ConfigName: configName,
		ModelName:  req.ModelName,
		Status:     domain.EndpointStatusCreating,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.SaveEndpoint(ctx, ep); err != nil {
		s.logger.Error("failed to save endpoint record", "endpoint", ep.Name, "error", err)
	}

	waiter := NewEndpointWaiter(s.logger, s.hosting, s.waitCfg)
	snapshot, err := waiter.Wait(ctx, req.EndpointName)
	if err != nil {
		var failed *domain.EndpointFailedError
		if errors.As(err, &failed) {
			reason := failed.Snapshot.FailureReason
			ep.Status = domain.EndpointStatusFailed
			ep.FailureReason = &reason
			ep.UpdatedAt = time.Now().UTC()
			if saveErr := s.repo.SaveEndpoint(ctx, ep); saveErr != nil {
				s.logger.Error("failed to save failed endpoint", "endpoint", ep.Name, "error", saveErr)
			}
		}
		return ep, err
	}

	ep.Status = domain.EndpointStatusInService
	ep.URL = snapshot.URL
	ep.UpdatedAt = time.Now().UTC()
	if err := s.repo.SaveEndpoint(ctx, ep); err != nil {
		s.logger.Error("failed to save in-service endpoint", "endpoint", ep.Name, "error", err)
	}
	s.logger.Info("endpoint deployed", "endpoint", ep.Name, "model", req.ModelName, "image", image)
	return ep, nil
}

// Invoke sends an inference request to an endpoint. The second return
// value is the content type of the model server's response.
func (s *HostingService) Invoke(ctx context.Context, endpointName, contentType string, payload []byte) ([]byte, string, error) {
	if endpointName == "" {
		return nil, "", fmt.Errorf("endpoint name must not be empty")
	}
	return s.invoker.Invoke(ctx, endpointName, contentType, payload)
}

// Get returns the cached endpoint record.
func (s *HostingService) Get(ctx context.Context, name string) (domain.Endpoint, error) {
	return s.repo.GetEndpoint(ctx, name)
}

// List returns all locally known endpoints.
func (s *HostingService) List(ctx context.Context) ([]domain.Endpoint, error) {
	return s.repo.ListEndpoints(ctx)
}

// Teardown removes the endpoint and its config and model registrations.
func (s *HostingService) Teardown(ctx context.Context, name string) error {
	ep, err := s.repo.GetEndpoint(ctx, name)
	if err != nil {
		return err
	}

	if err := s.hosting.DeleteEndpoint(ctx, ep.Name); err != nil {
		return fmt.Errorf("delete endpoint %s: %w", ep.Name, err)
	}
	if ep.ConfigName != "" {
		if err := s.hosting.DeleteEndpointConfig(ctx, ep.ConfigName); err != nil {
			s.logger.Warn("failed to delete endpoint config", "config", ep.ConfigName, "error", err)
		}
	}
	if ep.ModelName != "" {
		if err := s.hosting.DeleteModel(ctx, ep.ModelName); err != nil {
			s.logger.Warn("failed to delete model", "model", ep.ModelName, "error", err)
		}
	}

	return s.repo.DeleteEndpoint(ctx, name)
}
