// Package platformhttp implements the compiler and hosting ports against
// the remote platform's REST API.
package platformhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/castiron/crucible/internal/core/domain"
	"github.com/castiron/crucible/internal/core/ports"
)

type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

func NewClient(logger *slog.Logger, baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 60 * time.Second},
		logger:  logger,
	}
}

var (
	_ ports.Compiler = (*Client)(nil)
	_ ports.Hosting  = (*Client)(nil)
	_ ports.Invoker  = (*Client)(nil)
)

type apiError struct {
	Message string `json:"error"`
}

// do performs one JSON round trip. A nil out discards the body.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("platform connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode >= 400 {
		var apiErr apiError
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Message != "" {
			return fmt.Errorf("platform returned %d: %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("platform returned %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var errNotFound = fmt.Errorf("platform: not found")

// Wire types. The platform's payloads carry more fields than these; only
// what the waiter and hosting pipeline consume is decoded.

type submitJobRequest struct {
	Name              string             `json:"name"`
	InputLocation     string             `json:"input_location"`
	InputShapes       map[string][]int64 `json:"input_shapes"`
	Framework         string             `json:"framework"`
	Target            string             `json:"target"`
	OutputLocation    string             `json:"output_location"`
	MaxRuntimeSeconds int64              `json:"max_runtime_seconds"`
}

type describeJobResponse struct {
	Name          string `json:"name"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason"`
	Artifact      struct {
		Location string `json:"location"`
	} `json:"artifact"`
}

func (c *Client) SubmitCompilation(ctx context.Context, req domain.CompilationRequest) error {
	wire := submitJobRequest{
		Name:              req.Name,
		InputLocation:     req.InputLocation,
		InputShapes:       req.Data.InputShapes,
		Framework:         req.Data.Framework,
		Target:            string(req.Target),
		OutputLocation:    req.OutputLocation,
		MaxRuntimeSeconds: req.MaxRuntimeSeconds,
	}
	if err := c.do(ctx, http.MethodPost, "/v1/compilation-jobs", wire, nil); err != nil {
		return fmt.Errorf("submit compilation %s: %w", req.Name, err)
	}
	return nil
}

func (c *Client) DescribeCompilation(ctx context.Context, jobName string) (domain.CompilationSnapshot, error) {
	var resp describeJobResponse
	err := c.do(ctx, http.MethodGet, "/v1/compilation-jobs/"+url.PathEscape(jobName), nil, &resp)
	if err == errNotFound {
		return domain.CompilationSnapshot{}, domain.ErrJobNotFound
	}
	if err != nil {
		return domain.CompilationSnapshot{}, err
	}

	return domain.CompilationSnapshot{
		JobName:       resp.Name,
		Status:        domain.JobStatus(resp.Status),
		Artifact:      resp.Artifact.Location,
		FailureReason: resp.FailureReason,
	}, nil
}

func (c *Client) StopCompilation(ctx context.Context, jobName string) error {
	err := c.do(ctx, http.MethodPost, "/v1/compilation-jobs/"+url.PathEscape(jobName)+"/stop", nil, nil)
	if err == errNotFound {
		return domain.ErrJobNotFound
	}
	return err
}

type createModelRequest struct {
	Name         string            `json:"name"`
	Image        string            `json:"image"`
	ModelDataURL string            `json:"model_data_url"`
	Environment  map[string]string `json:"environment,omitempty"`
}

type createEndpointConfigRequest struct {
	Name     string        `json:"name"`
	Variants []wireVariant `json:"variants"`
}

type wireVariant struct {
	Name          string  `json:"name"`
	ModelName     string  `json:"model_name"`
	InstanceType  string  `json:"instance_type"`
	InstanceCount int     `json:"instance_count"`
	Weight        float64 `json:"weight"`
}

type createEndpointRequest struct {
	Name       string `json:"name"`
	ConfigName string `json:"config_name"`
}

type describeEndpointResponse struct {
	Name          string `json:"name"`
	Status        string `json:"status"`
	URL           string `json:"url"`
	FailureReason string `json:"failure_reason"`
}

func (c *Client) CreateModel(ctx context.Context, pkg domain.ModelPackage) error {
	wire := createModelRequest{
		Name:         pkg.Name,
		Image:        pkg.Image,
		ModelDataURL: pkg.ModelDataURL,
		Environment:  pkg.Environment,
	}
	return c.do(ctx, http.MethodPost, "/v1/models", wire, nil)
}

func (c *Client) CreateEndpointConfig(ctx context.Context, cfg domain.EndpointConfig) error {
	wire := createEndpointConfigRequest{Name: cfg.Name}
	for _, v := range cfg.Variants {
		wire.Variants = append(wire.Variants, wireVariant{
			Name:          v.Name,
			ModelName:     v.ModelName,
			InstanceType:  v.InstanceType,
			InstanceCount: v.InstanceCount,
			Weight:        v.Weight,
		})
	}
	return c.do(ctx, http.MethodPost, "/v1/endpoint-configs", wire, nil)
}

func (c *Client) CreateEndpoint(ctx context.Context, name, configName string) error {
	return c.do(ctx, http.MethodPost, "/v1/endpoints", createEndpointRequest{Name: name, ConfigName: configName}, nil)
}

func (c *Client) DescribeEndpoint(ctx context.Context, name string) (domain.EndpointSnapshot, error) {
	var resp describeEndpointResponse
	err := c.do(ctx, http.MethodGet, "/v1/endpoints/"+url.PathEscape(name), nil, &resp)
	if err == errNotFound {
		return domain.EndpointSnapshot{}, domain.ErrEndpointNotFound
	}
	if err != nil {
		return domain.EndpointSnapshot{}, err
	}

	return domain.EndpointSnapshot{
		Name:          resp.Name,
		Status:        domain.EndpointStatus(resp.Status),
		URL:           resp.URL,
		FailureReason: resp.FailureReason,
	}, nil
}

func (c *Client) DeleteEndpoint(ctx context.Context, name string) error {
	err := c.do(ctx, http.MethodDelete, "/v1/endpoints/"+url.PathEscape(name), nil, nil)
	if err == errNotFound {
		return domain.ErrEndpointNotFound
	}
	return err
}

func (c *Client) DeleteEndpointConfig(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/v1/endpoint-configs/"+url.PathEscape(name), nil, nil)
}

func (c *Client) DeleteModel(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/v1/models/"+url.PathEscape(name), nil, nil)
}

// Invoke sends a raw inference payload and returns the raw response
// body together with its content type.
func (c *Client) Invoke(ctx context.Context, endpointName, contentType string, payload []byte) ([]byte, string, error) {
	path := "/v1/endpoints/" + url.PathEscape(endpointName) + "/invoke"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("invoke %s: %w", endpointName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read invoke response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, "", domain.ErrEndpointNotFound
	}
	if resp.StatusCode >= 400 {
		return nil, "", fmt.Errorf("invoke %s returned %d: %s", endpointName, resp.StatusCode, string(body))
	}
	return body, resp.Header.Get("Content-Type"), nil
}
