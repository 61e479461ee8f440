package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/castiron/crucible/internal/core/domain"
)

// ImageCatalog resolves the hosting container image URI for a framework
// and target device. A remote catalog takes precedence when configured;
// otherwise the builtin table answers.
type ImageCatalog struct {
	logger  *slog.Logger
	client  *http.Client
	baseURL string // remote catalog root, optional
	builtin map[string]string
}

func NewImageCatalog(logger *slog.Logger, baseURL string) *ImageCatalog {
	return &ImageCatalog{
		logger:  logger,
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		builtin: builtinImages(),
	}
}

// builtinImages maps framework/target-family pairs to serving images.
func builtinImages() map[string]string {
	return map[string]string{
		"pytorch/cpu":    "registry.crucible.dev/serving/pytorch-inference:2.1-cpu",
		"pytorch/gpu":    "registry.crucible.dev/serving/pytorch-inference:2.1-gpu",
		"pytorch/edge":   "registry.crucible.dev/serving/dlr-inference:1.10-arm64",
		"tensorflow/cpu": "registry.crucible.dev/serving/tf-inference:2.14-cpu",
		"tensorflow/gpu": "registry.crucible.dev/serving/tf-inference:2.14-gpu",
		"onnx/cpu":       "registry.crucible.dev/serving/onnxruntime:1.17-cpu",
		"onnx/gpu":       "registry.crucible.dev/serving/onnxruntime:1.17-gpu",
	}
}

// targetFamily buckets devices into the image families we publish.
func targetFamily(target domain.TargetDevice) string {
	switch target {
	case domain.TargetGPUStandard:
		return "gpu"
	case domain.TargetJetsonNano, domain.TargetRaspberryPi:
		return "edge"
	default:
		return "cpu"
	}
}

type catalogImageResponse struct {
	Image string `json:"image"`
}

// Resolve returns the serving image URI for framework+target.
func (c *ImageCatalog) Resolve(ctx context.Context, framework string, target domain.TargetDevice) (string, error) {
	framework = strings.ToLower(strings.TrimSpace(framework))
	if framework == "" {
		framework = "pytorch"
	}

	if c.baseURL != "" {
		if image, err := c.resolveRemote(ctx, framework, target); err == nil {
			return image, nil
		} else {
			c.logger.Warn("remote image catalog unavailable, using builtin table", "error", err)
		}
	}

	key := framework + "/" + targetFamily(target)
	image, ok := c.builtin[key]
	if !ok {
		return "", fmt.Errorf("no serving image for framework %q target %q", framework, target)
	}
	return image, nil
}

func (c *ImageCatalog) resolveRemote(ctx context.Context, framework string, target domain.TargetDevice) (string, error) {
	query := url.Values{}
	query.Set("framework", framework)
	query.Set("target", string(target))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/images?"+query.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("catalog not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("catalog returned %d", resp.StatusCode)
	}

	var body catalogImageResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode catalog response: %w", err)
	}
	if body.Image == "" {
		return "", fmt.Errorf("catalog returned empty image")
	}
	return body.Image, nil
}
