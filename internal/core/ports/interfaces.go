package ports

import (
	"context"
	"io"

	"github.com/castiron/crucible/internal/core/domain"
)

// Compiler abstracts the platform's model compilation API.
type Compiler interface {
	// SubmitCompilation starts a remote compilation job. The platform
	// bounds job duration via the request's stopping condition.
	SubmitCompilation(ctx context.Context, req domain.CompilationRequest) error

	// DescribeCompilation returns the current snapshot of a job.
	DescribeCompilation(ctx context.Context, jobName string) (domain.CompilationSnapshot, error)

	// StopCompilation asks the platform to stop a running job.
	StopCompilation(ctx context.Context, jobName string) error
}

// Hosting abstracts the platform's model hosting API.
type Hosting interface {
	CreateModel(ctx context.Context, pkg domain.ModelPackage) error
	CreateEndpointConfig(ctx context.Context, cfg domain.EndpointConfig) error
	CreateEndpoint(ctx context.Context, name, configName string) error
	DescribeEndpoint(ctx context.Context, name string) (domain.EndpointSnapshot, error)
	DeleteEndpoint(ctx context.Context, name string) error
	DeleteEndpointConfig(ctx context.Context, name string) error
	DeleteModel(ctx context.Context, name string) error
}

// Invoker sends inference requests to an in-service endpoint. It
// returns the response body along with the content type the model
// server answered with.
type Invoker interface {
	Invoke(ctx context.Context, endpointName, contentType string, payload []byte) ([]byte, string, error)
}

// Repository abstracts the persistent storage (DuckDB).
type Repository interface {
	SaveJob(ctx context.Context, job domain.CompilationJob) error
	GetJob(ctx context.Context, name string) (domain.CompilationJob, error)
	ListJobs(ctx context.Context) ([]domain.CompilationJob, error)

	SaveEndpoint(ctx context.Context, ep domain.Endpoint) error
	GetEndpoint(ctx context.Context, name string) (domain.Endpoint, error)
	ListEndpoints(ctx context.Context) ([]domain.Endpoint, error)
	DeleteEndpoint(ctx context.Context, name string) error

	GetSetting(ctx context.Context, key string) (string, error)
	SaveSetting(ctx context.Context, key string, value string) error
}

// ArtifactStore holds packaged model archives.
type ArtifactStore interface {
	// Put stores the stream under key and returns a result locator.
	Put(key string, r io.Reader) (string, error)

	// Open reads a previously stored artifact.
	Open(key string) (io.ReadCloser, error)

	// URL resolves a key to its locator without touching the data.
	URL(key string) string
}
