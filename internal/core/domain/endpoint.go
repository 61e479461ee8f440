package domain

import (
	"errors"
	"time"
)

type EndpointStatus string

const (
	EndpointStatusCreating  EndpointStatus = "CREATING"
	EndpointStatusInService EndpointStatus = "IN_SERVICE"
	EndpointStatusFailed    EndpointStatus = "FAILED"
	EndpointStatusDeleting  EndpointStatus = "DELETING"
)

// Terminal reports whether endpoint provisioning has finished, one way
// or the other.
func (s EndpointStatus) Terminal() bool {
	return s == EndpointStatusInService || s == EndpointStatusFailed
}

// VariantSpec describes one production variant of an endpoint config.
type VariantSpec struct {
	Name          string  `json:"name"`
	ModelName     string  `json:"model_name"`
	InstanceType  string  `json:"instance_type"`
	InstanceCount int     `json:"instance_count"`
	Weight        float64 `json:"weight"`
}

// EndpointConfig binds one or more model variants under a named config.
type EndpointConfig struct {
	Name     string        `json:"name"`
	Variants []VariantSpec `json:"variants"`
}

// Endpoint is the locally cached view of a hosted inference endpoint.
type Endpoint struct {
	Name          string         `json:"name"`
	ConfigName    string         `json:"config_name"`
	ModelName     string         `json:"model_name"`
	Status        EndpointStatus `json:"status"`
	URL           string         `json:"url,omitempty"`
	FailureReason *string        `json:"failure_reason,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// EndpointSnapshot is the projection of a single describe-endpoint
// response consumed by the endpoint waiter.
type EndpointSnapshot struct {
	Name          string         `json:"name"`
	Status        EndpointStatus `json:"status"`
	URL           string         `json:"url,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
}

// EndpointFailedError reports that endpoint provisioning reached FAILED.
type EndpointFailedError struct {
	EndpointName string
	Snapshot     EndpointSnapshot
}

func (e *EndpointFailedError) Error() string {
	if e.Snapshot.FailureReason != "" {
		return "endpoint " + e.EndpointName + " failed: " + e.Snapshot.FailureReason
	}
	return "endpoint " + e.EndpointName + " failed"
}

var ErrEndpointNotFound = errors.New("endpoint not found")
