package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/castiron/crucible/internal/core/domain"
)

// EndpointQuerier is the minimal hosting surface the waiter needs.
type EndpointQuerier interface {
	DescribeEndpoint(ctx context.Context, name string) (domain.EndpointSnapshot, error)
}

// EndpointWaiter blocks until an endpoint leaves CREATING. Same loop
// shape as JobWaiter, applied to provisioning.
type EndpointWaiter struct {
	logger  *slog.Logger
	hosting EndpointQuerier
	cfg     WaitConfig
}

func NewEndpointWaiter(logger *slog.Logger, hosting EndpointQuerier, cfg WaitConfig) *EndpointWaiter {
	return &EndpointWaiter{
		logger:  logger,
		hosting: hosting,
		cfg:     cfg,
	}
}

// Wait polls the endpoint until IN_SERVICE or FAILED. FAILED surfaces as
// *domain.EndpointFailedError.
func (w *EndpointWaiter) Wait(ctx context.Context, name string) (domain.EndpointSnapshot, error) {
	if name == "" {
		return domain.EndpointSnapshot{}, fmt.Errorf("endpoint name must not be empty")
	}

	if max := w.cfg.MaxWait; max > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	for {
		snapshot, err := w.hosting.DescribeEndpoint(ctx, name)
		if err != nil {
			if w.cfg.FailFast {
				return domain.EndpointSnapshot{}, fmt.Errorf("describe endpoint %s: %w", name, err)
			}
			w.logger.Warn("endpoint query failed, retrying", "endpoint", name, "error", err)
		} else {
			switch snapshot.Status {
			case domain.EndpointStatusInService:
				w.logger.Info("endpoint in service", "endpoint", name, "url", snapshot.URL)
				return snapshot, nil
			case domain.EndpointStatusFailed:
				return snapshot, &domain.EndpointFailedError{EndpointName: name, Snapshot: snapshot}
			default:
				w.logger.Info("endpoint provisioning", "endpoint", name, "status", snapshot.Status)
			}
		}

		if err := sleepInterval(ctx, w.cfg.interval()); err != nil {
			return domain.EndpointSnapshot{}, fmt.Errorf("waiting for endpoint %s: %w", name, err)
		}
	}
}
