package services

import (
	"context"
	"errors"
	"log/slog"

	"github.com/castiron/crucible/internal/core/domain"
	"golang.org/x/sync/semaphore"
)

// QueueConfig bounds how many compile-and-wait pipelines run at once.
// Each in-flight pipeline holds a poll loop against the platform, so the
// limit also caps outbound query pressure.
type QueueConfig struct {
	MaxConcurrent int64
}

type CompileQueue struct {
	logger  *slog.Logger
	pending chan domain.CompilationRequest
	sem     *semaphore.Weighted
}

func NewCompileQueue(logger *slog.Logger, cfg QueueConfig) *CompileQueue {
	limit := cfg.MaxConcurrent
	if limit <= 0 {
		limit = 4
	}

	return &CompileQueue{
		logger:  logger,
		pending: make(chan domain.CompilationRequest, 64),
		sem:     semaphore.NewWeighted(limit),
	}
}

// Enqueue adds a request to the queue without blocking.
func (q *CompileQueue) Enqueue(req domain.CompilationRequest) error {
	select {
	case q.pending <- req:
		q.logger.Info("compilation queued", "job", req.Name)
		return nil
	default:
		return errors.New("compilation queue full")
	}
}

// Start consumes the queue, running each request through handler with
// the concurrency limit applied. Returns immediately; the consumer stops
// when ctx is cancelled.
func (q *CompileQueue) Start(ctx context.Context, handler func(context.Context, domain.CompilationRequest)) {
	q.logger.Info("starting compile queue")

	go func() {
		for {
			select {
			case <-ctx.Done():
				q.logger.Info("stopping compile queue")
				return
			case req := <-q.pending:
				if err := q.sem.Acquire(ctx, 1); err != nil {
					q.logger.Error("failed to acquire compile slot", "error", err)
					return
				}

				go func(r domain.CompilationRequest) {
					defer q.sem.Release(1)
					handler(ctx, r)
				}(req)
			}
		}
	}()
}
