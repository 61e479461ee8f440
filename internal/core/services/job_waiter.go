package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/castiron/crucible/internal/core/domain"
)

const defaultPollInterval = 30 * time.Second

// StatusQuerier is the minimal compiler surface the waiter needs.
type StatusQuerier interface {
	DescribeCompilation(ctx context.Context, jobName string) (domain.CompilationSnapshot, error)
}

// WaitConfig tunes the polling loop.
type WaitConfig struct {
	// Interval between consecutive status queries. Defaults to 30s.
	Interval time.Duration

	// MaxWait bounds the whole wait. Zero means wait forever, relying on
	// the stopping condition supplied at submission time to terminate the
	// remote job eventually.
	MaxWait time.Duration

	// FailFast aborts on a transient query error instead of retrying it
	// at the next interval.
	FailFast bool
}

func (c WaitConfig) interval() time.Duration {
	if c.Interval <= 0 {
		return defaultPollInterval
	}
	return c.Interval
}

// JobWaiter blocks a caller until an already-submitted compilation job
// reaches a terminal status. It trusts the remote status verbatim and
// keeps no state beyond the last observed snapshot.
type JobWaiter struct {
	logger   *slog.Logger
	compiler StatusQuerier
	cfg      WaitConfig
}

func NewJobWaiter(logger *slog.Logger, compiler StatusQuerier, cfg WaitConfig) *JobWaiter {
	return &JobWaiter{
		logger:   logger,
		compiler: compiler,
		cfg:      cfg,
	}
}

// Wait polls the job until COMPLETED, FAILED or STOPPED.
//
// On COMPLETED it returns the final snapshot, whose Artifact field holds
// the result locator. FAILED and STOPPED surface as *domain.JobFailedError
// carrying the job name and the last snapshot. Transient query errors are
// retried at the same interval unless FailFast is set.
func (w *JobWaiter) Wait(ctx context.Context, jobName string) (domain.CompilationSnapshot, error) {
	if jobName == "" {
		return domain.CompilationSnapshot{}, domain.ErrEmptyJobName
	}

	if max := w.cfg.MaxWait; max > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	for {
		snapshot, err := w.compiler.DescribeCompilation(ctx, jobName)
		if err != nil {
			if w.cfg.FailFast {
				return domain.CompilationSnapshot{}, fmt.Errorf("describe compilation %s: %w", jobName, err)
			}
			w.logger.Warn("status query failed, retrying", "job", jobName, "error", err)
		} else {
			switch snapshot.Status {
			case domain.JobStatusCompleted:
				w.logger.Info("compilation completed", "job", jobName, "artifact", snapshot.Artifact)
				return snapshot, nil
			case domain.JobStatusFailed, domain.JobStatusStopped:
				return snapshot, &domain.JobFailedError{JobName: jobName, Snapshot: snapshot}
			default:
				w.logger.Info("compilation in progress", "job", jobName, "status", snapshot.Status)
			}
		}

		if err := sleepInterval(ctx, w.cfg.interval()); err != nil {
			return domain.CompilationSnapshot{}, fmt.Errorf("waiting for compilation %s: %w", jobName, err)
		}
	}
}

// sleepInterval blocks for d or until ctx is done.
func sleepInterval(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
