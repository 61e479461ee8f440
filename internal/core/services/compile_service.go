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

const defaultMaxRuntimeSeconds = 900

// CompileService drives a compilation job through its whole lifecycle:
// submit to the platform, persist the local record, and run the wait
// loop to a terminal state, publishing events along the way.
type CompileService struct {
	logger   *slog.Logger
	compiler ports.Compiler
	repo     ports.Repository
	queue    *CompileQueue
	bus      *EventBus
	waitCfg  WaitConfig
}

func NewCompileService(
	logger *slog.Logger,
	compiler ports.Compiler,
	repo ports.Repository,
	queue *CompileQueue,
	bus *EventBus,
	waitCfg WaitConfig,
) *CompileService {
	return &CompileService{
		logger:   logger,
		compiler: compiler,
		repo:     repo,
		queue:    queue,
		bus:      bus,
		waitCfg:  waitCfg,
	}
}

// Run starts the queue consumer. Blocks only for setup.
func (s *CompileService) Run(ctx context.Context) error {
	s.queue.Start(ctx, s.execute)
	return nil
}

// Submit validates and enqueues a compilation request, persisting the
// SUBMITTED record. The remote submission itself happens on the queue so
// that the concurrency limit also bounds platform calls.
func (s *CompileService) Submit(ctx context.Context, req domain.CompilationRequest) (string, error) {
	if strings.TrimSpace(req.Name) == "" {
		req.Name = "compile-" + uuid.New().String()[:8]
	}
	if req.InputLocation == "" {
		return "", fmt.Errorf("input location is required")
	}
	if req.OutputLocation == "" {
		return "", fmt.Errorf("output location is required")
	}
	if req.Target == "" {
		return "", fmt.Errorf("target device is required")
	}
	if req.MaxRuntimeSeconds <= 0 {
		req.MaxRuntimeSeconds = defaultMaxRuntimeSeconds
	}

	now := time.Now().UTC()
	job := domain.CompilationJob{
		Name:          req.Name,
		Status:        domain.JobStatusSubmitted,
		Target:        req.Target,
		InputLocation: req.InputLocation,
		CreatedAt:     now,
		UpdatedAt:     now,
		Metadata: map[string]string{
			"framework": req.Data.Framework,
		},
	}
	if err := s.repo.SaveJob(ctx, job); err != nil {
		return "", fmt.Errorf("save job: %w", err)
	}
	s.bus.PublishStatus(req.Name, string(domain.JobStatusSubmitted))

	if err := s.queue.Enqueue(req); err != nil {
		// Don't leave a SUBMITTED record behind for work that never ran.
		s.failJob(ctx, req.Name, fmt.Errorf("enqueue: %w", err))
		return "", err
	}
	return req.Name, nil
}

// execute is the queue callback: remote submit, then wait to terminal.
func (s *CompileService) execute(ctx context.Context, req domain.CompilationRequest) {
	s.logger.Info("submitting compilation", "job", req.Name, "target", req.Target)

	if err := s.compiler.SubmitCompilation(ctx, req); err != nil {
		s.failJob(ctx, req.Name, fmt.Errorf("submit failed: %w", err))
		return
	}

	s.updateStatus(ctx, req.Name, domain.JobStatusInProgress)
	s.bus.PublishLog(req.Name, "compilation job accepted by platform")

	waiter := NewJobWaiter(s.logger, s.compiler, s.waitCfg)
	snapshot, err := waiter.Wait(ctx, req.Name)
	if err != nil {
		var failed *domain.JobFailedError
		if errors.As(err, &failed) {
			s.recordTerminal(ctx, req.Name, failed.Snapshot)
			return
		}
		// Cancelled or deadline: the remote job keeps running under its
		// own stopping condition, so the local record stays non-terminal.
		s.logger.Warn("wait aborted", "job", req.Name, "error", err)
		return
	}

	s.recordTerminal(ctx, req.Name, snapshot)
}

// Describe returns the cached job, refreshed from the platform while it
// is still non-terminal.
func (s *CompileService) Describe(ctx context.Context, name string) (domain.CompilationJob, error) {
	job, err := s.repo.GetJob(ctx, name)
	if err != nil {
		return domain.CompilationJob{}, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	snapshot, err := s.compiler.DescribeCompilation(ctx, name)
	if err != nil {
		s.logger.Warn("remote describe failed, serving cached job", "job", name, "error", err)
		return job, nil
	}

	job = applySnapshot(job, snapshot)
	if err := s.repo.SaveJob(ctx, job); err != nil {
		s.logger.Error("failed to save refreshed job", "job", name, "error", err)
	}
	return job, nil
}

// List returns all locally known jobs.
func (s *CompileService) List(ctx context.Context) ([]domain.CompilationJob, error) {
	return s.repo.ListJobs(ctx)
}

// Stop asks the platform to stop a running job.
func (s *CompileService) Stop(ctx context.Context, name string) error {
	if err := s.compiler.StopCompilation(ctx, name); err != nil {
		return fmt.Errorf("stop compilation %s: %w", name, err)
	}
	s.bus.PublishLog(name, "stop requested")
	return nil
}

func (s *CompileService) recordTerminal(ctx context.Context, name string, snapshot domain.CompilationSnapshot) {
	job, err := s.repo.GetJob(ctx, name)
	if err != nil {
		s.logger.Error("terminal update on unknown job", "job", name, "error", err)
		job = domain.CompilationJob{Name: name, CreatedAt: time.Now().UTC()}
	}

	job = applySnapshot(job, snapshot)
	if err := s.repo.SaveJob(ctx, job); err != nil {
		s.logger.Error("failed to save terminal job", "job", name, "error", err)
	}
	s.bus.PublishStatus(name, string(snapshot.Status))
	if snapshot.Status == domain.JobStatusCompleted {
		s.bus.PublishLog(name, "artifact ready: "+snapshot.Artifact)
	}
}

func (s *CompileService) updateStatus(ctx context.Context, name string, status domain.JobStatus) {
	job, err := s.repo.GetJob(ctx, name)
	if err != nil {
		s.logger.Error("status update on unknown job", "job", name, "error", err)
		return
	}
	job.Status = status
	job.UpdatedAt = time.Now().UTC()
	if err := s.repo.SaveJob(ctx, job); err != nil {
		s.logger.Error("failed to save job status", "job", name, "error", err)
	}
	s.bus.PublishStatus(name, string(status))
}

func (s *CompileService) failJob(ctx context.Context, name string, failure error) {
	s.logger.Error("compilation failed", "job", name, "error", failure)
	s.recordTerminal(ctx, name, domain.CompilationSnapshot{
		JobName:       name,
		Status:        domain.JobStatusFailed,
		FailureReason: failure.Error(),
	})
}

func applySnapshot(job domain.CompilationJob, snapshot domain.CompilationSnapshot) domain.CompilationJob {
	job.Status = snapshot.Status
	job.UpdatedAt = time.Now().UTC()
	if snapshot.Artifact != "" {
		artifact := snapshot.Artifact
		job.Artifact = &artifact
	}
	if snapshot.FailureReason != "" {
		reason := snapshot.FailureReason
		job.FailureReason = &reason
	}
	return job
}
