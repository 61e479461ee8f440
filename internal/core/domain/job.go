package domain

import (
	"errors"
	"fmt"
	"time"
)

type JobStatus string

const (
	JobStatusSubmitted  JobStatus = "SUBMITTED"
	JobStatusInProgress JobStatus = "IN_PROGRESS"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusStopped    JobStatus = "STOPPED"
)

// Terminal reports whether no further status transition can occur.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusStopped:
		return true
	}
	return false
}

// CompilationJob is the locally cached view of a remote compilation job.
// The authoritative state lives on the platform; this record only holds
// the last observed snapshot.
type CompilationJob struct {
	Name          string            `json:"name"`
	Status        JobStatus         `json:"status"`
	Target        TargetDevice      `json:"target"`
	InputLocation string            `json:"input_location"`
	Artifact      *string           `json:"artifact,omitempty"` // result locator, set on COMPLETED
	FailureReason *string           `json:"failure_reason,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// CompilationSnapshot is the strongly-typed projection of a single status
// query response. Only the fields the waiter consumes are modelled; the
// rest of the platform payload is deliberately ignored.
type CompilationSnapshot struct {
	JobName       string    `json:"job_name"`
	Status        JobStatus `json:"status"`
	Artifact      string    `json:"artifact,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

// CompilationRequest describes a job submission.
type CompilationRequest struct {
	Name              string       `json:"name"`
	InputLocation     string       `json:"input_location"`
	Data              DataConfig   `json:"data"`
	Target            TargetDevice `json:"target"`
	OutputLocation    string       `json:"output_location"`
	MaxRuntimeSeconds int64        `json:"max_runtime_seconds"`
}

// JobFailedError reports that the remote job reached a failing terminal
// status (FAILED or STOPPED). It carries the last observed snapshot for
// diagnostics.
type JobFailedError struct {
	JobName  string
	Snapshot CompilationSnapshot
}

func (e *JobFailedError) Error() string {
	if e.Snapshot.FailureReason != "" {
		return fmt.Sprintf("remote job %s %s: %s", e.JobName, e.Snapshot.Status, e.Snapshot.FailureReason)
	}
	return fmt.Sprintf("remote job %s %s", e.JobName, e.Snapshot.Status)
}

var (
	ErrJobNotFound  = errors.New("compilation job not found")
	ErrEmptyJobName = errors.New("job name must not be empty")
)
