package workflow

import (
	"fmt"

	"montage/internal/services"
	"montage/internal/store"
)

// JobNotFoundError reports an unknown job id.
type JobNotFoundError struct {
	JobID string
}

func (e *JobNotFoundError) Error() string { return fmt.Sprintf("job %s not found", e.JobID) }

// ErrorKind classifies the error for API responses.
func (e *JobNotFoundError) ErrorKind() string { return "not_found" }

func (e *JobNotFoundError) Unwrap() error { return services.ErrNotFound }

// StageNotReadyError reports that the current stage cannot be advanced.
type StageNotReadyError struct {
	JobID  string
	Stage  string
	Reason string
}

func (e *StageNotReadyError) Error() string {
	return fmt.Sprintf("stage %s of job %s is not ready: %s", e.Stage, e.JobID, e.Reason)
}

// ErrorKind classifies the error for API responses.
func (e *StageNotReadyError) ErrorKind() string { return "conflict" }

func (e *StageNotReadyError) Unwrap() error { return services.ErrConflict }

// ArtifactNotFoundError reports an artifact that does not exist or belongs
// to another job.
type ArtifactNotFoundError struct {
	JobID      string
	ArtifactID string
}

func (e *ArtifactNotFoundError) Error() string {
	return fmt.Sprintf("artifact %s not found for job %s", e.ArtifactID, e.JobID)
}

// ErrorKind classifies the error for API responses.
func (e *ArtifactNotFoundError) ErrorKind() string { return "not_found" }

func (e *ArtifactNotFoundError) Unwrap() error { return services.ErrNotFound }

// AlreadyApprovedError is the error form of an idempotent approval.
type AlreadyApprovedError struct {
	ArtifactID string
}

func (e *AlreadyApprovedError) Error() string {
	return fmt.Sprintf("artifact %s already approved", e.ArtifactID)
}

// ErrorKind classifies the error for API responses.
func (e *AlreadyApprovedError) ErrorKind() string { return "conflict" }

func (e *AlreadyApprovedError) Unwrap() error { return services.ErrConflict }

// InvalidTransitionError reports an operation the job's current state does
// not allow.
type InvalidTransitionError struct {
	JobID     string
	Operation string
	Status    store.JobStatus
	Reason    string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s job %s in status %s: %s", e.Operation, e.JobID, e.Status, e.Reason)
}

// ErrorKind classifies the error for API responses.
func (e *InvalidTransitionError) ErrorKind() string { return "validation" }

func (e *InvalidTransitionError) Unwrap() error { return services.ErrValidation }

// ConflictError is returned when a job kept changing underneath a writer.
type ConflictError struct {
	JobID    string
	Attempts int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job %s modified concurrently; gave up after %d attempts", e.JobID, e.Attempts)
}

// ErrorKind classifies the error for API responses.
func (e *ConflictError) ErrorKind() string { return "conflict" }

func (e *ConflictError) Unwrap() error { return services.ErrConflict }
