package store

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle of a job instance.
type JobStatus string

const (
	// JobPending means the current stage is queued for execution.
	JobPending JobStatus = "pending"
	// JobStageRunning means the current stage has been dispatched and awaits a result.
	JobStageRunning JobStatus = "stage_running"
	// JobAwaitingApproval means the current stage produced an artifact that needs review.
	JobAwaitingApproval JobStatus = "stage_awaiting_approval"
	// JobRolledBack means the job was rolled back to a stage whose artifact is already approved.
	JobRolledBack JobStatus = "rolled_back"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

var allJobStatuses = []JobStatus{
	JobPending,
	JobStageRunning,
	JobAwaitingApproval,
	JobRolledBack,
	JobCompleted,
	JobFailed,
	JobCancelled,
}

// AllJobStatuses returns every job status in lifecycle order.
func AllJobStatuses() []JobStatus {
	out := make([]JobStatus, len(allJobStatuses))
	copy(out, allJobStatuses)
	return out
}

// ParseJobStatus validates a status string.
func ParseJobStatus(value string) (JobStatus, bool) {
	for _, status := range allJobStatuses {
		if string(status) == value {
			return status, true
		}
	}
	return "", false
}

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// StageState tracks one stage of one job.
type StageState string

const (
	StagePending          StageState = "pending"
	StageRunning          StageState = "running"
	StageAwaitingApproval StageState = "awaiting_approval"
	StageApproved         StageState = "approved"
	StageFailed           StageState = "failed"
	StageSkipped          StageState = "skipped"
)

// Job is one production job instance.
type Job struct {
	ID              string
	JobType         string
	Status          JobStatus
	CurrentStage    string
	Priority        int
	Fingerprint     string
	Inputs          json.RawMessage
	Config          json.RawMessage
	BatchID         string
	ParentJobID     string
	ForkedFromStage string
	Version         int64
	NextRunAt       *time.Time
	ResumeToken     string
	BlockedReason   string
	ErrorMessage    string
	FailedStage     string
	LastHeartbeat   *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// JobStage is the per-stage execution record of a job.
type JobStage struct {
	JobID      string
	StageName  string
	Ordinal    int
	State      StageState
	Attempt    int
	InFlight   bool
	Failures   int
	Rejections int
	LastError  string
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Artifact is the immutable output of one stage execution.
type Artifact struct {
	ID             string
	JobID          string
	StageName      string
	Kind           string
	Version        int
	ParentIDs      []string
	ContentRef     string
	Attempt        int
	IdempotencyKey string
	Approved       bool
	Stale          bool
	Rejected       bool
	RejectReason   string
	CreatedAt      time.Time
	ApprovedAt     *time.Time
}

// Usable reports whether the artifact may feed a downstream stage.
func (a *Artifact) Usable() bool {
	return a != nil && a.Approved && !a.Stale && !a.Rejected
}

// NewArtifact describes an artifact to create.
type NewArtifact struct {
	JobID          string
	StageName      string
	Kind           string
	ParentIDs      []string
	ContentRef     string
	Attempt        int
	IdempotencyKey string
	Approved       bool
}

// InvalidationEvent records one propagation of staleness.
type InvalidationEvent struct {
	ID                  string
	JobID               string
	SourceArtifactID    string
	AffectedArtifactIDs []string
	Reason              string
	OccurredAt          time.Time
}

// Checkpoint is the resumable completion marker for a (job, stage) pair.
type Checkpoint struct {
	JobID      string
	StageName  string
	Ordinal    int
	Snapshot   json.RawMessage
	RecordedAt time.Time
}

// BatchStatus represents the lifecycle of a batch.
type BatchStatus string

const (
	BatchDraft      BatchStatus = "draft"
	BatchLocked     BatchStatus = "locked"
	BatchProcessing BatchStatus = "processing"
	BatchPaused     BatchStatus = "paused"
	BatchCompleted  BatchStatus = "completed"
	BatchPartial    BatchStatus = "partial"
	BatchFailed     BatchStatus = "failed"
	BatchCancelled  BatchStatus = "cancelled"
)

// Terminal reports whether the batch has finished processing. Partial and
// failed batches can still be re-opened by a retry.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchCompleted, BatchPartial, BatchFailed, BatchCancelled:
		return true
	default:
		return false
	}
}

// Batch groups jobs that share one locked configuration.
type Batch struct {
	ID           string
	Name         string
	JobType      string
	Status       BatchStatus
	Priority     int
	Config       json.RawMessage
	LockedConfig json.RawMessage
	ConfigHash   string
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LockedAt     *time.Time
	FinishedAt   *time.Time
}

// ItemStatus represents a batch item's progress.
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemRunning   ItemStatus = "running"
	ItemCompleted ItemStatus = "completed"
	ItemFailed    ItemStatus = "failed"
	ItemSkipped   ItemStatus = "skipped"
)

// Terminal reports whether the item has settled.
func (s ItemStatus) Terminal() bool {
	return s == ItemCompleted || s == ItemFailed || s == ItemSkipped
}

// BatchItem is one job's membership within a batch.
type BatchItem struct {
	ID         string
	BatchID    string
	Position   int
	Spec       json.RawMessage
	JobID      string
	Status     ItemStatus
	RetryCount int
	LastError  string
	UpdatedAt  time.Time
}

// Notification is a durable outbox entry awaiting delivery.
type Notification struct {
	ID            string
	EventType     string
	SubjectID     string
	Status        string
	Summary       string
	Payload       json.RawMessage
	Attempts      int
	NextAttemptAt time.Time
	DeliveredAt   *time.Time
	LastError     string
	CreatedAt     time.Time
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Statuses []JobStatus
	BatchID  string
	JobType  string
	Limit    int
}
