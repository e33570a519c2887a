package api

import "encoding/json"

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Job describes a job in a transport-friendly format.
type Job struct {
	ID              string          `json:"id"`
	JobType         string          `json:"job_type"`
	Status          string          `json:"status"`
	CurrentStage    string          `json:"current_stage"`
	Priority        int             `json:"priority"`
	Fingerprint     string          `json:"fingerprint"`
	BatchID         string          `json:"batch_id,omitempty"`
	ParentJobID     string          `json:"parent_job_id,omitempty"`
	ForkedFromStage string          `json:"forked_from_stage,omitempty"`
	BlockedReason   string          `json:"blocked_reason,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	FailedStage     string          `json:"failed_stage,omitempty"`
	Inputs          json.RawMessage `json:"inputs,omitempty"`
	Config          json.RawMessage `json:"config,omitempty"`
	NextRunAt       string          `json:"next_run_at,omitempty"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
	CompletedAt     string          `json:"completed_at,omitempty"`
}

// Stage is the execution record of one stage of a job.
type Stage struct {
	Name       string `json:"name"`
	Ordinal    int    `json:"ordinal"`
	State      string `json:"state"`
	Attempt    int    `json:"attempt"`
	InFlight   bool   `json:"in_flight"`
	Failures   int    `json:"failures"`
	Rejections int    `json:"rejections"`
	LastError  string `json:"last_error,omitempty"`
	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at,omitempty"`
}

// Artifact is one versioned stage output.
type Artifact struct {
	ID           string   `json:"id"`
	JobID        string   `json:"job_id"`
	Stage        string   `json:"stage"`
	Kind         string   `json:"kind"`
	Version      int      `json:"version"`
	ParentIDs    []string `json:"parent_ids,omitempty"`
	ContentRef   string   `json:"content_ref"`
	Attempt      int      `json:"attempt"`
	Approved     bool     `json:"approved"`
	Stale        bool     `json:"stale"`
	Rejected     bool     `json:"rejected"`
	RejectReason string   `json:"reject_reason,omitempty"`
	CreatedAt    string   `json:"created_at"`
	ApprovedAt   string   `json:"approved_at,omitempty"`
}

// Invalidation records one staleness propagation.
type Invalidation struct {
	ID                  string   `json:"id"`
	SourceArtifactID    string   `json:"source_artifact_id"`
	AffectedArtifactIDs []string `json:"affected_artifact_ids"`
	Reason              string   `json:"reason"`
	OccurredAt          string   `json:"occurred_at"`
}

// JobDetail is the full inspection view of a job.
type JobDetail struct {
	Job           Job            `json:"job"`
	Stages        []Stage        `json:"stages"`
	Artifacts     []Artifact     `json:"artifacts"`
	Invalidations []Invalidation `json:"invalidations"`
}

// JobListResponse wraps a job listing.
type JobListResponse struct {
	Jobs []Job `json:"jobs"`
}

// ApproveRequest approves one artifact.
type ApproveRequest struct {
	ArtifactID string `json:"artifact_id"`
}

// ApproveResponse reports the approval result.
type ApproveResponse struct {
	Result   string   `json:"result"`
	Advanced bool     `json:"advanced"`
	Artifact Artifact `json:"artifact"`
	Job      Job      `json:"job"`
}

// RejectRequest rejects one artifact.
type RejectRequest struct {
	ArtifactID string `json:"artifact_id"`
	Reason     string `json:"reason"`
}

// RollbackRequest targets an earlier stage.
type RollbackRequest struct {
	Stage string `json:"stage"`
}

// ForkRequest branches a job at a stage.
type ForkRequest struct {
	Stage   string `json:"stage"`
	BatchID string `json:"batch_id,omitempty"`
}

// InvalidateRequest marks an artifact's descendants stale.
type InvalidateRequest struct {
	ArtifactID string `json:"artifact_id"`
	Reason     string `json:"reason"`
}

// InvalidateResponse reports what was flipped.
type InvalidateResponse struct {
	Event    *Invalidation `json:"event,omitempty"`
	Affected []string      `json:"affected"`
	Flipped  int64         `json:"flipped"`
}

// RecoveryResponse is the checkpointed state of a job.
type RecoveryResponse struct {
	JobID        string          `json:"job_id"`
	CurrentStage string          `json:"current_stage"`
	Status       string          `json:"status"`
	Artifacts    []Artifact      `json:"artifacts"`
	LatestStage  string          `json:"latest_stage,omitempty"`
	Snapshot     json.RawMessage `json:"snapshot,omitempty"`
}

// Batch describes a batch.
type Batch struct {
	ID           string          `json:"id"`
	Name         string          `json:"name,omitempty"`
	JobType      string          `json:"job_type"`
	Status       string          `json:"status"`
	Priority     int             `json:"priority"`
	Config       json.RawMessage `json:"config,omitempty"`
	LockedConfig json.RawMessage `json:"locked_config,omitempty"`
	ConfigHash   string          `json:"config_hash,omitempty"`
	CreatedAt    string          `json:"created_at"`
	LockedAt     string          `json:"locked_at,omitempty"`
	FinishedAt   string          `json:"finished_at,omitempty"`
}

// BatchItem is one item of a batch.
type BatchItem struct {
	ID         string          `json:"id"`
	Position   int             `json:"position"`
	Status     string          `json:"status"`
	JobID      string          `json:"job_id,omitempty"`
	JobStatus  string          `json:"job_status,omitempty"`
	Stage      string          `json:"stage,omitempty"`
	Attempt    int             `json:"attempt,omitempty"`
	RetryCount int             `json:"retry_count"`
	LastError  string          `json:"last_error,omitempty"`
	Spec       json.RawMessage `json:"spec,omitempty"`
}

// CreateBatchRequest creates a draft batch.
type CreateBatchRequest struct {
	Name     string            `json:"name"`
	JobType  string            `json:"job_type"`
	Config   json.RawMessage   `json:"config,omitempty"`
	Priority int               `json:"priority,omitempty"`
	Items    []json.RawMessage `json:"items,omitempty"`
}

// BatchResponse wraps a batch and optionally its items.
type BatchResponse struct {
	Batch Batch       `json:"batch"`
	Items []BatchItem `json:"items,omitempty"`
}

// BatchListResponse wraps a batch listing.
type BatchListResponse struct {
	Batches []Batch `json:"batches"`
}

// BatchReport is the per-item status of a batch.
type BatchReport struct {
	Batch     Batch          `json:"batch"`
	Items     []BatchItem    `json:"items"`
	Counts    map[string]int `json:"counts"`
	Succeeded []string       `json:"succeeded"`
	Failed    []string       `json:"failed"`
}

// VerifyResponse reports a config verification.
type VerifyResponse struct {
	BatchID    string `json:"batch_id"`
	ConfigHash string `json:"config_hash"`
	Verified   bool   `json:"verified"`
}

// CallbackRequest delivers the result of a parked stage.
type CallbackRequest struct {
	ContentRef string          `json:"content_ref,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Extra      json.RawMessage `json:"extra,omitempty"`
	Error      *CallbackError  `json:"error,omitempty"`
}

// CallbackError is a collaborator failure reported through a callback.
type CallbackError struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// SchedulerStatus summarizes execution state.
type SchedulerStatus struct {
	Running   bool           `json:"running"`
	Limit     int            `json:"limit"`
	Active    int            `json:"active"`
	Parked    int            `json:"parked"`
	LastError string         `json:"last_error,omitempty"`
	JobCounts map[string]int `json:"job_counts"`
}

// DaemonStatus aggregates runtime information.
type DaemonStatus struct {
	Running              bool            `json:"running"`
	PID                  int             `json:"pid"`
	DatabasePath         string          `json:"database_path"`
	LockFilePath         string          `json:"lock_file_path"`
	Scheduler            SchedulerStatus `json:"scheduler"`
	PendingNotifications int             `json:"pending_notifications"`
}

// JobType lists the stages of one registered job type.
type JobType struct {
	Name   string          `json:"name"`
	Stages json.RawMessage `json:"stages"`
}

// RegistryResponse lists registered job types.
type RegistryResponse struct {
	JobTypes []JobType `json:"job_types"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
