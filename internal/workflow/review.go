package workflow

import (
	"context"
	"fmt"
	"time"

	"montage/internal/events"
	"montage/internal/lineage"
	"montage/internal/logging"
	"montage/internal/store"
)

// ApprovalResult names the effect of an Approve call.
type ApprovalResult string

const (
	ApprovalApplied         ApprovalResult = "approved"
	ApprovalReapproved      ApprovalResult = "reapproved"
	ApprovalAlreadyApproved ApprovalResult = "already_approved"
)

// ApproveOutcome reports what Approve did.
type ApproveOutcome struct {
	Result   ApprovalResult
	Artifact *store.Artifact
	Job      *store.Job
	Advanced bool
}

// Err returns *AlreadyApprovedError for the idempotent no-op case.
func (o *ApproveOutcome) Err() error {
	if o != nil && o.Result == ApprovalAlreadyApproved {
		return &AlreadyApprovedError{ArtifactID: o.Artifact.ID}
	}
	return nil
}

// Advance moves the job past its current stage once that stage's latest
// artifact is approved and fresh. When another writer advanced the job first
// the call is a no-op.
func (m *Machine) Advance(ctx context.Context, jobID string) (*store.Job, error) {
	observed, err := m.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	expected := observed.CurrentStage
	return m.mutate(ctx, jobID, func(tx *store.Tx, job *store.Job, fx *effects) error {
		if job.CurrentStage != expected {
			fx.unchanged = true
			return nil
		}
		return m.advance(ctx, tx, job, fx)
	})
}

func (m *Machine) advance(ctx context.Context, tx *store.Tx, job *store.Job, fx *effects) error {
	if job.Status.Terminal() {
		return &InvalidTransitionError{JobID: job.ID, Operation: "advance", Status: job.Status, Reason: "job is finished"}
	}
	if job.Status == store.JobStageRunning {
		return &StageNotReadyError{JobID: job.ID, Stage: job.CurrentStage, Reason: "stage is running"}
	}
	latest, err := tx.LatestArtifact(ctx, job.ID, job.CurrentStage)
	if err != nil {
		return err
	}
	switch {
	case latest == nil:
		return &StageNotReadyError{JobID: job.ID, Stage: job.CurrentStage, Reason: "no artifact produced"}
	case latest.Rejected:
		return &StageNotReadyError{JobID: job.ID, Stage: job.CurrentStage, Reason: fmt.Sprintf("artifact v%d rejected", latest.Version)}
	case latest.Stale:
		return &StageNotReadyError{JobID: job.ID, Stage: job.CurrentStage, Reason: fmt.Sprintf("artifact v%d is stale", latest.Version)}
	case !latest.Approved:
		return &StageNotReadyError{JobID: job.ID, Stage: job.CurrentStage, Reason: fmt.Sprintf("artifact v%d awaiting approval", latest.Version)}
	}
	stage, err := m.stageRecord(ctx, tx, job.ID, job.CurrentStage)
	if err != nil {
		return err
	}
	return m.moveToNext(ctx, tx, job, stage)
}

// moveToNext marks the current stage approved and queues the next one, or
// completes the job after the last stage.
func (m *Machine) moveToNext(ctx context.Context, tx *store.Tx, job *store.Job, stage *store.JobStage) error {
	now := time.Now().UTC()
	stage.State = store.StageApproved
	stage.InFlight = false
	if stage.FinishedAt == nil {
		stage.FinishedAt = timePtr(now)
	}
	if err := tx.UpdateJobStage(ctx, stage); err != nil {
		return err
	}

	job.ResumeToken = ""
	job.BlockedReason = ""
	job.ErrorMessage = ""
	job.NextRunAt = nil

	next, ok, err := m.registry.Next(job.JobType, job.CurrentStage)
	if err != nil {
		return err
	}
	if !ok {
		job.Status = store.JobCompleted
		job.CompletedAt = timePtr(now)
		return nil
	}
	job.CurrentStage = next.Name
	job.Status = store.JobPending
	nextStage, err := m.stageRecord(ctx, tx, job.ID, next.Name)
	if err != nil {
		return err
	}
	nextStage.State = store.StagePending
	return tx.UpdateJobStage(ctx, nextStage)
}

// Approve marks an artifact approved and, when it belongs to the current
// stage, advances the job. Approving an already approved, fresh artifact is
// a no-op reported as ApprovalAlreadyApproved. Approving a stale artifact
// re-approves it once all of its parents are usable.
func (m *Machine) Approve(ctx context.Context, jobID, artifactID string) (*ApproveOutcome, error) {
	outcome := &ApproveOutcome{}
	job, err := m.mutate(ctx, jobID, func(tx *store.Tx, job *store.Job, fx *effects) error {
		*outcome = ApproveOutcome{}
		artifact, err := m.jobArtifact(ctx, tx, job, artifactID)
		if err != nil {
			return err
		}
		outcome.Artifact = artifact
		if artifact.Approved && !artifact.Stale {
			outcome.Result = ApprovalAlreadyApproved
			fx.unchanged = true
			return nil
		}
		if artifact.Rejected {
			return &InvalidTransitionError{JobID: job.ID, Operation: "approve", Status: job.Status, Reason: fmt.Sprintf("artifact %s was rejected", artifact.ID)}
		}
		if job.Status.Terminal() {
			return &InvalidTransitionError{JobID: job.ID, Operation: "approve", Status: job.Status, Reason: "job is finished"}
		}
		latest, err := tx.LatestArtifact(ctx, job.ID, artifact.StageName)
		if err != nil {
			return err
		}
		if latest != nil && latest.ID != artifact.ID {
			return &InvalidTransitionError{JobID: job.ID, Operation: "approve", Status: job.Status,
				Reason: fmt.Sprintf("artifact v%d superseded by v%d", artifact.Version, latest.Version)}
		}
		if err := m.requireUsableParents(ctx, tx, job, artifact); err != nil {
			return err
		}

		wasStale := artifact.Stale
		changed, err := tx.ApproveArtifact(ctx, artifact.ID, time.Now().UTC())
		if err != nil {
			return err
		}
		if !changed {
			outcome.Result = ApprovalAlreadyApproved
			fx.unchanged = true
			return nil
		}
		artifact.Approved = true
		artifact.Stale = false
		outcome.Result = ApprovalApplied
		if wasStale {
			outcome.Result = ApprovalReapproved
		}
		fx.publish(events.TypeArtifactApproved, map[string]any{
			"job_id": job.ID, "artifact_id": artifact.ID, "stage": artifact.StageName,
			"version": artifact.Version, "reapproved": wasStale,
		})

		if job.BlockedReason != "" {
			job.BlockedReason = ""
			job.NextRunAt = nil
		}
		if artifact.StageName == job.CurrentStage && job.Status != store.JobStageRunning {
			stage, err := m.stageRecord(ctx, tx, job.ID, job.CurrentStage)
			if err != nil {
				return err
			}
			outcome.Advanced = true
			return m.moveToNext(ctx, tx, job, stage)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	outcome.Job = job
	m.logger.Info("artifact approval",
		logging.String(logging.FieldEventType, "artifact_approval"),
		logging.String(logging.FieldJobID, jobID),
		logging.String(logging.FieldArtifactID, artifactID),
		logging.String("result", string(outcome.Result)),
		logging.Bool("advanced", outcome.Advanced),
	)
	return outcome, nil
}

// Reject marks the latest artifact of the stage awaiting approval as
// rejected and re-queues the stage. Reaching approval.max_rejections fails
// the job.
func (m *Machine) Reject(ctx context.Context, jobID, artifactID, reason string) (*store.Job, error) {
	return m.mutate(ctx, jobID, func(tx *store.Tx, job *store.Job, fx *effects) error {
		artifact, err := m.jobArtifact(ctx, tx, job, artifactID)
		if err != nil {
			return err
		}
		switch {
		case artifact.Approved:
			return &InvalidTransitionError{JobID: job.ID, Operation: "reject", Status: job.Status, Reason: "approved artifacts are immutable; roll back instead"}
		case artifact.Rejected:
			return &InvalidTransitionError{JobID: job.ID, Operation: "reject", Status: job.Status, Reason: "artifact already rejected"}
		case job.Status != store.JobAwaitingApproval || artifact.StageName != job.CurrentStage:
			return &InvalidTransitionError{JobID: job.ID, Operation: "reject", Status: job.Status, Reason: "artifact is not awaiting review"}
		}
		latest, err := tx.LatestArtifact(ctx, job.ID, artifact.StageName)
		if err != nil {
			return err
		}
		if latest == nil || latest.ID != artifact.ID {
			return &InvalidTransitionError{JobID: job.ID, Operation: "reject", Status: job.Status, Reason: "artifact superseded"}
		}
		if _, err := tx.RejectArtifact(ctx, artifact.ID, reason); err != nil {
			return err
		}
		fx.publish(events.TypeArtifactRejected, map[string]any{
			"job_id": job.ID, "artifact_id": artifact.ID, "stage": artifact.StageName, "reason": reason,
		})

		stage, err := m.stageRecord(ctx, tx, job.ID, job.CurrentStage)
		if err != nil {
			return err
		}
		stage.Rejections++
		stage.LastError = "rejected: " + reason
		limit := m.cfg.Approval.MaxRejections
		if limit > 0 && stage.Rejections >= limit {
			stage.State = store.StageFailed
			stage.FinishedAt = timePtr(time.Now().UTC())
			job.Status = store.JobFailed
			job.FailedStage = stage.StageName
			job.ErrorMessage = fmt.Sprintf("stage %s rejected %d time(s) after %d attempt(s): %s", stage.StageName, stage.Rejections, stage.Attempt, reason)
			job.CompletedAt = stage.FinishedAt
		} else {
			stage.State = store.StagePending
			job.Status = store.JobPending
			job.NextRunAt = nil
		}
		return tx.UpdateJobStage(ctx, stage)
	})
}

func (m *Machine) jobArtifact(ctx context.Context, tx *store.Tx, job *store.Job, artifactID string) (*store.Artifact, error) {
	artifact, err := tx.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	if artifact == nil || artifact.JobID != job.ID {
		return nil, &ArtifactNotFoundError{JobID: job.ID, ArtifactID: artifactID}
	}
	return artifact, nil
}

func (m *Machine) requireUsableParents(ctx context.Context, tx *store.Tx, job *store.Job, artifact *store.Artifact) error {
	var bad []string
	for _, parentID := range artifact.ParentIDs {
		parent, err := tx.GetArtifact(ctx, parentID)
		if err != nil {
			return err
		}
		if parent == nil || !parent.Usable() {
			bad = append(bad, parentID)
		}
	}
	if len(bad) > 0 {
		return &lineage.StaleDependencyError{JobID: job.ID, Stage: artifact.StageName, Artifacts: bad}
	}
	return nil
}

func (m *Machine) stageRecord(ctx context.Context, tx *store.Tx, jobID, name string) (*store.JobStage, error) {
	stage, err := tx.GetJobStage(ctx, jobID, name)
	if err != nil {
		return nil, err
	}
	if stage == nil {
		return nil, fmt.Errorf("job %s has no record for stage %s", jobID, name)
	}
	return stage, nil
}
