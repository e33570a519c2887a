package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"montage/internal/checkpoint"
	"montage/internal/events"
	"montage/internal/lineage"
	"montage/internal/logging"
	"montage/internal/registry"
	"montage/internal/services"
	"montage/internal/store"
)

// Dispatch is one stage execution handed to the scheduler.
type Dispatch struct {
	Job            *store.Job
	Stage          registry.StageDefinition
	Attempt        int
	IdempotencyKey string
	Inputs         []*store.Artifact
	// Resumed is true when the attempt was started before and is being
	// re-dispatched under the same idempotency key.
	Resumed bool
}

// StageResult is the collaborator output for one stage attempt.
type StageResult struct {
	ContentRef string
	Kind       string
	InputIDs   []string
	Extra      json.RawMessage
}

// CompleteOutcome reports how a stage result was applied.
type CompleteOutcome struct {
	Job      *store.Job
	Artifact *store.Artifact
	// Discarded is true when the job had moved on (cancelled, rolled back)
	// and the artifact was stored rejected.
	Discarded bool
}

// FailOutcome reports how a stage failure was applied.
type FailOutcome struct {
	Job         *store.Job
	Disposition services.Disposition
	Failures    int
	RetryAt     *time.Time
}

// BeginStage moves a pending job to stage_running and returns what to
// execute. Inputs are resolved from the latest artifacts of the stage's
// dependencies; a missing or stale input blocks the job and returns
// *lineage.StaleDependencyError. A stage left in flight by a crash keeps its
// attempt number so the collaborator sees the same idempotency key.
func (m *Machine) BeginStage(ctx context.Context, jobID string) (*Dispatch, error) {
	var dispatch *Dispatch
	job, err := m.mutate(ctx, jobID, func(tx *store.Tx, job *store.Job, fx *effects) error {
		dispatch = nil
		if job.Status != store.JobPending {
			return &InvalidTransitionError{JobID: job.ID, Operation: "dispatch", Status: job.Status, Reason: "job is not queued"}
		}
		def, err := m.registry.Stage(job.JobType, job.CurrentStage)
		if err != nil {
			return err
		}
		inputs, err := lineage.CheckInputs(ctx, tx, job.ID, def.Name, def.DependsOn)
		var staleErr *lineage.StaleDependencyError
		if errors.As(err, &staleErr) {
			job.BlockedReason = staleErr.Error()
			job.NextRunAt = timePtr(time.Now().UTC().Add(m.blockedRecheck()))
			fx.result = staleErr
			return nil
		}
		if err != nil {
			return err
		}

		stage, err := m.stageRecord(ctx, tx, job.ID, def.Name)
		if err != nil {
			return err
		}
		resumed := stage.InFlight
		if !resumed {
			stage.Attempt++
		}
		now := time.Now().UTC()
		stage.InFlight = true
		stage.State = store.StageRunning
		stage.StartedAt = timePtr(now)
		stage.FinishedAt = nil
		if err := tx.UpdateJobStage(ctx, stage); err != nil {
			return err
		}

		job.Status = store.JobStageRunning
		job.LastHeartbeat = timePtr(now)
		job.BlockedReason = ""
		job.NextRunAt = nil
		job.ResumeToken = ""
		fx.started = true
		fx.publish(events.TypeSchedulerDispatch, map[string]any{
			"job_id": job.ID, "stage": def.Name, "attempt": stage.Attempt, "resumed": resumed,
		})
		dispatch = &Dispatch{
			Stage:          def,
			Attempt:        stage.Attempt,
			IdempotencyKey: IdempotencyKey(job.Fingerprint, def.Name, stage.Attempt),
			Inputs:         inputs,
			Resumed:        resumed,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if dispatch == nil {
		return nil, errors.New("dispatch not produced")
	}
	dispatch.Job = job
	return dispatch, nil
}

func (m *Machine) blockedRecheck() time.Duration {
	if interval := time.Duration(m.cfg.Workflow.ErrorRetryInterval) * time.Second; interval > 0 {
		return interval
	}
	return m.cfg.PollInterval()
}

// ParkStage records the resume token of an asynchronous collaborator call.
// The job stays stage_running until the result is delivered.
func (m *Machine) ParkStage(ctx context.Context, jobID, stageName string, attempt int, token string) (*store.Job, error) {
	return m.mutate(ctx, jobID, func(tx *store.Tx, job *store.Job, fx *effects) error {
		_, live, err := m.liveAttempt(ctx, tx, job, stageName, attempt)
		if err != nil {
			return err
		}
		if !live {
			fx.unchanged = true
			return nil
		}
		job.ResumeToken = token
		job.LastHeartbeat = timePtr(time.Now().UTC())
		return nil
	})
}

// liveAttempt reports whether (stageName, attempt) is the job's running
// attempt.
func (m *Machine) liveAttempt(ctx context.Context, tx *store.Tx, job *store.Job, stageName string, attempt int) (*store.JobStage, bool, error) {
	if job.Status != store.JobStageRunning || job.CurrentStage != stageName {
		return nil, false, nil
	}
	stage, err := m.stageRecord(ctx, tx, job.ID, stageName)
	if err != nil {
		return nil, false, err
	}
	return stage, stage.InFlight && stage.Attempt == attempt, nil
}

// CompleteStage stores a successful stage result. The artifact and its
// checkpoint are written together; then the job either waits for approval or,
// for stages without an approval gate, auto-approves and advances. Results
// for an attempt that is no longer live are stored as rejected artifacts and
// never approved. Re-delivering the same attempt returns the same artifact.
func (m *Machine) CompleteStage(ctx context.Context, jobID, stageName string, attempt int, result StageResult) (*CompleteOutcome, error) {
	outcome := &CompleteOutcome{}
	job, err := m.mutate(ctx, jobID, func(tx *store.Tx, job *store.Job, fx *effects) error {
		*outcome = CompleteOutcome{}
		def, err := m.registry.Stage(job.JobType, stageName)
		if err != nil {
			return err
		}
		stage, live, err := m.liveAttempt(ctx, tx, job, stageName, attempt)
		if err != nil {
			return err
		}
		artifact, created, err := m.recordStageOutput(ctx, tx, job, def, attempt, result, live)
		if err != nil {
			return err
		}
		outcome.Artifact = artifact
		if !live {
			fx.unchanged = true
			outcome.Discarded = created || artifact.Rejected
			if created {
				reason := "superseded"
				if job.Status == store.JobCancelled {
					reason = "cancelled"
				}
				if _, err := tx.RejectArtifact(ctx, artifact.ID, reason); err != nil {
					return err
				}
				artifact.Rejected = true
				artifact.RejectReason = reason
			}
			return nil
		}
		if created {
			fx.publish(events.TypeArtifactCreated, map[string]any{
				"job_id": job.ID, "artifact_id": artifact.ID, "stage": def.Name,
				"version": artifact.Version, "attempt": attempt,
			})
		}
		return m.settleStage(ctx, tx, job, def, stage, artifact)
	})
	if err != nil {
		return nil, err
	}
	outcome.Job = job
	if outcome.Discarded {
		m.logger.Warn("stage result discarded",
			logging.String(logging.FieldEventType, "stage_result_discarded"),
			logging.String(logging.FieldJobID, jobID),
			logging.String(logging.FieldStage, stageName),
			logging.Int(logging.FieldAttempt, attempt),
			logging.String(logging.FieldImpact, "artifact stored as rejected"),
		)
	}
	return outcome, nil
}

// recordStageOutput creates the artifact for an attempt (deduplicated on the
// idempotency key) and, for live attempts, writes the stage checkpoint and
// invalidates dependents of the version it supersedes.
func (m *Machine) recordStageOutput(ctx context.Context, tx *store.Tx, job *store.Job, def registry.StageDefinition, attempt int, result StageResult, live bool) (*store.Artifact, bool, error) {
	if result.ContentRef == "" {
		return nil, false, services.Wrap(services.ErrValidation, "workflow", "complete stage", "collaborator returned an empty content reference", nil)
	}
	previous, err := tx.LatestArtifact(ctx, job.ID, def.Name)
	if err != nil {
		return nil, false, err
	}
	kind := result.Kind
	if kind == "" {
		kind = def.Output
	}
	artifact, created, err := tx.CreateArtifact(ctx, store.NewArtifact{
		JobID:          job.ID,
		StageName:      def.Name,
		Kind:           kind,
		ParentIDs:      result.InputIDs,
		ContentRef:     result.ContentRef,
		Attempt:        attempt,
		IdempotencyKey: IdempotencyKey(job.Fingerprint, def.Name, attempt),
	})
	if err != nil {
		return nil, false, err
	}
	if !live {
		return artifact, created, nil
	}
	if created && previous != nil {
		children, err := tx.ChildArtifactIDs(ctx, previous.ID)
		if err != nil {
			return nil, false, err
		}
		if len(children) > 0 {
			reason := fmt.Sprintf("superseded by %s v%d", def.Name, artifact.Version)
			if _, err := m.lineage.Invalidate(ctx, tx, previous.ID, reason); err != nil {
				return nil, false, err
			}
		}
	}
	snap := checkpoint.Snapshot{
		ArtifactID: artifact.ID,
		Version:    artifact.Version,
		Attempt:    attempt,
		ContentRef: artifact.ContentRef,
		Inputs:     artifact.ParentIDs,
		Extra:      result.Extra,
	}
	if err := m.checkpoints.Record(ctx, tx, job.ID, def, snap); err != nil {
		return nil, false, err
	}
	return artifact, created, nil
}

// settleStage closes the running attempt: the job waits for review, or the
// artifact is auto-approved and the job advances.
func (m *Machine) settleStage(ctx context.Context, tx *store.Tx, job *store.Job, def registry.StageDefinition, stage *store.JobStage, artifact *store.Artifact) error {
	now := time.Now().UTC()
	stage.InFlight = false
	stage.Failures = 0
	stage.LastError = ""
	stage.FinishedAt = timePtr(now)
	job.ResumeToken = ""
	job.LastHeartbeat = nil

	if def.RequiresApproval && !artifact.Approved {
		stage.State = store.StageAwaitingApproval
		job.Status = store.JobAwaitingApproval
		return tx.UpdateJobStage(ctx, stage)
	}
	if !artifact.Approved {
		if _, err := tx.ApproveArtifact(ctx, artifact.ID, now); err != nil {
			return err
		}
		artifact.Approved = true
		artifact.ApprovedAt = timePtr(now)
	}
	return m.moveToNext(ctx, tx, job, stage)
}

// FailStage applies the retry policy to a failed attempt. Transient errors
// re-queue the stage with exponential backoff until the stage's attempt
// budget is spent; stale dependencies block it; anything else fails the job
// with the stage name, attempt count and last error.
func (m *Machine) FailStage(ctx context.Context, jobID, stageName string, attempt int, cause error) (*FailOutcome, error) {
	outcome := &FailOutcome{}
	job, err := m.mutate(ctx, jobID, func(tx *store.Tx, job *store.Job, fx *effects) error {
		*outcome = FailOutcome{}
		def, err := m.registry.Stage(job.JobType, stageName)
		if err != nil {
			return err
		}
		stage, live, err := m.liveAttempt(ctx, tx, job, stageName, attempt)
		if err != nil {
			return err
		}
		if !live {
			fx.unchanged = true
			return nil
		}
		now := time.Now().UTC()
		detail := services.Details(cause)
		disposition := services.FailureDisposition(cause)
		maxAttempts := def.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = m.cfg.Retry.MaxAttempts
		}

		stage.InFlight = false
		stage.Failures++
		stage.LastError = detail
		job.ResumeToken = ""
		job.LastHeartbeat = nil
		if disposition == services.DispositionRetry && stage.Failures >= maxAttempts {
			disposition = services.DispositionFail
		}
		outcome.Disposition = disposition
		outcome.Failures = stage.Failures

		switch disposition {
		case services.DispositionRetry:
			initial, max := m.cfg.RetryBackoff()
			retryAt := now.Add(retryDelay(initial, max, stage.Failures))
			stage.State = store.StagePending
			job.Status = store.JobPending
			job.NextRunAt = &retryAt
			job.ErrorMessage = detail
			outcome.RetryAt = &retryAt
		case services.DispositionBlocked:
			// A stale input never consumes the attempt budget.
			stage.Failures--
			stage.State = store.StagePending
			job.Status = store.JobPending
			job.BlockedReason = detail
			job.NextRunAt = timePtr(now.Add(m.blockedRecheck()))
		default:
			stage.State = store.StageFailed
			stage.FinishedAt = timePtr(now)
			job.Status = store.JobFailed
			job.FailedStage = stageName
			job.ErrorMessage = fmt.Sprintf("stage %s failed after %d attempt(s): %s", stageName, stage.Attempt, detail)
			job.CompletedAt = timePtr(now)
		}
		return tx.UpdateJobStage(ctx, stage)
	})
	if err != nil {
		return nil, err
	}
	outcome.Job = job
	return outcome, nil
}

// Requeue returns a running job to pending without consuming an attempt; the
// next dispatch reuses the same idempotency key. Used for heartbeat reclaim
// and crash recovery.
func (m *Machine) Requeue(ctx context.Context, jobID, reason string) (*store.Job, error) {
	return m.mutate(ctx, jobID, func(tx *store.Tx, job *store.Job, fx *effects) error {
		if job.Status != store.JobStageRunning {
			fx.unchanged = true
			return nil
		}
		stage, err := m.stageRecord(ctx, tx, job.ID, job.CurrentStage)
		if err != nil {
			return err
		}
		stage.State = store.StagePending
		stage.LastError = reason
		if err := tx.UpdateJobStage(ctx, stage); err != nil {
			return err
		}
		job.Status = store.JobPending
		job.ResumeToken = ""
		job.LastHeartbeat = nil
		job.NextRunAt = nil
		return nil
	})
}

// SettleFromCheckpoint finishes a running attempt whose checkpoint was
// written before a crash, without re-executing the stage. It reports false
// when no checkpoint exists for the live attempt.
func (m *Machine) SettleFromCheckpoint(ctx context.Context, jobID string) (*store.Job, bool, error) {
	settled := false
	job, err := m.mutate(ctx, jobID, func(tx *store.Tx, job *store.Job, fx *effects) error {
		settled = false
		if job.Status != store.JobStageRunning {
			fx.unchanged = true
			return nil
		}
		stage, err := m.stageRecord(ctx, tx, job.ID, job.CurrentStage)
		if err != nil {
			return err
		}
		_, snap, err := m.checkpoints.Get(ctx, tx, job.ID, job.CurrentStage)
		if err != nil {
			return err
		}
		if snap == nil || snap.Attempt != stage.Attempt {
			fx.unchanged = true
			return nil
		}
		artifact, err := tx.GetArtifact(ctx, snap.ArtifactID)
		if err != nil {
			return err
		}
		if artifact == nil {
			fx.unchanged = true
			return nil
		}
		def, err := m.registry.Stage(job.JobType, job.CurrentStage)
		if err != nil {
			return err
		}
		settled = true
		return m.settleStage(ctx, tx, job, def, stage, artifact)
	})
	if err != nil {
		return nil, false, err
	}
	return job, settled, nil
}

// Heartbeat refreshes the liveness timestamp of a running job.
func (m *Machine) Heartbeat(ctx context.Context, jobID string) error {
	return m.store.UpdateHeartbeat(ctx, jobID)
}
