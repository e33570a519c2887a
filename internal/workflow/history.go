package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"montage/internal/checkpoint"
	"montage/internal/events"
	"montage/internal/fingerprint"
	"montage/internal/lineage"
	"montage/internal/logging"
	"montage/internal/store"
)

// Rollback returns the job to toStage, which must not be after the current
// stage. Artifacts of later stages and everything derived from them become
// stale (they are retained), their checkpoints are discarded and their stage
// records reset. In-flight work is aborted. The job ends rolled_back when
// toStage already has a usable artifact, awaiting approval when its latest
// artifact is fresh but unapproved, and pending otherwise.
func (m *Machine) Rollback(ctx context.Context, jobID, toStage string) (*store.Job, error) {
	return m.mutate(ctx, jobID, func(tx *store.Tx, job *store.Job, fx *effects) error {
		if job.Status.Terminal() {
			return &InvalidTransitionError{JobID: job.ID, Operation: "rollback", Status: job.Status, Reason: "job is finished"}
		}
		target, err := m.registry.Stage(job.JobType, toStage)
		if err != nil {
			return err
		}
		current, err := m.registry.Stage(job.JobType, job.CurrentStage)
		if err != nil {
			return err
		}
		if target.Ordinal > current.Ordinal {
			return &InvalidTransitionError{JobID: job.ID, Operation: "rollback", Status: job.Status,
				Reason: fmt.Sprintf("stage %s is after current stage %s", toStage, job.CurrentStage)}
		}
		if job.Status == store.JobStageRunning {
			fx.abort = true
			fx.token = job.ResumeToken
		}

		defs, err := m.registry.Stages(job.JobType)
		if err != nil {
			return err
		}
		var later []string
		for _, def := range defs[target.Ordinal+1:] {
			artifacts, err := tx.StageArtifacts(ctx, job.ID, def.Name)
			if err != nil {
				return err
			}
			for _, artifact := range artifacts {
				if !artifact.Stale && !artifact.Rejected {
					later = append(later, artifact.ID)
				}
			}
		}
		targetLatest, err := tx.LatestArtifact(ctx, job.ID, target.Name)
		if err != nil {
			return err
		}
		if len(later) > 0 {
			sourceID := ""
			if targetLatest != nil {
				sourceID = targetLatest.ID
			}
			res, err := m.lineage.InvalidateSet(ctx, tx, job.ID, sourceID, later, "rollback to "+target.Name)
			if err != nil {
				return err
			}
			fx.publish(events.TypeArtifactsStale, map[string]any{
				"job_id": job.ID, "source_artifact_id": sourceID, "affected": res.Affected, "reason": res.Event.Reason,
			})
		}
		if _, err := m.checkpoints.Discard(ctx, tx, job.ID, target.Ordinal); err != nil {
			return err
		}

		records, err := tx.ListJobStages(ctx, job.ID)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if rec.Ordinal < target.Ordinal {
				continue
			}
			rec.InFlight = false
			rec.Failures = 0
			rec.Rejections = 0
			rec.LastError = ""
			rec.FinishedAt = nil
			rec.State = store.StagePending
			if rec.Ordinal == target.Ordinal {
				switch {
				case targetLatest.Usable():
					rec.State = store.StageApproved
					rec.FinishedAt = timePtr(time.Now().UTC())
				case targetLatest != nil && !targetLatest.Approved && !targetLatest.Rejected && !targetLatest.Stale:
					rec.State = store.StageAwaitingApproval
				}
			}
			if err := tx.UpdateJobStage(ctx, rec); err != nil {
				return err
			}
		}

		job.CurrentStage = target.Name
		job.ResumeToken = ""
		job.BlockedReason = ""
		job.ErrorMessage = ""
		job.NextRunAt = nil
		switch {
		case targetLatest.Usable():
			job.Status = store.JobRolledBack
		case targetLatest != nil && !targetLatest.Approved && !targetLatest.Rejected && !targetLatest.Stale:
			job.Status = store.JobAwaitingApproval
		default:
			job.Status = store.JobPending
		}
		return nil
	})
}

// Cancel stops a non-terminal job. Stages that have not started are marked
// skipped and in-flight work is aborted; output that arrives afterwards is
// discarded. Cancelling a cancelled job is a no-op.
func (m *Machine) Cancel(ctx context.Context, jobID string) (*store.Job, error) {
	return m.mutate(ctx, jobID, func(tx *store.Tx, job *store.Job, fx *effects) error {
		if job.Status == store.JobCancelled {
			fx.unchanged = true
			return nil
		}
		if job.Status.Terminal() {
			return &InvalidTransitionError{JobID: job.ID, Operation: "cancel", Status: job.Status, Reason: "job is finished"}
		}
		if job.Status == store.JobStageRunning {
			fx.abort = true
			fx.token = job.ResumeToken
		}
		now := time.Now().UTC()
		records, err := tx.ListJobStages(ctx, job.ID)
		if err != nil {
			return err
		}
		for _, rec := range records {
			switch {
			case rec.InFlight || rec.State == store.StageRunning:
				rec.InFlight = false
				rec.State = store.StageFailed
				rec.LastError = "cancelled"
				rec.FinishedAt = timePtr(now)
			case rec.State == store.StagePending:
				rec.State = store.StageSkipped
			default:
				continue
			}
			if err := tx.UpdateJobStage(ctx, rec); err != nil {
				return err
			}
		}
		job.Status = store.JobCancelled
		job.ResumeToken = ""
		job.NextRunAt = nil
		job.CompletedAt = timePtr(now)
		return nil
	})
}

// ForkOptions adjusts a forked job.
type ForkOptions struct {
	// BatchID overrides the batch membership; empty keeps the source's.
	BatchID   string
	NextRunAt *time.Time
}

// Fork creates a new job that reuses the usable artifacts of every stage
// before atStage and starts pending at atStage. The fork gets a fingerprint
// derived from its source, so its idempotency keys never collide with the
// source's attempts.
func (m *Machine) Fork(ctx context.Context, jobID, atStage string, opts ForkOptions) (*store.Job, error) {
	source, err := m.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	target, err := m.registry.Stage(source.JobType, atStage)
	if err != nil {
		return nil, err
	}
	defs, err := m.registry.Stages(source.JobType)
	if err != nil {
		return nil, err
	}

	var fork *store.Job
	err = m.store.InTx(ctx, func(tx *store.Tx) error {
		id := uuid.NewString()
		fork = &store.Job{
			ID:              id,
			JobType:         source.JobType,
			Status:          store.JobPending,
			CurrentStage:    target.Name,
			Priority:        source.Priority,
			Fingerprint:     fingerprint.Derive(source.Fingerprint, id, target.Name),
			Inputs:          source.Inputs,
			Config:          source.Config,
			BatchID:         source.BatchID,
			ParentJobID:     source.ID,
			ForkedFromStage: target.Name,
			NextRunAt:       opts.NextRunAt,
		}
		if opts.BatchID != "" {
			fork.BatchID = opts.BatchID
		}
		if err := tx.InsertJob(ctx, fork); err != nil {
			return err
		}
		records := stageRecords(fork.ID, defs)
		remap := make(map[string]string)
		for _, def := range defs[:target.Ordinal] {
			latest, err := tx.LatestArtifact(ctx, source.ID, def.Name)
			if err != nil {
				return err
			}
			if !latest.Usable() {
				return &StageNotReadyError{JobID: source.ID, Stage: def.Name, Reason: "no usable artifact to fork from"}
			}
			parents := make([]string, 0, len(latest.ParentIDs))
			for _, parentID := range latest.ParentIDs {
				if mapped, ok := remap[parentID]; ok {
					parents = append(parents, mapped)
				}
			}
			copied, _, err := tx.CreateArtifact(ctx, store.NewArtifact{
				JobID:      fork.ID,
				StageName:  def.Name,
				Kind:       latest.Kind,
				ParentIDs:  parents,
				ContentRef: latest.ContentRef,
				Attempt:    latest.Attempt,
				Approved:   true,
			})
			if err != nil {
				return err
			}
			remap[latest.ID] = copied.ID
			if err := m.checkpoints.Record(ctx, tx, fork.ID, def, checkpoint.Snapshot{
				ArtifactID: copied.ID,
				Version:    copied.Version,
				Attempt:    copied.Attempt,
				ContentRef: copied.ContentRef,
				Inputs:     parents,
			}); err != nil {
				return err
			}
			records[def.Ordinal].State = store.StageApproved
			records[def.Ordinal].Attempt = latest.Attempt
		}
		return tx.InsertJobStages(ctx, records)
	})
	if err != nil {
		return nil, err
	}
	m.Announce(fork)
	m.logger.Info("job forked",
		logging.String(logging.FieldEventType, "job_forked"),
		logging.String(logging.FieldJobID, fork.ID),
		logging.String("parent_job_id", source.ID),
		logging.String(logging.FieldStage, target.Name),
	)
	return fork, nil
}

// Invalidate marks every artifact derived from artifactID stale, as when the
// underlying content was replaced outside the engine. Jobs whose inputs go
// stale block until the affected artifacts are re-approved.
func (m *Machine) Invalidate(ctx context.Context, jobID, artifactID, reason string) (*lineage.Result, error) {
	var result *lineage.Result
	_, err := m.mutate(ctx, jobID, func(tx *store.Tx, job *store.Job, fx *effects) error {
		fx.unchanged = true
		if _, err := m.jobArtifact(ctx, tx, job, artifactID); err != nil {
			return err
		}
		res, err := m.lineage.Invalidate(ctx, tx, artifactID, reason)
		if err != nil {
			return err
		}
		result = res
		fx.publish(events.TypeArtifactsStale, map[string]any{
			"job_id": job.ID, "source_artifact_id": artifactID, "affected": res.Affected, "reason": reason,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
