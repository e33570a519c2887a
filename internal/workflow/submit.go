package workflow

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"montage/internal/events"
	"montage/internal/fingerprint"
	"montage/internal/logging"
	"montage/internal/registry"
	"montage/internal/services"
	"montage/internal/store"
)

// SubmitRequest describes a new job.
type SubmitRequest struct {
	JobType  string          `json:"job_type"`
	Inputs   json.RawMessage `json:"inputs,omitempty"`
	Config   json.RawMessage `json:"config,omitempty"`
	Priority int             `json:"priority,omitempty"`
	BatchID  string          `json:"-"`
}

// Submit creates a job queued at its first stage.
func (m *Machine) Submit(ctx context.Context, req SubmitRequest) (*store.Job, error) {
	var job *store.Job
	err := m.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		job, err = m.SubmitTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.Announce(job)
	return job, nil
}

// SubmitTx creates a job inside the caller's transaction. Callers publish
// the job with Announce after commit.
func (m *Machine) SubmitTx(ctx context.Context, tx *store.Tx, req SubmitRequest) (*store.Job, error) {
	defs, err := m.registry.Stages(req.JobType)
	if err != nil {
		return nil, err
	}
	fp, err := fingerprint.Job(req.JobType, req.Inputs, req.Config)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "workflow", "submit", "invalid job payload", err)
	}
	job := &store.Job{
		ID:           uuid.NewString(),
		JobType:      req.JobType,
		Status:       store.JobPending,
		CurrentStage: defs[0].Name,
		Priority:     req.Priority,
		Fingerprint:  fp,
		Inputs:       req.Inputs,
		Config:       req.Config,
		BatchID:      req.BatchID,
	}
	if err := tx.InsertJob(ctx, job); err != nil {
		return nil, err
	}
	if err := tx.InsertJobStages(ctx, stageRecords(job.ID, defs)); err != nil {
		return nil, err
	}
	return job, nil
}

// Announce publishes a newly created job.
func (m *Machine) Announce(job *store.Job) {
	m.events.Publish(events.TypeJobSubmitted, map[string]any{
		"job_id":   job.ID,
		"job_type": job.JobType,
		"batch_id": job.BatchID,
		"stage":    job.CurrentStage,
	})
	m.logger.Info("job submitted",
		logging.String(logging.FieldEventType, "job_submitted"),
		logging.String(logging.FieldJobID, job.ID),
		logging.String("job_type", job.JobType),
		logging.String(logging.FieldStage, job.CurrentStage),
		logging.Int("priority", job.Priority),
	)
}

func stageRecords(jobID string, defs []registry.StageDefinition) []*store.JobStage {
	records := make([]*store.JobStage, 0, len(defs))
	for _, def := range defs {
		records = append(records, &store.JobStage{
			JobID:     jobID,
			StageName: def.Name,
			Ordinal:   def.Ordinal,
			State:     store.StagePending,
		})
	}
	return records
}
