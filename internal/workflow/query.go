package workflow

import (
	"context"

	"montage/internal/checkpoint"
	"montage/internal/store"
)

// JobView is a job with its stage records, artifacts and invalidation history.
type JobView struct {
	Job           *store.Job
	Stages        []*store.JobStage
	Artifacts     []*store.Artifact
	Invalidations []*store.InvalidationEvent
}

// Inspect loads everything recorded for a job.
func (m *Machine) Inspect(ctx context.Context, jobID string) (*JobView, error) {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	stages, err := m.store.ListJobStages(ctx, jobID)
	if err != nil {
		return nil, err
	}
	artifacts, err := m.store.ListArtifacts(ctx, jobID)
	if err != nil {
		return nil, err
	}
	invalidations, err := m.store.ListInvalidations(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &JobView{Job: job, Stages: stages, Artifacts: artifacts, Invalidations: invalidations}, nil
}

// List returns jobs matching filter.
func (m *Machine) List(ctx context.Context, filter store.JobFilter) ([]*store.Job, error) {
	return m.store.ListJobs(ctx, filter)
}

// Recover reconstructs the job's progress from its checkpoints. It is a
// pure read and never re-executes a stage.
func (m *Machine) Recover(ctx context.Context, jobID string) (*checkpoint.RecoveredState, error) {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return m.checkpoints.Recover(ctx, m.store, job)
}
