// Package checkpoint records stage completion markers and reconstructs job
// progress from them after a restart.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"montage/internal/logging"
	"montage/internal/registry"
	"montage/internal/store"
)

// Snapshot is the state captured when a stage completes.
type Snapshot struct {
	ArtifactID string          `json:"artifact_id"`
	Version    int             `json:"version"`
	Attempt    int             `json:"attempt"`
	ContentRef string          `json:"content_ref"`
	Inputs     []string        `json:"inputs,omitempty"`
	Extra      json.RawMessage `json:"extra,omitempty"`
}

// Writer persists checkpoints; satisfied by *store.Store and *store.Tx.
type Writer interface {
	UpsertCheckpoint(ctx context.Context, cp *store.Checkpoint) error
	DeleteCheckpointsAfter(ctx context.Context, jobID string, after int) (int64, error)
}

// Reader loads checkpoints and the artifacts they point at.
type Reader interface {
	GetCheckpoint(ctx context.Context, jobID, stageName string) (*store.Checkpoint, error)
	ListCheckpoints(ctx context.Context, jobID string) ([]*store.Checkpoint, error)
	GetArtifact(ctx context.Context, id string) (*store.Artifact, error)
}

// RecoveredState is the job progress implied by its checkpoints.
type RecoveredState struct {
	JobID        string
	CurrentStage string
	Status       store.JobStatus
	// Artifacts holds the checkpointed artifact of every completed stage in
	// stage order.
	Artifacts []*store.Artifact
	// Latest is the most advanced checkpoint, nil when none exist.
	Latest   *store.Checkpoint
	Snapshot *Snapshot
}

// Manager records and reads checkpoints.
type Manager struct {
	registry *registry.Registry
	logger   *slog.Logger
}

// NewManager builds a manager resolving stage order from reg.
func NewManager(reg *registry.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{registry: reg, logger: logging.NewComponentLogger(logger, "checkpoint")}
}

// Record writes the checkpoint for (jobID, stage), replacing any prior one.
func (m *Manager) Record(ctx context.Context, w Writer, jobID string, stage registry.StageDefinition, snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode checkpoint snapshot: %w", err)
	}
	if err := w.UpsertCheckpoint(ctx, &store.Checkpoint{
		JobID:     jobID,
		StageName: stage.Name,
		Ordinal:   stage.Ordinal,
		Snapshot:  payload,
	}); err != nil {
		return err
	}
	m.logger.Debug("checkpoint recorded",
		logging.String(logging.FieldJobID, jobID),
		logging.String(logging.FieldStage, stage.Name),
		logging.String(logging.FieldArtifactID, snap.ArtifactID),
		logging.Int(logging.FieldAttempt, snap.Attempt),
	)
	return nil
}

// Get returns the checkpoint and decoded snapshot for (jobID, stage), or nils
// when the stage has not completed.
func (m *Manager) Get(ctx context.Context, r Reader, jobID, stage string) (*store.Checkpoint, *Snapshot, error) {
	cp, err := r.GetCheckpoint(ctx, jobID, stage)
	if err != nil || cp == nil {
		return nil, nil, err
	}
	snap, err := Decode(cp)
	if err != nil {
		return nil, nil, err
	}
	return cp, snap, nil
}

// Discard removes checkpoints of stages after afterOrdinal.
func (m *Manager) Discard(ctx context.Context, w Writer, jobID string, afterOrdinal int) (int64, error) {
	removed, err := w.DeleteCheckpointsAfter(ctx, jobID, afterOrdinal)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		m.logger.Debug("checkpoints discarded",
			logging.String(logging.FieldJobID, jobID),
			logging.Int("after_ordinal", afterOrdinal),
			logging.Int64("removed", removed),
		)
	}
	return removed, nil
}

// Recover derives the current stage, status and artifact set of job from its
// checkpoints. It only reads; nothing is re-executed or written.
func (m *Manager) Recover(ctx context.Context, r Reader, job *store.Job) (*RecoveredState, error) {
	state := &RecoveredState{JobID: job.ID}
	cps, err := r.ListCheckpoints(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		first, err := m.registry.First(job.JobType)
		if err != nil {
			return nil, err
		}
		state.CurrentStage = first.Name
		state.Status = store.JobPending
		return state, nil
	}

	var latestArtifact *store.Artifact
	for _, cp := range cps {
		snap, err := Decode(cp)
		if err != nil {
			return nil, err
		}
		artifact, err := r.GetArtifact(ctx, snap.ArtifactID)
		if err != nil {
			return nil, err
		}
		if artifact == nil {
			return nil, fmt.Errorf("checkpoint %s/%s references missing artifact %s", job.ID, cp.StageName, snap.ArtifactID)
		}
		state.Artifacts = append(state.Artifacts, artifact)
		state.Latest = cp
		state.Snapshot = snap
		latestArtifact = artifact
	}

	stage := state.Latest.StageName
	switch {
	case latestArtifact.Usable():
		next, ok, err := m.registry.Next(job.JobType, stage)
		if err != nil {
			return nil, err
		}
		if !ok {
			state.CurrentStage = stage
			state.Status = store.JobCompleted
		} else {
			state.CurrentStage = next.Name
			state.Status = store.JobPending
		}
	case !latestArtifact.Approved && !latestArtifact.Rejected && !latestArtifact.Stale:
		state.CurrentStage = stage
		state.Status = store.JobAwaitingApproval
	default:
		state.CurrentStage = stage
		state.Status = store.JobPending
	}
	return state, nil
}

// Decode parses a checkpoint's snapshot.
func Decode(cp *store.Checkpoint) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(cp.Snapshot, &snap); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s/%s: %w", cp.JobID, cp.StageName, err)
	}
	return &snap, nil
}
