package lineage

import (
	"context"
	"fmt"
	"log/slog"

	"montage/internal/logging"
	"montage/internal/store"
)

// Graph is the subset of store operations the engine needs. Both *store.Store
// and *store.Tx satisfy it, so propagation can join a caller's transaction.
type Graph interface {
	GetArtifact(ctx context.Context, id string) (*store.Artifact, error)
	ChildArtifactIDs(ctx context.Context, parentID string) ([]string, error)
	MarkStale(ctx context.Context, ids []string) (int64, error)
	AppendInvalidation(ctx context.Context, event *store.InvalidationEvent) error
}

// Result describes one propagation.
type Result struct {
	Event    *store.InvalidationEvent
	Affected []string
	Flipped  int64
}

// Engine walks artifact lineage.
type Engine struct {
	logger *slog.Logger
}

// New builds an engine. A nil logger discards output.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Engine{logger: logging.NewComponentLogger(logger, "lineage")}
}

// Invalidate marks every artifact transitively derived from artifactID stale.
// The source itself is not marked. One event is appended even when the
// affected set is empty, so every invalidation request is auditable.
func (e *Engine) Invalidate(ctx context.Context, g Graph, artifactID, reason string) (*Result, error) {
	source, err := g.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, fmt.Errorf("invalidate: artifact %s not found", artifactID)
	}
	return e.propagate(ctx, g, source.JobID, source.ID, []string{source.ID}, nil, reason)
}

// InvalidateSet marks the given artifacts and all their dependents stale in a
// single walk, recording sourceID (may be empty) as the event source. Used by
// rollback, where every artifact after the target stage is invalidated.
func (e *Engine) InvalidateSet(ctx context.Context, g Graph, jobID, sourceID string, ids []string, reason string) (*Result, error) {
	return e.propagate(ctx, g, jobID, sourceID, ids, ids, reason)
}

// propagate runs a breadth-first walk from roots over child edges. Each
// artifact is visited at most once. seeds are included in the affected set;
// roots that are not seeds are only traversed.
func (e *Engine) propagate(ctx context.Context, g Graph, jobID, sourceID string, roots, seeds []string, reason string) (*Result, error) {
	visited := make(map[string]struct{}, len(roots))
	var affected []string
	queue := make([]string, 0, len(roots))
	for _, id := range roots {
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}
		queue = append(queue, id)
	}
	affected = append(affected, seeds...)

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		current := queue[0]
		queue = queue[1:]
		children, err := g.ChildArtifactIDs(ctx, current)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if _, seen := visited[child]; seen {
				continue
			}
			visited[child] = struct{}{}
			affected = append(affected, child)
			queue = append(queue, child)
		}
	}

	flipped, err := g.MarkStale(ctx, affected)
	if err != nil {
		return nil, err
	}
	event := &store.InvalidationEvent{
		JobID:               jobID,
		SourceArtifactID:    sourceID,
		AffectedArtifactIDs: affected,
		Reason:              reason,
	}
	if err := g.AppendInvalidation(ctx, event); err != nil {
		return nil, err
	}

	e.logger.Info("invalidation propagated",
		logging.String(logging.FieldEventType, "artifacts_invalidated"),
		logging.String(logging.FieldJobID, jobID),
		logging.String(logging.FieldArtifactID, sourceID),
		logging.Int("affected", len(affected)),
		logging.Int64("newly_stale", flipped),
		logging.String("reason", reason),
	)
	return &Result{Event: event, Affected: affected, Flipped: flipped}, nil
}

// Inputs is the subset of store operations used to resolve stage inputs.
type Inputs interface {
	LatestArtifact(ctx context.Context, jobID, stageName string) (*store.Artifact, error)
}

// CheckInputs resolves the latest artifact of each dependency stage and
// verifies it exists, is approved and is fresh. Missing or unusable inputs
// yield *StaleDependencyError naming them.
func CheckInputs(ctx context.Context, q Inputs, jobID, stage string, dependsOn []string) ([]*store.Artifact, error) {
	inputs := make([]*store.Artifact, 0, len(dependsOn))
	var bad []string
	for _, dep := range dependsOn {
		artifact, err := q.LatestArtifact(ctx, jobID, dep)
		if err != nil {
			return nil, err
		}
		if artifact == nil {
			bad = append(bad, dep+"(missing)")
			continue
		}
		if !artifact.Usable() {
			bad = append(bad, fmt.Sprintf("%s@v%d", dep, artifact.Version))
			continue
		}
		inputs = append(inputs, artifact)
	}
	if len(bad) > 0 {
		return nil, &StaleDependencyError{JobID: jobID, Stage: stage, Artifacts: bad}
	}
	return inputs, nil
}
