package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const artifactColumns = "id, job_id, stage_name, kind, version, content_ref, attempt, idempotency_key, approved, stale, rejected, reject_reason, created_at, approved_at"

func scanArtifact(row scanner) (*Artifact, error) {
	var (
		artifact     Artifact
		idemKey      sql.NullString
		approved     int
		stale        int
		rejected     int
		rejectReason sql.NullString
		createdAt    sql.NullString
		approvedAt   sql.NullString
	)
	if err := row.Scan(&artifact.ID, &artifact.JobID, &artifact.StageName, &artifact.Kind, &artifact.Version,
		&artifact.ContentRef, &artifact.Attempt, &idemKey, &approved, &stale, &rejected, &rejectReason,
		&createdAt, &approvedAt); err != nil {
		return nil, err
	}
	artifact.IdempotencyKey = idemKey.String
	artifact.Approved = approved != 0
	artifact.Stale = stale != 0
	artifact.Rejected = rejected != 0
	artifact.RejectReason = rejectReason.String
	artifact.CreatedAt = parseTime(createdAt)
	artifact.ApprovedAt = parseTimePtr(approvedAt)
	return &artifact, nil
}

func (q queries) queryArtifacts(ctx context.Context, query string, args ...any) ([]*Artifact, error) {
	rows, err := q.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, err
	}
	var artifacts []*Artifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		artifacts = append(artifacts, artifact)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for _, artifact := range artifacts {
		parents, err := q.parentIDs(ctx, artifact.ID)
		if err != nil {
			return nil, err
		}
		artifact.ParentIDs = parents
	}
	return artifacts, nil
}

func (q queries) queryArtifact(ctx context.Context, query string, args ...any) (*Artifact, error) {
	artifacts, err := q.queryArtifacts(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(artifacts) == 0 {
		return nil, nil
	}
	return artifacts[0], nil
}

func (q queries) parentIDs(ctx context.Context, artifactID string) ([]string, error) {
	return q.queryStrings(ctx, `SELECT parent_id FROM artifact_parents WHERE artifact_id = ? ORDER BY position`, artifactID)
}

func (q queries) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := q.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		out = append(out, value)
	}
	return out, rows.Err()
}

// CreateArtifact allocates the next version for (job, stage) and stores the
// artifact with its lineage. When IdempotencyKey matches an existing artifact
// of the same job, that artifact is returned with created=false and nothing
// is written.
// Run inside InTx so version allocation and lineage land atomically.
func (q queries) CreateArtifact(ctx context.Context, spec NewArtifact) (*Artifact, bool, error) {
	if spec.IdempotencyKey != "" {
		existing, err := q.queryArtifact(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE job_id = ? AND idempotency_key = ?`,
			spec.JobID, spec.IdempotencyKey)
		if err != nil {
			return nil, false, fmt.Errorf("lookup idempotency key: %w", err)
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	var version int
	if err := q.db.QueryRowContext(ensureContext(ctx),
		`SELECT COALESCE(MAX(version), 0) + 1 FROM artifacts WHERE job_id = ? AND stage_name = ?`,
		spec.JobID, spec.StageName,
	).Scan(&version); err != nil {
		return nil, false, fmt.Errorf("allocate artifact version: %w", err)
	}

	ts := now()
	artifact := &Artifact{
		ID:             uuid.NewString(),
		JobID:          spec.JobID,
		StageName:      spec.StageName,
		Kind:           spec.Kind,
		Version:        version,
		ParentIDs:      append([]string(nil), spec.ParentIDs...),
		ContentRef:     spec.ContentRef,
		Attempt:        spec.Attempt,
		IdempotencyKey: spec.IdempotencyKey,
		CreatedAt:      ts,
	}

	if _, err := q.exec(ctx,
		`INSERT INTO artifacts (`+artifactColumns+`) VALUES (`+makePlaceholders(14)+`)`,
		artifact.ID, artifact.JobID, artifact.StageName, artifact.Kind, artifact.Version, artifact.ContentRef,
		artifact.Attempt, nullableString(artifact.IdempotencyKey), 0, 0, 0, nil, formatTime(ts), nil,
	); err != nil {
		return nil, false, fmt.Errorf("insert artifact: %w", err)
	}
	for i, parentID := range artifact.ParentIDs {
		if _, err := q.exec(ctx,
			`INSERT INTO artifact_parents (artifact_id, parent_id, position) VALUES (?, ?, ?)`,
			artifact.ID, parentID, i,
		); err != nil {
			return nil, false, fmt.Errorf("insert artifact parent: %w", err)
		}
	}
	if spec.Approved {
		if _, err := q.ApproveArtifact(ctx, artifact.ID, ts); err != nil {
			return nil, false, err
		}
		artifact.Approved = true
		artifact.ApprovedAt = &ts
	}
	return artifact, true, nil
}

// GetArtifact fetches an artifact and its lineage.
func (q queries) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	artifact, err := q.queryArtifact(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return artifact, nil
}

// LatestArtifact returns the highest version for (job, stage).
func (q queries) LatestArtifact(ctx context.Context, jobID, stageName string) (*Artifact, error) {
	artifact, err := q.queryArtifact(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE job_id = ? AND stage_name = ? ORDER BY version DESC LIMIT 1`,
		jobID, stageName)
	if err != nil {
		return nil, fmt.Errorf("latest artifact: %w", err)
	}
	return artifact, nil
}

// ListArtifacts returns every artifact of a job in creation order.
func (q queries) ListArtifacts(ctx context.Context, jobID string) ([]*Artifact, error) {
	artifacts, err := q.queryArtifacts(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE job_id = ? ORDER BY created_at, stage_name, version`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return artifacts, nil
}

// StageArtifacts returns every version for (job, stage), oldest first.
func (q queries) StageArtifacts(ctx context.Context, jobID, stageName string) ([]*Artifact, error) {
	artifacts, err := q.queryArtifacts(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE job_id = ? AND stage_name = ? ORDER BY version`, jobID, stageName)
	if err != nil {
		return nil, fmt.Errorf("stage artifacts: %w", err)
	}
	return artifacts, nil
}

// ApproveArtifact sets approved=true and clears stale. The write is
// conditional: it only happens when the artifact is not rejected and is
// unapproved or stale, so concurrent approvals yield exactly one change.
func (q queries) ApproveArtifact(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := q.exec(ctx,
		`UPDATE artifacts SET approved = 1, stale = 0, approved_at = ?
         WHERE id = ? AND rejected = 0 AND (approved = 0 OR stale = 1)`,
		formatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("approve artifact: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// RejectArtifact marks an unapproved artifact rejected. Returns false when
// the artifact was already approved or rejected.
func (q queries) RejectArtifact(ctx context.Context, id, reason string) (bool, error) {
	res, err := q.exec(ctx,
		`UPDATE artifacts SET rejected = 1, reject_reason = ? WHERE id = ? AND approved = 0 AND rejected = 0`,
		nullableString(reason), id)
	if err != nil {
		return false, fmt.Errorf("reject artifact: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ChildArtifactIDs returns artifacts that list parentID in their lineage.
func (q queries) ChildArtifactIDs(ctx context.Context, parentID string) ([]string, error) {
	ids, err := q.queryStrings(ctx, `SELECT artifact_id FROM artifact_parents WHERE parent_id = ? ORDER BY artifact_id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("child artifacts: %w", err)
	}
	return ids, nil
}

// MarkStale sets stale=true on the given artifacts and returns how many flipped.
func (q queries) MarkStale(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := q.exec(ctx,
		`UPDATE artifacts SET stale = 1 WHERE stale = 0 AND id IN (`+makePlaceholders(len(ids))+`)`,
		stringArgs(ids)...)
	if err != nil {
		return 0, fmt.Errorf("mark stale: %w", err)
	}
	return res.RowsAffected()
}

// AppendInvalidation records an invalidation event.
func (q queries) AppendInvalidation(ctx context.Context, event *InvalidationEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = now()
	}
	affected, err := json.Marshal(event.AffectedArtifactIDs)
	if err != nil {
		return fmt.Errorf("encode affected artifacts: %w", err)
	}
	if _, err := q.exec(ctx,
		`INSERT INTO invalidation_events (id, job_id, source_artifact_id, affected_json, reason, occurred_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.JobID, nullableString(event.SourceArtifactID), string(affected), event.Reason,
		formatTime(event.OccurredAt),
	); err != nil {
		return fmt.Errorf("append invalidation: %w", err)
	}
	return nil
}

// ListInvalidations returns a job's invalidation events oldest first.
func (q queries) ListInvalidations(ctx context.Context, jobID string) ([]*InvalidationEvent, error) {
	rows, err := q.db.QueryContext(ensureContext(ctx),
		`SELECT id, job_id, source_artifact_id, affected_json, reason, occurred_at
         FROM invalidation_events WHERE job_id = ? ORDER BY occurred_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list invalidations: %w", err)
	}
	defer rows.Close()
	var events []*InvalidationEvent
	for rows.Next() {
		var (
			event      InvalidationEvent
			source     sql.NullString
			affected   string
			occurredAt sql.NullString
		)
		if err := rows.Scan(&event.ID, &event.JobID, &source, &affected, &event.Reason, &occurredAt); err != nil {
			return nil, err
		}
		event.SourceArtifactID = source.String
		if err := json.Unmarshal([]byte(affected), &event.AffectedArtifactIDs); err != nil {
			return nil, fmt.Errorf("decode affected artifacts: %w", err)
		}
		event.OccurredAt = parseTime(occurredAt)
		events = append(events, &event)
	}
	return events, rows.Err()
}
