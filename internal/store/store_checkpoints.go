package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertCheckpoint writes the checkpoint for (job, stage), replacing any prior one.
func (q queries) UpsertCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp.RecordedAt.IsZero() {
		cp.RecordedAt = now()
	}
	if _, err := q.exec(ctx,
		`INSERT INTO checkpoints (job_id, stage_name, ordinal, snapshot_json, recorded_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT (job_id, stage_name) DO UPDATE SET
             ordinal = excluded.ordinal,
             snapshot_json = excluded.snapshot_json,
             recorded_at = excluded.recorded_at`,
		cp.JobID, cp.StageName, cp.Ordinal, rawJSON(cp.Snapshot), formatTime(cp.RecordedAt),
	); err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

func scanCheckpoint(row scanner) (*Checkpoint, error) {
	var (
		cp         Checkpoint
		snapshot   string
		recordedAt sql.NullString
	)
	if err := row.Scan(&cp.JobID, &cp.StageName, &cp.Ordinal, &snapshot, &recordedAt); err != nil {
		return nil, err
	}
	cp.Snapshot = []byte(snapshot)
	cp.RecordedAt = parseTime(recordedAt)
	return &cp, nil
}

// GetCheckpoint fetches the checkpoint for (job, stage).
func (q queries) GetCheckpoint(ctx context.Context, jobID, stageName string) (*Checkpoint, error) {
	row := q.db.QueryRowContext(ensureContext(ctx),
		`SELECT job_id, stage_name, ordinal, snapshot_json, recorded_at FROM checkpoints WHERE job_id = ? AND stage_name = ?`,
		jobID, stageName)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints returns a job's checkpoints in stage order.
func (q queries) ListCheckpoints(ctx context.Context, jobID string) ([]*Checkpoint, error) {
	rows, err := q.db.QueryContext(ensureContext(ctx),
		`SELECT job_id, stage_name, ordinal, snapshot_json, recorded_at FROM checkpoints WHERE job_id = ? ORDER BY ordinal`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()
	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// DeleteCheckpointsAfter removes checkpoints for stages with ordinal > after.
func (q queries) DeleteCheckpointsAfter(ctx context.Context, jobID string, after int) (int64, error) {
	res, err := q.exec(ctx, `DELETE FROM checkpoints WHERE job_id = ? AND ordinal > ?`, jobID, after)
	if err != nil {
		return 0, fmt.Errorf("delete checkpoints: %w", err)
	}
	return res.RowsAffected()
}
