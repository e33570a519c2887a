package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const batchColumns = "id, name, job_type, status, priority, config_json, locked_config, config_hash, version, created_at, updated_at, locked_at, finished_at"

func scanBatch(row scanner) (*Batch, error) {
	var (
		batch        Batch
		status       string
		cfg          string
		lockedConfig sql.NullString
		configHash   sql.NullString
		createdAt    sql.NullString
		updatedAt    sql.NullString
		lockedAt     sql.NullString
		finishedAt   sql.NullString
	)
	if err := row.Scan(&batch.ID, &batch.Name, &batch.JobType, &status, &batch.Priority, &cfg, &lockedConfig,
		&configHash, &batch.Version, &createdAt, &updatedAt, &lockedAt, &finishedAt); err != nil {
		return nil, err
	}
	batch.Status = BatchStatus(status)
	batch.Config = []byte(cfg)
	if lockedConfig.Valid {
		batch.LockedConfig = []byte(lockedConfig.String)
	}
	batch.ConfigHash = configHash.String
	batch.CreatedAt = parseTime(createdAt)
	batch.UpdatedAt = parseTime(updatedAt)
	batch.LockedAt = parseTimePtr(lockedAt)
	batch.FinishedAt = parseTimePtr(finishedAt)
	return &batch, nil
}

// InsertBatch persists a new batch at version 1.
func (q queries) InsertBatch(ctx context.Context, batch *Batch) error {
	ts := now()
	batch.CreatedAt = ts
	batch.UpdatedAt = ts
	batch.Version = 1
	var locked any
	if len(batch.LockedConfig) > 0 {
		locked = string(batch.LockedConfig)
	}
	if _, err := q.exec(ctx,
		`INSERT INTO batches (`+batchColumns+`) VALUES (`+makePlaceholders(13)+`)`,
		batch.ID, batch.Name, batch.JobType, string(batch.Status), batch.Priority, rawJSON(batch.Config), locked,
		nullableString(batch.ConfigHash), batch.Version, formatTime(batch.CreatedAt), formatTime(batch.UpdatedAt),
		nullableTime(batch.LockedAt), nullableTime(batch.FinishedAt),
	); err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// GetBatch fetches a batch by id.
func (q queries) GetBatch(ctx context.Context, id string) (*Batch, error) {
	row := q.db.QueryRowContext(ensureContext(ctx), `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id)
	batch, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return batch, nil
}

// ListBatches returns batches newest first.
func (q queries) ListBatches(ctx context.Context, limit int) ([]*Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches ORDER BY created_at DESC, id`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := q.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()
	var out []*Batch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, batch)
	}
	return out, rows.Err()
}

// UpdateBatch is a compare-and-set write keyed on batch.Version.
func (q queries) UpdateBatch(ctx context.Context, batch *Batch) error {
	batch.UpdatedAt = now()
	var locked any
	if len(batch.LockedConfig) > 0 {
		locked = string(batch.LockedConfig)
	}
	res, err := q.exec(ctx,
		`UPDATE batches SET name = ?, status = ?, priority = ?, config_json = ?, locked_config = ?, config_hash = ?,
            version = version + 1, updated_at = ?, locked_at = ?, finished_at = ?
         WHERE id = ? AND version = ?`,
		batch.Name, string(batch.Status), batch.Priority, rawJSON(batch.Config), locked, nullableString(batch.ConfigHash),
		formatTime(batch.UpdatedAt), nullableTime(batch.LockedAt), nullableTime(batch.FinishedAt),
		batch.ID, batch.Version,
	)
	if err != nil {
		return fmt.Errorf("update batch: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("batch %s at version %d: %w", batch.ID, batch.Version, ErrVersionConflict)
	}
	batch.Version++
	return nil
}

const batchItemColumns = "id, batch_id, position, spec_json, job_id, item_status, retry_count, last_error, updated_at"

func scanBatchItem(row scanner) (*BatchItem, error) {
	var (
		item      BatchItem
		spec      string
		jobID     sql.NullString
		status    string
		lastError sql.NullString
		updatedAt sql.NullString
	)
	if err := row.Scan(&item.ID, &item.BatchID, &item.Position, &spec, &jobID, &status, &item.RetryCount,
		&lastError, &updatedAt); err != nil {
		return nil, err
	}
	item.Spec = []byte(spec)
	item.JobID = jobID.String
	item.Status = ItemStatus(status)
	item.LastError = lastError.String
	item.UpdatedAt = parseTime(updatedAt)
	return &item, nil
}

// InsertBatchItem appends an item; Position must be unique within the batch.
func (q queries) InsertBatchItem(ctx context.Context, item *BatchItem) error {
	item.UpdatedAt = now()
	if _, err := q.exec(ctx,
		`INSERT INTO batch_items (`+batchItemColumns+`) VALUES (`+makePlaceholders(9)+`)`,
		item.ID, item.BatchID, item.Position, rawJSON(item.Spec), nullableString(item.JobID), string(item.Status),
		item.RetryCount, nullableString(item.LastError), formatTime(item.UpdatedAt),
	); err != nil {
		return fmt.Errorf("insert batch item: %w", err)
	}
	return nil
}

// NextItemPosition returns the position for a newly appended item.
func (q queries) NextItemPosition(ctx context.Context, batchID string) (int, error) {
	var position int
	if err := q.db.QueryRowContext(ensureContext(ctx),
		`SELECT COALESCE(MAX(position), 0) + 1 FROM batch_items WHERE batch_id = ?`, batchID,
	).Scan(&position); err != nil {
		return 0, fmt.Errorf("next item position: %w", err)
	}
	return position, nil
}

// DeleteBatchItem removes an item from its batch.
func (q queries) DeleteBatchItem(ctx context.Context, batchID, itemID string) (bool, error) {
	res, err := q.exec(ctx, `DELETE FROM batch_items WHERE batch_id = ? AND id = ?`, batchID, itemID)
	if err != nil {
		return false, fmt.Errorf("delete batch item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListBatchItems returns a batch's items in position order.
func (q queries) ListBatchItems(ctx context.Context, batchID string) ([]*BatchItem, error) {
	rows, err := q.db.QueryContext(ensureContext(ctx),
		`SELECT `+batchItemColumns+` FROM batch_items WHERE batch_id = ? ORDER BY position`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list batch items: %w", err)
	}
	defer rows.Close()
	var out []*BatchItem
	for rows.Next() {
		item, err := scanBatchItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// BatchItemByJob returns the item currently referencing jobID.
func (q queries) BatchItemByJob(ctx context.Context, jobID string) (*BatchItem, error) {
	row := q.db.QueryRowContext(ensureContext(ctx), `SELECT `+batchItemColumns+` FROM batch_items WHERE job_id = ?`, jobID)
	item, err := scanBatchItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("batch item by job: %w", err)
	}
	return item, nil
}

// UpdateBatchItem writes an item's status, job reference, and retry bookkeeping.
// Only the item's own row is touched.
func (q queries) UpdateBatchItem(ctx context.Context, item *BatchItem) error {
	item.UpdatedAt = now()
	if _, err := q.exec(ctx,
		`UPDATE batch_items SET job_id = ?, item_status = ?, retry_count = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		nullableString(item.JobID), string(item.Status), item.RetryCount, nullableString(item.LastError),
		formatTime(item.UpdatedAt), item.ID,
	); err != nil {
		return fmt.Errorf("update batch item: %w", err)
	}
	return nil
}
