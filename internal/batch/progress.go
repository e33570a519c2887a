package batch

import (
	"context"
	"time"

	"montage/internal/logging"
	"montage/internal/store"
)

// JobStarted marks the job's item running and moves a locked batch to
// processing.
func (c *Coordinator) JobStarted(ctx context.Context, job *store.Job) {
	if job.BatchID == "" {
		return
	}
	batch, prev, err := c.mutate(ctx, job.BatchID, func(tx *store.Tx, batch *store.Batch) error {
		item, err := tx.BatchItemByJob(ctx, job.ID)
		if err != nil {
			return err
		}
		if item != nil && item.Status == store.ItemPending {
			item.Status = store.ItemRunning
			if err := tx.UpdateBatchItem(ctx, item); err != nil {
				return err
			}
		}
		if batch.Status != store.BatchLocked {
			return errNoChange
		}
		batch.Status = store.BatchProcessing
		return nil
	})
	if err != nil {
		c.observerFailed(job, err)
		return
	}
	c.publish(batch, prev)
}

// JobTerminal records the job's outcome on its item and settles the batch
// once every item has finished.
func (c *Coordinator) JobTerminal(ctx context.Context, job *store.Job) {
	if job.BatchID == "" {
		return
	}
	batch, prev, err := c.mutate(ctx, job.BatchID, func(tx *store.Tx, batch *store.Batch) error {
		item, err := tx.BatchItemByJob(ctx, job.ID)
		if err != nil {
			return err
		}
		if item == nil {
			return errNoChange
		}
		if !recordOutcome(item, job) {
			return errNoChange
		}
		if err := tx.UpdateBatchItem(ctx, item); err != nil {
			return err
		}
		items, err := tx.ListBatchItems(ctx, batch.ID)
		if err != nil {
			return err
		}
		if !settle(batch, items) {
			return errNoChange
		}
		return nil
	})
	if err != nil {
		c.observerFailed(job, err)
		return
	}
	c.publish(batch, prev)
}

// recordOutcome copies a terminal job's outcome onto its item. It reports
// whether the item changed.
func recordOutcome(item *store.BatchItem, job *store.Job) bool {
	var status store.ItemStatus
	var lastError string
	switch job.Status {
	case store.JobCompleted:
		status = store.ItemCompleted
	case store.JobFailed:
		status = store.ItemFailed
		lastError = job.ErrorMessage
	case store.JobCancelled:
		status = store.ItemSkipped
		lastError = "job cancelled"
	default:
		if item.Status == store.ItemPending && job.Status != store.JobPending {
			item.Status = store.ItemRunning
			return true
		}
		return false
	}
	if item.Status == status && item.LastError == lastError {
		return false
	}
	item.Status = status
	item.LastError = lastError
	return true
}

// Reconcile brings every unfinished item in line with its job and settles
// the batch. It repairs progress lost when the process stopped between a
// job's terminal write and the item update.
func (c *Coordinator) Reconcile(ctx context.Context, batchID string) (*store.Batch, error) {
	var repaired int
	batch, prev, err := c.mutate(ctx, batchID, func(tx *store.Tx, batch *store.Batch) error {
		repaired = 0
		if batch.Status == store.BatchDraft || batch.Status.Terminal() {
			return errNoChange
		}
		items, err := tx.ListBatchItems(ctx, batchID)
		if err != nil {
			return err
		}
		for _, item := range items {
			if item.JobID == "" || item.Status.Terminal() {
				continue
			}
			job, err := tx.GetJob(ctx, item.JobID)
			if err != nil {
				return err
			}
			if job == nil || !recordOutcome(item, job) {
				continue
			}
			if err := tx.UpdateBatchItem(ctx, item); err != nil {
				return err
			}
			repaired++
		}
		changed := false
		if batch.Status == store.BatchLocked && repaired > 0 {
			batch.Status = store.BatchProcessing
			changed = true
		}
		if settle(batch, items) || changed {
			return nil
		}
		return errNoChange
	})
	if err != nil {
		return nil, err
	}
	if repaired > 0 {
		c.logger.Info("batch items reconciled",
			logging.String(logging.FieldEventType, "batch_reconciled"),
			logging.String(logging.FieldBatchID, batchID),
			logging.Int("repaired", repaired),
		)
	}
	c.publish(batch, prev)
	return batch, nil
}

// ReconcileOpen runs Reconcile on every batch that has not finished. It
// returns the number of batches that settled.
func (c *Coordinator) ReconcileOpen(ctx context.Context) (int, error) {
	batches, err := c.store.ListBatches(ctx, 0)
	if err != nil {
		return 0, err
	}
	var settled int
	for _, b := range batches {
		if b.Status == store.BatchDraft || b.Status.Terminal() {
			continue
		}
		updated, err := c.Reconcile(ctx, b.ID)
		if err != nil {
			return settled, err
		}
		if updated.Status.Terminal() {
			settled++
		}
	}
	return settled, nil
}

// settle moves a processing batch to its final status once every item is
// terminal. It reports whether the batch changed.
func settle(batch *store.Batch, items []*store.BatchItem) bool {
	switch batch.Status {
	case store.BatchLocked, store.BatchProcessing, store.BatchPaused:
	default:
		return false
	}
	var completed, unfinished int
	for _, item := range items {
		switch {
		case !item.Status.Terminal():
			unfinished++
		case item.Status == store.ItemCompleted:
			completed++
		}
	}
	if unfinished > 0 || len(items) == 0 {
		return false
	}
	switch completed {
	case len(items):
		batch.Status = store.BatchCompleted
	case 0:
		batch.Status = store.BatchFailed
	default:
		batch.Status = store.BatchPartial
	}
	now := time.Now().UTC()
	batch.FinishedAt = &now
	return true
}

func (c *Coordinator) observerFailed(job *store.Job, err error) {
	logging.WarnWithContext(c.logger, "failed to record batch progress", "batch_progress_failed",
		logging.String(logging.FieldBatchID, job.BatchID),
		logging.String(logging.FieldJobID, job.ID),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "run 'montage batch status' to compare item and job status"),
	)
}
