package batch

import (
	"context"
	"errors"
	"time"

	"montage/internal/logging"
	"montage/internal/store"
	"montage/internal/workflow"
)

// Pause stops dispatch of the batch's jobs. Stages already running finish;
// their jobs then wait at the next stage boundary.
func (c *Coordinator) Pause(ctx context.Context, batchID string) (*store.Batch, error) {
	batch, prev, err := c.mutate(ctx, batchID, func(tx *store.Tx, batch *store.Batch) error {
		switch batch.Status {
		case store.BatchPaused:
			return errNoChange
		case store.BatchLocked, store.BatchProcessing:
			batch.Status = store.BatchPaused
			return nil
		default:
			return &InvalidStateError{BatchID: batchID, Operation: "pause", Status: batch.Status}
		}
	})
	if err != nil {
		return nil, err
	}
	c.publish(batch, prev)
	return batch, nil
}

// Resume continues a paused batch from its jobs' recorded progress.
func (c *Coordinator) Resume(ctx context.Context, batchID string) (*store.Batch, error) {
	batch, prev, err := c.mutate(ctx, batchID, func(tx *store.Tx, batch *store.Batch) error {
		if batch.Status != store.BatchPaused {
			return &InvalidStateError{BatchID: batchID, Operation: "resume", Status: batch.Status}
		}
		items, err := tx.ListBatchItems(ctx, batchID)
		if err != nil {
			return err
		}
		batch.Status = store.BatchLocked
		for _, item := range items {
			if item.Status != store.ItemPending {
				batch.Status = store.BatchProcessing
				break
			}
		}
		settle(batch, items)
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.publish(batch, prev)
	return batch, nil
}

// Cancel stops the batch and cancels every unfinished job. Finished items
// keep their status.
func (c *Coordinator) Cancel(ctx context.Context, batchID string) (*store.Batch, error) {
	var items []*store.BatchItem
	batch, prev, err := c.mutate(ctx, batchID, func(tx *store.Tx, batch *store.Batch) error {
		if batch.Status == store.BatchCancelled {
			return errNoChange
		}
		if batch.Status.Terminal() {
			return &InvalidStateError{BatchID: batchID, Operation: "cancel", Status: batch.Status}
		}
		var err error
		items, err = tx.ListBatchItems(ctx, batchID)
		if err != nil {
			return err
		}
		for _, item := range items {
			if item.JobID == "" && !item.Status.Terminal() {
				item.Status = store.ItemSkipped
				if err := tx.UpdateBatchItem(ctx, item); err != nil {
					return err
				}
			}
		}
		now := time.Now().UTC()
		batch.Status = store.BatchCancelled
		batch.FinishedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if item.JobID == "" || item.Status.Terminal() {
			continue
		}
		if _, err := c.machine.Cancel(ctx, item.JobID); err != nil {
			var transition *workflow.InvalidTransitionError
			if errors.As(err, &transition) {
				continue
			}
			c.logger.Warn("failed to cancel batch job",
				logging.String(logging.FieldBatchID, batchID),
				logging.String(logging.FieldJobID, item.JobID),
				logging.Error(err),
				logging.String(logging.FieldImpact, "the job keeps running outside the cancelled batch"),
			)
		}
	}
	c.publish(batch, prev)
	return batch, nil
}

// RetriedItem describes one re-queued item.
type RetriedItem struct {
	ItemID     string    `json:"item_id"`
	Position   int       `json:"position"`
	JobID      string    `json:"job_id"`
	ForkedFrom string    `json:"forked_from"`
	Stage      string    `json:"stage"`
	RetryCount int       `json:"retry_count"`
	RetryAt    time.Time `json:"retry_at"`
}

// RetryReport summarizes RetryFailed.
type RetryReport struct {
	BatchID   string        `json:"batch_id"`
	Requeued  []RetriedItem `json:"requeued"`
	Exhausted []string      `json:"exhausted"`
}

// RetryFailed re-queues only failed items whose retry count is below the
// configured maximum. Each retry forks the failed job at its failed stage,
// reusing approved upstream artifacts, and is delayed by
// initial * 2^retry_count.
func (c *Coordinator) RetryFailed(ctx context.Context, batchID string) (*RetryReport, error) {
	batch, err := c.Reconcile(ctx, batchID)
	if err != nil {
		return nil, err
	}
	switch batch.Status {
	case store.BatchDraft, store.BatchCancelled:
		return nil, &InvalidStateError{BatchID: batchID, Operation: "retry", Status: batch.Status}
	}
	items, err := c.store.ListBatchItems(ctx, batchID)
	if err != nil {
		return nil, err
	}

	report := &RetryReport{BatchID: batchID}
	forks := make(map[string]RetriedItem)
	for _, item := range items {
		if item.Status != store.ItemFailed {
			continue
		}
		if item.RetryCount >= c.cfg.Batch.MaxItemRetries {
			report.Exhausted = append(report.Exhausted, item.ID)
			continue
		}
		retried, err := c.forkItem(ctx, batch, item)
		if err != nil {
			c.cancelForks(ctx, forks)
			return nil, err
		}
		forks[item.ID] = retried
	}
	if len(forks) == 0 {
		return report, nil
	}

	updated, prev, err := c.mutate(ctx, batchID, func(tx *store.Tx, batch *store.Batch) error {
		if batch.Status == store.BatchCancelled {
			return &InvalidStateError{BatchID: batchID, Operation: "retry", Status: batch.Status}
		}
		current, err := tx.ListBatchItems(ctx, batchID)
		if err != nil {
			return err
		}
		for _, item := range current {
			retried, ok := forks[item.ID]
			if !ok || item.Status != store.ItemFailed || item.JobID != retried.ForkedFrom {
				continue
			}
			item.JobID = retried.JobID
			item.Status = store.ItemPending
			item.RetryCount++
			if err := tx.UpdateBatchItem(ctx, item); err != nil {
				return err
			}
		}
		if batch.Status != store.BatchPaused {
			batch.Status = store.BatchProcessing
		}
		batch.FinishedAt = nil
		return nil
	})
	if err != nil {
		c.cancelForks(ctx, forks)
		return nil, err
	}
	for _, item := range items {
		if retried, ok := forks[item.ID]; ok {
			report.Requeued = append(report.Requeued, retried)
		}
	}
	c.logger.Info("batch items re-queued",
		logging.String(logging.FieldEventType, "batch_retry"),
		logging.String(logging.FieldBatchID, batchID),
		logging.Int("requeued", len(report.Requeued)),
		logging.Int("exhausted", len(report.Exhausted)),
	)
	c.publish(updated, prev)
	return report, nil
}

func (c *Coordinator) forkItem(ctx context.Context, batch *store.Batch, item *store.BatchItem) (RetriedItem, error) {
	job, err := c.machine.Get(ctx, item.JobID)
	if err != nil {
		return RetriedItem{}, err
	}
	stage := job.FailedStage
	if stage == "" {
		stage = job.CurrentStage
	}
	retryAt := time.Now().UTC().Add(retryDelay(c.cfg.BatchRetryBackoff(), item.RetryCount))
	opts := workflow.ForkOptions{BatchID: batch.ID, NextRunAt: &retryAt}
	fork, err := c.machine.Fork(ctx, job.ID, stage, opts)
	var notReady *workflow.StageNotReadyError
	if errors.As(err, &notReady) {
		// An upstream artifact went stale after the failure; start over.
		first, ferr := c.machine.Registry().First(job.JobType)
		if ferr != nil {
			return RetriedItem{}, ferr
		}
		stage = first.Name
		fork, err = c.machine.Fork(ctx, job.ID, stage, opts)
	}
	if err != nil {
		return RetriedItem{}, err
	}
	return RetriedItem{
		ItemID:     item.ID,
		Position:   item.Position,
		JobID:      fork.ID,
		ForkedFrom: job.ID,
		Stage:      stage,
		RetryCount: item.RetryCount + 1,
		RetryAt:    retryAt,
	}, nil
}

func (c *Coordinator) cancelForks(ctx context.Context, forks map[string]RetriedItem) {
	for _, retried := range forks {
		if _, err := c.machine.Cancel(ctx, retried.JobID); err != nil {
			c.logger.Warn("failed to cancel orphaned retry job",
				logging.String(logging.FieldJobID, retried.JobID),
				logging.Error(err),
			)
		}
	}
}

// retryDelay returns initial * 2^retryCount.
func retryDelay(initial time.Duration, retryCount int) time.Duration {
	if initial <= 0 {
		return 0
	}
	delay := initial
	for i := 0; i < retryCount; i++ {
		delay *= 2
	}
	return delay
}
