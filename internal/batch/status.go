package batch

import (
	"context"

	"montage/internal/fingerprint"
	"montage/internal/store"
)

// ItemReport is one item's progress.
type ItemReport struct {
	ItemID     string           `json:"item_id"`
	Position   int              `json:"position"`
	Status     store.ItemStatus `json:"status"`
	JobID      string           `json:"job_id,omitempty"`
	JobStatus  store.JobStatus  `json:"job_status,omitempty"`
	Stage      string           `json:"stage,omitempty"`
	Attempt    int              `json:"attempt,omitempty"`
	RetryCount int              `json:"retry_count"`
	LastError  string           `json:"last_error,omitempty"`
}

// Report is the full status of a batch.
type Report struct {
	Batch     *store.Batch             `json:"batch"`
	Items     []ItemReport             `json:"items"`
	Counts    map[store.ItemStatus]int `json:"counts"`
	Succeeded []string                 `json:"succeeded"`
	Failed    []string                 `json:"failed"`
}

// Status enumerates the batch's items with the stage, attempt and last
// error of their current job.
func (c *Coordinator) Status(ctx context.Context, batchID string) (*Report, error) {
	batch, err := c.Reconcile(ctx, batchID)
	if err != nil {
		return nil, err
	}
	items, err := c.store.ListBatchItems(ctx, batchID)
	if err != nil {
		return nil, err
	}
	report := &Report{
		Batch:     batch,
		Items:     make([]ItemReport, 0, len(items)),
		Counts:    make(map[store.ItemStatus]int),
		Succeeded: []string{},
		Failed:    []string{},
	}
	for _, item := range items {
		entry := ItemReport{
			ItemID:     item.ID,
			Position:   item.Position,
			Status:     item.Status,
			JobID:      item.JobID,
			RetryCount: item.RetryCount,
			LastError:  item.LastError,
		}
		if item.JobID != "" {
			job, err := c.store.GetJob(ctx, item.JobID)
			if err != nil {
				return nil, err
			}
			if job != nil {
				entry.JobStatus = job.Status
				entry.Stage = job.CurrentStage
				if job.FailedStage != "" {
					entry.Stage = job.FailedStage
				}
				stage, err := c.store.GetJobStage(ctx, job.ID, entry.Stage)
				if err != nil {
					return nil, err
				}
				if stage != nil {
					entry.Attempt = stage.Attempt
					if entry.LastError == "" {
						entry.LastError = stage.LastError
					}
				}
			}
		}
		report.Counts[item.Status]++
		switch item.Status {
		case store.ItemCompleted:
			report.Succeeded = append(report.Succeeded, item.ID)
		case store.ItemFailed:
			report.Failed = append(report.Failed, item.ID)
		}
		report.Items = append(report.Items, entry)
	}
	return report, nil
}

// VerifyConfig recomputes the locked configuration hash and checks that
// every item's job runs with the locked configuration.
func (c *Coordinator) VerifyConfig(ctx context.Context, batchID string) error {
	batch, err := c.Get(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.LockedAt == nil {
		return &InvalidStateError{BatchID: batchID, Operation: "verify", Status: batch.Status}
	}
	got := fingerprint.Config(batch.LockedConfig)
	if got != batch.ConfigHash {
		return &ConfigMismatchError{BatchID: batchID, Want: batch.ConfigHash, Got: got}
	}
	items, err := c.store.ListBatchItems(ctx, batchID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.JobID == "" {
			continue
		}
		job, err := c.store.GetJob(ctx, item.JobID)
		if err != nil {
			return err
		}
		if job == nil {
			continue
		}
		canonical, err := fingerprint.Canonical(job.Config)
		if err != nil {
			return err
		}
		if hash := fingerprint.Config(canonical); hash != batch.ConfigHash {
			return &ConfigMismatchError{BatchID: batchID, JobID: job.ID, Want: batch.ConfigHash, Got: hash}
		}
	}
	return nil
}
