package scheduler

import (
	"context"
	"fmt"

	"montage/internal/logging"
)

// RecoverySummary counts what startup recovery did.
type RecoverySummary struct {
	Settled  int
	Requeued int
	Adopted  int
}

// Total returns the number of recovered jobs.
func (r RecoverySummary) Total() int {
	return r.Settled + r.Requeued + r.Adopted
}

// Recover resumes jobs left stage_running by a previous process. A job whose
// running attempt already has a checkpoint is settled from it without
// re-executing; a parked job is adopted for polling; anything else is
// re-queued under the same attempt number so the collaborator sees the same
// idempotency key.
func (s *Scheduler) Recover(ctx context.Context) (RecoverySummary, error) {
	var summary RecoverySummary
	jobs, err := s.store.RunningJobs(ctx)
	if err != nil {
		return summary, err
	}
	var firstErr error
	record := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}
	for _, job := range jobs {
		if s.isActive(job.ID) {
			continue
		}
		logger := s.logger.With(
			logging.String(logging.FieldJobID, job.ID),
			logging.String(logging.FieldStage, job.CurrentStage),
		)
		if job.ResumeToken != "" {
			if _, err := s.adoptParked(ctx, job); err != nil {
				record(fmt.Errorf("adopt parked job %s: %w", job.ID, err))
				continue
			}
			summary.Adopted++
			logger.Info("adopted parked job", logging.String(logging.FieldEventType, "recovery_adopt"))
			continue
		}
		_, settled, err := s.machine.SettleFromCheckpoint(ctx, job.ID)
		if err != nil {
			record(fmt.Errorf("settle job %s: %w", job.ID, err))
			continue
		}
		if settled {
			summary.Settled++
			logger.Info("settled job from checkpoint", logging.String(logging.FieldEventType, "recovery_settle"))
			continue
		}
		if _, err := s.machine.Requeue(ctx, job.ID, "recovered after restart"); err != nil {
			record(fmt.Errorf("requeue job %s: %w", job.ID, err))
			continue
		}
		summary.Requeued++
		logger.Info("re-queued interrupted job", logging.String(logging.FieldEventType, "recovery_requeue"))
	}
	return summary, firstErr
}
