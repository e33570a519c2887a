package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"montage/internal/logging"
	"montage/internal/store"
	"montage/internal/workflow"
)

// HeartbeatMonitor refreshes heartbeats of running jobs and re-queues jobs
// whose heartbeat stopped.
type HeartbeatMonitor struct {
	store             *store.Store
	machine           *workflow.Machine
	logger            *slog.Logger
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
}

// NewHeartbeatMonitor creates a new monitor.
func NewHeartbeatMonitor(st *store.Store, machine *workflow.Machine, logger *slog.Logger, interval, timeout time.Duration) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		store:             st,
		machine:           machine,
		logger:            logger,
		heartbeatInterval: interval,
		heartbeatTimeout:  timeout,
	}
}

// ReclaimStaleJobs re-queues running jobs whose heartbeat is older than the
// timeout. Jobs this process is still executing are skipped. Parked jobs
// carry a resume token and are never reclaimed.
func (h *HeartbeatMonitor) ReclaimStaleJobs(ctx context.Context, active func(jobID string) bool) error {
	if h.heartbeatTimeout <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-h.heartbeatTimeout)
	jobs, err := h.store.StaleRunningJobs(ctx, cutoff)
	if err != nil {
		return err
	}
	var reclaimed int64
	for _, job := range jobs {
		if active != nil && active(job.ID) {
			continue
		}
		if _, err := h.machine.Requeue(ctx, job.ID, "heartbeat timed out"); err != nil {
			return err
		}
		reclaimed++
	}
	if reclaimed > 0 {
		h.logger.Info("reclaimed stale jobs",
			logging.String(logging.FieldEventType, "heartbeat_reclaim"),
			logging.Int64("count", reclaimed),
		)
	}
	return nil
}

// StartLoop refreshes the heartbeat of one job until ctx is cancelled.
func (h *HeartbeatMonitor) StartLoop(ctx context.Context, wg *sync.WaitGroup, jobID string) {
	defer wg.Done()
	if h.heartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	logger := logging.WithContext(ctx, h.logger.With(logging.String(logging.FieldComponent, "scheduler-heartbeat")))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.machine.Heartbeat(ctx, jobID); err != nil {
				if errors.Is(err, context.Canceled) {
					logger.Debug("heartbeat update cancelled")
				} else {
					logger.Warn("heartbeat update failed", logging.Error(err))
				}
			}
		}
	}
}
