package scheduler

import (
	"context"

	"montage/internal/logging"
	"montage/internal/store"
)

// Status represents lightweight scheduler diagnostics.
type Status struct {
	Running   bool
	Limit     int
	Active    int
	Parked    int
	LastError string
	JobCounts map[store.JobStatus]int
}

// Status returns the latest scheduler information.
func (s *Scheduler) Status(ctx context.Context) Status {
	s.mu.Lock()
	summary := Status{Running: s.running, Limit: int(s.limit)}
	for _, exec := range s.execs {
		if exec.parked {
			summary.Parked++
		} else {
			summary.Active++
		}
	}
	if s.lastErr != nil {
		summary.LastError = s.lastErr.Error()
	}
	s.mu.Unlock()

	counts, err := s.store.JobStatusCounts(ctx)
	if err != nil {
		s.logger.Warn("failed to read job counts", logging.Error(err))
	}
	summary.JobCounts = counts
	return summary
}
