package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"montage/internal/generator"
	"montage/internal/logging"
	"montage/internal/services"
	"montage/internal/store"
)

// pollParked polls every parked call whose poll time has come.
func (s *Scheduler) pollParked(ctx context.Context) {
	now := time.Now()
	var due []*execution
	s.mu.Lock()
	for _, exec := range s.execs {
		if exec.parked && !exec.polling && !exec.aborted && !now.Before(exec.nextPoll) {
			exec.polling = true
			due = append(due, exec)
		}
	}
	s.mu.Unlock()
	for _, exec := range due {
		s.wg.Add(1)
		go s.poll(ctx, exec)
	}
}

func (s *Scheduler) poll(ctx context.Context, exec *execution) {
	defer s.wg.Done()
	logger := s.logger.With(
		logging.String(logging.FieldJobID, exec.jobID),
		logging.String(logging.FieldStage, exec.stage),
		logging.Int(logging.FieldAttempt, exec.attempt),
	)
	outcome, err := s.gen.Poll(ctx, exec.token)

	reschedule := func(after time.Duration) {
		s.mu.Lock()
		exec.polling = false
		exec.nextPoll = time.Now().Add(after)
		s.mu.Unlock()
	}
	switch {
	case ctx.Err() != nil:
		reschedule(0)
		return
	case errors.Is(err, generator.ErrPollUnsupported):
		// Results for this collaborator only arrive through Resume.
		reschedule(24 * time.Hour)
		return
	case err == nil && outcome.Pending:
		s.mu.Lock()
		exec.pollErrs = 0
		s.mu.Unlock()
		reschedule(s.cfg.ResultPollInterval())
		return
	case err != nil && services.FailureDisposition(err) == services.DispositionRetry && s.pollBudgetLeft(exec):
		logger.Warn("poll of parked stage failed; will poll again",
			logging.String(logging.FieldEventType, "stage_poll_failed"),
			logging.Error(err),
		)
		reschedule(s.cfg.ResultPollInterval())
		return
	}

	if derr := s.deliver(context.WithoutCancel(ctx), logger, exec, outcome, err); derr != nil {
		s.setLastError(derr)
		logging.ErrorWithContext(logger, "failed to record polled result", "stage_result_failed",
			logging.Error(derr),
			logging.String(logging.FieldErrorHint, "the parked job is polled again"),
		)
		reschedule(s.cfg.ResultPollInterval())
	}
}

// pollBudgetLeft counts a failed poll and reports whether another poll is
// allowed before the error is applied to the attempt.
func (s *Scheduler) pollBudgetLeft(exec *execution) bool {
	limit := s.cfg.Retry.MaxAttempts
	if limit <= 0 {
		limit = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	exec.pollErrs++
	return exec.pollErrs < limit
}

// Resume delivers the result of a parked asynchronous call identified by its
// resume token. A nil callErr with an empty outcome is rejected.
func (s *Scheduler) Resume(ctx context.Context, token string, outcome generator.Outcome, callErr error) (*store.Job, error) {
	if token == "" {
		return nil, services.Wrap(services.ErrValidation, "scheduler", "resume", "resume token is required", nil)
	}
	if callErr == nil && (outcome.Pending || outcome.ContentRef == "") {
		return nil, services.Wrap(services.ErrValidation, "scheduler", "resume", "result needs a content_ref or an error", nil)
	}
	job, err := s.store.JobByResumeToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, services.Wrap(services.ErrNotFound, "scheduler", "resume", fmt.Sprintf("no parked job for token %q", token), nil)
	}
	exec, err := s.parkedExecution(ctx, job)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With(
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldStage, exec.stage),
		logging.Int(logging.FieldAttempt, exec.attempt),
	)
	if err := s.deliver(ctx, logger, exec, outcome, callErr); err != nil {
		return nil, err
	}
	return s.machine.Get(ctx, job.ID)
}

// parkedExecution returns the tracked execution of a parked job, adopting
// it when this process did not dispatch it.
func (s *Scheduler) parkedExecution(ctx context.Context, job *store.Job) (*execution, error) {
	s.mu.Lock()
	exec := s.execs[job.ID]
	s.mu.Unlock()
	if exec != nil && exec.stage == job.CurrentStage {
		return exec, nil
	}
	return s.adoptParked(ctx, job)
}

func (s *Scheduler) adoptParked(ctx context.Context, job *store.Job) (*execution, error) {
	stage, err := s.store.GetJobStage(ctx, job.ID, job.CurrentStage)
	if err != nil {
		return nil, err
	}
	if stage == nil {
		return nil, fmt.Errorf("job %s has no stage record for %s", job.ID, job.CurrentStage)
	}
	inputIDs, err := s.currentInputs(ctx, job)
	if err != nil {
		return nil, err
	}
	exec := &execution{
		jobID:    job.ID,
		stage:    job.CurrentStage,
		attempt:  stage.Attempt,
		inputIDs: inputIDs,
		token:    job.ResumeToken,
		parked:   true,
		nextPoll: time.Now(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.execs[job.ID]; ok {
		return current, nil
	}
	// Adopted calls take a slot when one is free; otherwise they run over
	// the limit until they settle.
	exec.slot = s.sem.TryAcquire(1)
	s.execs[job.ID] = exec
	return exec, nil
}

// currentInputs resolves the artifacts a parked stage was dispatched with.
func (s *Scheduler) currentInputs(ctx context.Context, job *store.Job) ([]string, error) {
	def, err := s.machine.Registry().Stage(job.JobType, job.CurrentStage)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(def.DependsOn))
	for _, dep := range def.DependsOn {
		artifact, err := s.store.LatestArtifact(ctx, job.ID, dep)
		if err != nil {
			return nil, err
		}
		if artifact != nil {
			ids = append(ids, artifact.ID)
		}
	}
	return ids, nil
}

// AbortJob cancels the in-flight call of a job. It is invoked after a cancel
// or rollback commits; a result that still arrives is discarded.
func (s *Scheduler) AbortJob(ctx context.Context, jobID, resumeToken string) {
	s.mu.Lock()
	exec := s.execs[jobID]
	s.mu.Unlock()
	s.abort(ctx, jobID, exec, resumeToken)
}

func (s *Scheduler) abort(ctx context.Context, jobID string, exec *execution, resumeToken string) {
	var (
		cancel context.CancelFunc
		parked bool
	)
	if exec != nil {
		s.mu.Lock()
		exec.aborted = true
		cancel = exec.cancel
		parked = exec.parked
		if resumeToken == "" {
			resumeToken = exec.token
		}
		s.mu.Unlock()
	}

	if cancel != nil {
		cancel()
	}
	if resumeToken != "" && s.gen != nil {
		if err := s.gen.Abort(ctx, resumeToken); err != nil {
			s.logger.Warn("generator did not acknowledge abort",
				logging.String(logging.FieldJobID, jobID),
				logging.String(logging.FieldEventType, "abort_unacknowledged"),
				logging.Error(err),
				logging.String(logging.FieldImpact, "a late result will be stored rejected"),
			)
		}
	}
	if exec != nil && parked {
		s.finish(exec)
	}
	s.logger.Info("stage call aborted",
		logging.String(logging.FieldJobID, jobID),
		logging.String(logging.FieldEventType, "stage_abort"),
	)
}

// reap aborts executions whose job left stage_running without going through
// this process, for example a cancel issued by the CLI.
func (s *Scheduler) reap(ctx context.Context) {
	var execs []*execution
	s.mu.Lock()
	for _, exec := range s.execs {
		if exec.stage != "" && !exec.aborted {
			execs = append(execs, exec)
		}
	}
	s.mu.Unlock()
	for _, exec := range execs {
		job, err := s.store.GetJob(ctx, exec.jobID)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("reap lookup failed", logging.String(logging.FieldJobID, exec.jobID), logging.Error(err))
			}
			continue
		}
		if job != nil && job.Status == store.JobStageRunning && job.CurrentStage == exec.stage {
			continue
		}
		s.mu.Lock()
		current := s.execs[exec.jobID] == exec
		s.mu.Unlock()
		if !current {
			continue
		}
		token := ""
		if job != nil {
			token = job.ResumeToken
		}
		s.abort(ctx, exec.jobID, exec, token)
	}
}
