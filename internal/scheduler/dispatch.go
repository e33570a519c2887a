package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"montage/internal/generator"
	"montage/internal/lineage"
	"montage/internal/logging"
	"montage/internal/services"
	"montage/internal/store"
	"montage/internal/workflow"
)

// dispatchReady fills free slots with ready jobs, highest priority first.
func (s *Scheduler) dispatchReady(ctx context.Context) error {
	free := s.limit - s.occupied()
	if free <= 0 {
		return nil
	}
	jobs, err := s.store.ReadyJobs(ctx, time.Now().UTC(), int(free), s.activeIDs())
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return nil
		}
		if !s.sem.TryAcquire(1) {
			return nil
		}
		exec := &execution{jobID: job.ID, slot: true}
		s.mu.Lock()
		if _, exists := s.execs[job.ID]; exists {
			s.mu.Unlock()
			s.sem.Release(1)
			continue
		}
		s.execs[job.ID] = exec
		s.mu.Unlock()
		s.launch(ctx, exec)
	}
	return nil
}

// launch moves the job to stage_running and starts its execution goroutine.
func (s *Scheduler) launch(ctx context.Context, exec *execution) {
	dispatch, err := s.machine.BeginStage(ctx, exec.jobID)
	if err != nil {
		s.finish(exec)
		s.logDispatchError(exec.jobID, err)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	if timeout := dispatch.Stage.TimeoutSeconds; timeout > 0 {
		cancel()
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	}
	s.mu.Lock()
	exec.stage = dispatch.Stage.Name
	exec.attempt = dispatch.Attempt
	exec.inputIDs = artifactIDs(dispatch.Inputs)
	exec.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.execute(runCtx, cancel, exec, dispatch)
}

func (s *Scheduler) logDispatchError(jobID string, err error) {
	var (
		stale      *lineage.StaleDependencyError
		transition *workflow.InvalidTransitionError
	)
	switch {
	case errors.As(err, &stale):
		s.logger.Info("job blocked on stale inputs",
			logging.String(logging.FieldJobID, jobID),
			logging.String(logging.FieldStage, stale.Stage),
			logging.String(logging.FieldEventType, "job_blocked"),
			logging.Error(err),
		)
	case errors.As(err, &transition), errors.Is(err, services.ErrConflict):
		s.logger.Debug("job changed before dispatch", logging.String(logging.FieldJobID, jobID), logging.Error(err))
	case errors.Is(err, context.Canceled):
	default:
		s.setLastError(err)
		logging.WarnWithContext(s.logger, "stage dispatch failed", "dispatch_failed",
			logging.String(logging.FieldJobID, jobID),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the job stays queued and is retried on the next tick"),
		)
	}
}

func (s *Scheduler) execute(ctx context.Context, cancel context.CancelFunc, exec *execution, dispatch *workflow.Dispatch) {
	defer s.wg.Done()
	defer cancel()

	stageCtx := services.WithJobID(ctx, exec.jobID)
	stageCtx = services.WithStage(stageCtx, exec.stage)
	stageCtx = services.WithRequestID(stageCtx, uuid.NewString())
	logger := logging.WithContext(stageCtx, logging.ForStage(s.logger, s.cfg.Logging.StageOverrides, exec.stage)).
		With(logging.Int(logging.FieldAttempt, exec.attempt))

	started := time.Now()
	logger.Info("stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.String("idempotency_key", dispatch.IdempotencyKey),
		logging.Bool("resumed", dispatch.Resumed),
		logging.Int("inputs", len(dispatch.Inputs)),
	)

	var hb sync.WaitGroup
	hbCtx, stopHeartbeat := context.WithCancel(stageCtx)
	hb.Add(1)
	go s.heartbeat.StartLoop(hbCtx, &hb, exec.jobID)

	outcome, err := s.gen.Execute(stageCtx, requestFor(dispatch))
	stopHeartbeat()
	hb.Wait()

	if err != nil && errors.Is(err, context.DeadlineExceeded) && !s.wasAborted(exec) {
		err = &generator.Error{Stage: exec.stage, Message: "stage timed out", Retryable: true, Cause: err}
	}
	if s.interrupted(ctx, exec) {
		logger.Info("stage interrupted by shutdown",
			logging.String(logging.FieldEventType, "stage_interrupted"),
			logging.Duration("stage_duration", time.Since(started)),
		)
		return
	}
	if derr := s.deliver(context.WithoutCancel(stageCtx), logger, exec, outcome, err); derr != nil {
		s.setLastError(derr)
		logging.ErrorWithContext(logger, "failed to record stage result", "stage_result_failed",
			logging.Error(derr),
			logging.String(logging.FieldErrorHint, "the job is reclaimed by heartbeat and re-run with the same idempotency key"),
		)
		s.finish(exec)
		return
	}
	logger.Debug("stage call returned", logging.Duration("stage_duration", time.Since(started)))
}

// interrupted reports whether the call ended because the scheduler is
// stopping rather than because the job was aborted or finished.
func (s *Scheduler) interrupted(ctx context.Context, exec *execution) bool {
	if ctx.Err() == nil || s.wasAborted(exec) {
		return false
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return false
	}
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	return !running
}

func (s *Scheduler) wasAborted(exec *execution) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return exec.aborted
}

// deliver applies a collaborator answer to the job. Pending answers park the
// job and keep its slot; every other answer releases it.
func (s *Scheduler) deliver(ctx context.Context, logger *slog.Logger, exec *execution, outcome generator.Outcome, callErr error) error {
	if s.wasAborted(exec) {
		defer s.finish(exec)
		if callErr != nil || outcome.Pending || outcome.ContentRef == "" {
			logger.Info("aborted stage call returned", logging.String(logging.FieldEventType, "stage_aborted"))
			return nil
		}
		// The result is stored rejected so the late output stays traceable.
		_, err := s.machine.CompleteStage(ctx, exec.jobID, exec.stage, exec.attempt, stageResult(exec, outcome))
		return err
	}

	switch {
	case callErr != nil:
		defer s.finish(exec)
		failed, err := s.machine.FailStage(ctx, exec.jobID, exec.stage, exec.attempt, callErr)
		if err != nil {
			return err
		}
		if failed.Job == nil {
			return nil
		}
		attrs := []logging.Attr{
			logging.String(logging.FieldEventType, "stage_failed"),
			logging.String("disposition", string(failed.Disposition)),
			logging.Int("failures", failed.Failures),
			logging.Error(callErr),
		}
		if failed.RetryAt != nil {
			attrs = append(attrs, logging.Time("retry_at", *failed.RetryAt))
		}
		if failed.Disposition == services.DispositionFail {
			attrs = append(attrs, logging.String(logging.FieldErrorHint, "inspect the job and fork or resubmit it"))
			logger.Error("stage failed", logging.Args(attrs...)...)
		} else {
			logger.Warn("stage attempt failed", logging.Args(attrs...)...)
		}
		return nil

	case outcome.Pending:
		if outcome.Token == "" {
			return s.deliver(ctx, logger, exec, generator.Outcome{},
				generator.Retryable(exec.stage, "pending answer without resume token"))
		}
		if _, err := s.machine.ParkStage(ctx, exec.jobID, exec.stage, exec.attempt, outcome.Token); err != nil {
			s.finish(exec)
			return err
		}
		s.mu.Lock()
		exec.parked = true
		exec.token = outcome.Token
		exec.cancel = nil
		exec.nextPoll = time.Now().Add(s.cfg.ResultPollInterval())
		s.mu.Unlock()
		logger.Info("stage parked awaiting asynchronous result",
			logging.String(logging.FieldEventType, "stage_parked"),
			logging.String("resume_token", outcome.Token),
		)
		return nil

	default:
		defer s.finish(exec)
		completed, err := s.machine.CompleteStage(ctx, exec.jobID, exec.stage, exec.attempt, stageResult(exec, outcome))
		if err != nil {
			if errors.Is(err, services.ErrValidation) {
				// A malformed answer counts as a failed attempt.
				_, ferr := s.machine.FailStage(ctx, exec.jobID, exec.stage, exec.attempt,
					generator.Permanent(exec.stage, services.Details(err)))
				return ferr
			}
			return err
		}
		attrs := []logging.Attr{
			logging.String(logging.FieldEventType, "stage_complete"),
			logging.Bool("discarded", completed.Discarded),
		}
		if completed.Artifact != nil {
			attrs = append(attrs,
				logging.String(logging.FieldArtifactID, completed.Artifact.ID),
				logging.Int("version", completed.Artifact.Version),
			)
		}
		if completed.Job != nil {
			attrs = append(attrs, logging.String("job_status", string(completed.Job.Status)))
		}
		logger.Info("stage completed", logging.Args(attrs...)...)
		return nil
	}
}

func requestFor(d *workflow.Dispatch) generator.Request {
	inputs := make([]generator.Input, 0, len(d.Inputs))
	for _, artifact := range d.Inputs {
		inputs = append(inputs, generator.Input{
			ArtifactID: artifact.ID,
			Stage:      artifact.StageName,
			Kind:       artifact.Kind,
			Version:    artifact.Version,
			ContentRef: artifact.ContentRef,
		})
	}
	return generator.Request{
		JobID:          d.Job.ID,
		JobType:        d.Job.JobType,
		Stage:          d.Stage.Name,
		Attempt:        d.Attempt,
		IdempotencyKey: d.IdempotencyKey,
		Inputs:         inputs,
		StageConfig:    d.Stage.Config,
		JobInputs:      d.Job.Inputs,
		JobConfig:      d.Job.Config,
	}
}

func stageResult(exec *execution, outcome generator.Outcome) workflow.StageResult {
	return workflow.StageResult{
		ContentRef: outcome.ContentRef,
		Kind:       outcome.Kind,
		InputIDs:   exec.inputIDs,
		Extra:      outcome.Extra,
	}
}

func artifactIDs(artifacts []*store.Artifact) []string {
	ids := make([]string, 0, len(artifacts))
	for _, artifact := range artifacts {
		ids = append(ids, artifact.ID)
	}
	return ids
}
