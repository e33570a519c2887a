package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"montage/internal/config"
	"montage/internal/generator"
	"montage/internal/logging"
	"montage/internal/store"
	"montage/internal/workflow"
)

const purgeInterval = time.Hour

// Options wires a Scheduler.
type Options struct {
	Config    *config.Config
	Store     *store.Store
	Machine   *workflow.Machine
	Generator generator.Generator
	Logger    *slog.Logger
}

// Scheduler runs stage executions with bounded concurrency.
type Scheduler struct {
	cfg       *config.Config
	store     *store.Store
	machine   *workflow.Machine
	gen       generator.Generator
	logger    *slog.Logger
	heartbeat *HeartbeatMonitor

	limit int64
	sem   *semaphore.Weighted
	wake  chan struct{}
	wg    sync.WaitGroup

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	execs     map[string]*execution
	lastErr   error
	lastPurge time.Time
}

// execution tracks one job holding (or waiting on) a dispatch.
type execution struct {
	jobID    string
	stage    string
	attempt  int
	inputIDs []string
	token    string
	cancel   context.CancelFunc
	slot     bool
	parked   bool
	polling  bool
	aborted  bool
	pollErrs int
	nextPoll time.Time
}

// New constructs a scheduler and registers it as the machine's aborter.
func New(opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "scheduler")
	limit := int64(opts.Config.Workflow.MaxConcurrency)
	if limit <= 0 {
		limit = 1
	}
	s := &Scheduler{
		cfg:     opts.Config,
		store:   opts.Store,
		machine: opts.Machine,
		gen:     opts.Generator,
		logger:  logger,
		limit:   limit,
		sem:     semaphore.NewWeighted(limit),
		wake:    make(chan struct{}, 1),
		execs:   make(map[string]*execution),
	}
	s.heartbeat = NewHeartbeatMonitor(opts.Store, opts.Machine, logger,
		opts.Config.HeartbeatInterval(), opts.Config.HeartbeatTimeout())
	if opts.Machine != nil {
		opts.Machine.SetAborter(s)
	}
	return s
}

// Start recovers interrupted work and begins background scheduling.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	if s.gen == nil {
		s.mu.Unlock()
		return errors.New("scheduler has no generator")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	summary, err := s.Recover(runCtx)
	if err != nil {
		s.setLastError(err)
		logging.WarnWithContext(s.logger, "startup recovery incomplete", "recovery_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check database access; unrecovered jobs are reclaimed by heartbeat"),
		)
	} else if summary.Total() > 0 {
		s.logger.Info("recovered interrupted jobs",
			logging.String(logging.FieldEventType, "recovery_complete"),
			logging.Int("settled", summary.Settled),
			logging.Int("requeued", summary.Requeued),
			logging.Int("adopted", summary.Adopted),
		)
	}

	s.wg.Add(1)
	go s.loop(runCtx)
	return nil
}

// Stop terminates scheduling and waits for in-process executions to return.
// Jobs interrupted by shutdown stay stage_running and are recovered on the
// next start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	s.mu.Lock()
	for id, exec := range s.execs {
		if exec.slot {
			s.sem.Release(1)
		}
		delete(s.execs, id)
	}
	s.mu.Unlock()
}

// Wake asks the loop to run a scheduling pass now.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	interval := s.tickInterval()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-time.After(interval):
		}
	}
}

func (s *Scheduler) tickInterval() time.Duration {
	interval := s.cfg.PollInterval()
	if poll := s.cfg.ResultPollInterval(); poll > 0 && (interval <= 0 || poll < interval) {
		interval = poll
	}
	if interval <= 0 {
		interval = time.Second
	}
	return interval
}

// Tick runs one scheduling pass.
func (s *Scheduler) Tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := s.heartbeat.ReclaimStaleJobs(ctx, s.isActive); err != nil {
		s.setLastError(err)
		logging.WarnWithContext(s.logger, "reclaim stale jobs failed; stuck jobs may remain", "heartbeat_reclaim_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check database access"),
		)
	}
	s.reap(ctx)
	s.pollParked(ctx)
	if err := s.dispatchReady(ctx); err != nil && ctx.Err() == nil {
		s.setLastError(err)
		logging.ErrorWithContext(s.logger, "failed to fetch ready jobs", "queue_fetch_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check database access"),
		)
	}
	s.purge(ctx)
}

func (s *Scheduler) isActive(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.execs[jobID]
	return ok
}

func (s *Scheduler) activeIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.execs))
	for id := range s.execs {
		ids = append(ids, id)
	}
	return ids
}

func (s *Scheduler) occupied() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, exec := range s.execs {
		if exec.slot {
			n++
		}
	}
	return n
}

// finish drops the execution and frees its slot. It is safe to call more
// than once for the same execution.
func (s *Scheduler) finish(exec *execution) {
	s.mu.Lock()
	if current, ok := s.execs[exec.jobID]; ok && current == exec {
		delete(s.execs, exec.jobID)
		if exec.slot {
			exec.slot = false
			s.sem.Release(1)
		}
	}
	s.mu.Unlock()
	s.Wake()
}

func (s *Scheduler) purge(ctx context.Context) {
	retention := s.cfg.JobRetention()
	if retention <= 0 {
		return
	}
	s.mu.Lock()
	due := time.Since(s.lastPurge) >= purgeInterval
	if due {
		s.lastPurge = time.Now()
	}
	s.mu.Unlock()
	if !due {
		return
	}
	purged, err := s.store.PurgeJobs(ctx, time.Now().UTC().Add(-retention))
	if err != nil {
		s.logger.Warn("job retention purge failed", logging.Error(err))
		return
	}
	if purged > 0 {
		s.logger.Info("purged terminal jobs",
			logging.String(logging.FieldEventType, "retention_purge"),
			logging.Int64("count", purged),
		)
	}
}

func (s *Scheduler) setLastError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}
