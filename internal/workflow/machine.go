package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"montage/internal/checkpoint"
	"montage/internal/config"
	"montage/internal/events"
	"montage/internal/lineage"
	"montage/internal/logging"
	"montage/internal/registry"
	"montage/internal/store"
)

const maxConflictRetries = 8

// Observer is told about job transitions after they commit.
type Observer interface {
	// JobStarted is called whenever a stage of the job is dispatched.
	JobStarted(ctx context.Context, job *store.Job)
	// JobTerminal is called once a job reaches completed, failed or cancelled.
	JobTerminal(ctx context.Context, job *store.Job)
}

// Aborter cancels in-flight stage work. The scheduler implements it.
type Aborter interface {
	AbortJob(ctx context.Context, jobID, resumeToken string)
}

// Options wires a Machine.
type Options struct {
	Config      *config.Config
	Store       *store.Store
	Registry    *registry.Registry
	Lineage     *lineage.Engine
	Checkpoints *checkpoint.Manager
	Events      events.Publisher
	Logger      *slog.Logger
}

// Machine drives jobs through their stages.
type Machine struct {
	cfg         *config.Config
	store       *store.Store
	registry    *registry.Registry
	lineage     *lineage.Engine
	checkpoints *checkpoint.Manager
	events      events.Publisher
	logger      *slog.Logger

	mu        sync.RWMutex
	observers []Observer
	aborter   Aborter
}

// New builds a Machine. Lineage, checkpoint and event collaborators default
// to fresh instances when omitted.
func New(opts Options) *Machine {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &Machine{
		cfg:         opts.Config,
		store:       opts.Store,
		registry:    opts.Registry,
		lineage:     opts.Lineage,
		checkpoints: opts.Checkpoints,
		events:      opts.Events,
		logger:      logging.NewComponentLogger(logger, "workflow"),
	}
	if m.lineage == nil {
		m.lineage = lineage.New(logger)
	}
	if m.checkpoints == nil {
		m.checkpoints = checkpoint.NewManager(opts.Registry, logger)
	}
	if m.events == nil {
		m.events = events.Nop{}
	}
	return m
}

// Registry exposes the stage registry the machine resolves stages from.
func (m *Machine) Registry() *registry.Registry { return m.registry }

// AddObserver registers o for transition callbacks.
func (m *Machine) AddObserver(o Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, o)
	m.mu.Unlock()
}

// SetAborter installs the component that cancels in-flight work.
func (m *Machine) SetAborter(a Aborter) {
	m.mu.Lock()
	m.aborter = a
	m.mu.Unlock()
}

// effects collects what a mutation wants to happen after commit.
type effects struct {
	unchanged bool
	started   bool
	abort     bool
	token     string // resume token of the parked call being aborted
	events    []pendingEvent
	result    error
}

type pendingEvent struct {
	kind string
	data any
}

func (fx *effects) publish(kind string, data any) {
	fx.events = append(fx.events, pendingEvent{kind: kind, data: data})
}

// mutate loads jobID inside a transaction, runs fn and writes the job back
// with a version check. A version conflict reruns the whole transaction
// against a fresh read.
func (m *Machine) mutate(ctx context.Context, jobID string, fn func(tx *store.Tx, job *store.Job, fx *effects) error) (*store.Job, error) {
	for attempt := 1; attempt <= maxConflictRetries; attempt++ {
		var (
			result *store.Job
			prev   store.JobStatus
			fx     = &effects{}
		)
		err := m.store.InTx(ctx, func(tx *store.Tx) error {
			job, err := tx.GetJob(ctx, jobID)
			if err != nil {
				return err
			}
			if job == nil {
				return &JobNotFoundError{JobID: jobID}
			}
			prev = job.Status
			if err := fn(tx, job, fx); err != nil {
				return err
			}
			result = job
			if fx.unchanged {
				return nil
			}
			return tx.UpdateJob(ctx, job)
		})
		if errors.Is(err, store.ErrVersionConflict) {
			m.logger.Debug("job version conflict; retrying",
				logging.String(logging.FieldJobID, jobID),
				logging.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			return nil, err
		}
		m.apply(ctx, result, prev, fx)
		return result, fx.result
	}
	return nil, &ConflictError{JobID: jobID, Attempts: maxConflictRetries}
}

// apply runs post-commit effects: events, observers and aborts.
func (m *Machine) apply(ctx context.Context, job *store.Job, prev store.JobStatus, fx *effects) {
	for _, ev := range fx.events {
		m.events.Publish(ev.kind, ev.data)
	}
	if fx.unchanged {
		return
	}
	if prev != job.Status {
		m.events.Publish(events.TypeJobTransition, transitionPayload(job, prev))
		m.logger.Info("job transition",
			logging.String(logging.FieldEventType, "job_transition"),
			logging.String(logging.FieldJobID, job.ID),
			logging.String(logging.FieldStage, job.CurrentStage),
			logging.String("from", string(prev)),
			logging.String("to", string(job.Status)),
		)
	}

	m.mu.RLock()
	observers := append([]Observer(nil), m.observers...)
	aborter := m.aborter
	m.mu.RUnlock()

	if fx.abort && aborter != nil {
		abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CancelAckTimeout())
		aborter.AbortJob(abortCtx, job.ID, fx.token)
		cancel()
	}
	if fx.started {
		for _, o := range observers {
			o.JobStarted(ctx, job)
		}
	}
	if job.Status.Terminal() && !prev.Terminal() {
		for _, o := range observers {
			o.JobTerminal(ctx, job)
		}
	}
}

func transitionPayload(job *store.Job, prev store.JobStatus) map[string]any {
	payload := map[string]any{
		"job_id": job.ID,
		"from":   prev,
		"to":     job.Status,
		"stage":  job.CurrentStage,
	}
	if job.BatchID != "" {
		payload["batch_id"] = job.BatchID
	}
	if job.ErrorMessage != "" {
		payload["error"] = job.ErrorMessage
	}
	return payload
}

// Get returns a job or *JobNotFoundError.
func (m *Machine) Get(ctx context.Context, jobID string) (*store.Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, &JobNotFoundError{JobID: jobID}
	}
	return job, nil
}

// IdempotencyKey identifies one execution attempt of a stage.
func IdempotencyKey(fingerprint, stage string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", fingerprint, stage, attempt)
}

// retryDelay is initial doubled per prior failure, capped at max.
func retryDelay(initial, max time.Duration, failures int) time.Duration {
	if initial <= 0 {
		return 0
	}
	delay := initial
	for i := 1; i < failures; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

func timePtr(t time.Time) *time.Time { return &t }
