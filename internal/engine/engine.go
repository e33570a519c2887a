// Package engine assembles the workflow components from configuration.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"montage/internal/batch"
	"montage/internal/checkpoint"
	"montage/internal/config"
	"montage/internal/events"
	"montage/internal/generator"
	"montage/internal/lineage"
	"montage/internal/logging"
	"montage/internal/notifications"
	"montage/internal/registry"
	"montage/internal/scheduler"
	"montage/internal/services"
	"montage/internal/store"
	"montage/internal/workflow"
)

const eventBufferSize = 1024

// Engine holds the wired components sharing one store.
type Engine struct {
	Config   *config.Config
	Store    *store.Store
	Registry *registry.Registry
	Hub      *events.Hub
	Machine  *workflow.Machine
	Batches  *batch.Coordinator
	Outbox   *notifications.Outbox
	Logger   *slog.Logger
}

// Open opens the store, loads the stage registry and wires the state
// machine, batch coordinator and notification outbox.
func Open(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine requires config")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	reg, err := LoadRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	hub := events.NewHub(eventBufferSize)
	machine := workflow.New(workflow.Options{
		Config:      cfg,
		Store:       st,
		Registry:    reg,
		Lineage:     lineage.New(logger),
		Checkpoints: checkpoint.NewManager(reg, logger),
		Events:      hub,
		Logger:      logger,
	})
	batches := batch.New(batch.Options{Config: cfg, Store: st, Machine: machine, Events: hub, Logger: logger})
	outbox := notifications.NewOutbox(cfg, st, logger)
	machine.AddObserver(outbox)
	batches.AddObserver(outbox)

	return &Engine{
		Config:   cfg,
		Store:    st,
		Registry: reg,
		Hub:      hub,
		Machine:  machine,
		Batches:  batches,
		Outbox:   outbox,
		Logger:   logger,
	}, nil
}

// LoadRegistry registers the built-in job types and every pipeline file in
// paths.pipelines_dir, then freezes the registry.
func LoadRegistry(cfg *config.Config, logger *slog.Logger) (*registry.Registry, error) {
	reg := registry.New()
	if err := reg.RegisterBuiltins(); err != nil {
		return nil, fmt.Errorf("register builtin pipelines: %w", err)
	}
	loaded, err := reg.LoadDir(cfg.Paths.PipelinesDir)
	if err != nil {
		return nil, err
	}
	reg.Freeze()
	if logger != nil {
		logger.Debug("stage registry loaded",
			logging.Int("pipeline_files", loaded),
			logging.Any("job_types", reg.JobTypes()),
		)
	}
	return reg, nil
}

// NewGenerator builds the HTTP collaborator client from generator config.
func NewGenerator(cfg *config.Config) (generator.Generator, error) {
	if cfg.Generator.Endpoint == "" {
		return nil, services.Wrap(services.ErrConfiguration, "engine", "generator", "generator.endpoint is not configured", nil)
	}
	return generator.NewHTTPClient(cfg.Generator)
}

// NewScheduler builds a scheduler executing stages through gen.
func (e *Engine) NewScheduler(gen generator.Generator) *scheduler.Scheduler {
	return scheduler.New(scheduler.Options{
		Config:    e.Config,
		Store:     e.Store,
		Machine:   e.Machine,
		Generator: gen,
		Logger:    e.Logger,
	})
}

// NewDispatcher builds the outbox dispatcher for every configured sink.
func (e *Engine) NewDispatcher() (*notifications.Dispatcher, error) {
	sinks, err := notifications.NewNotifiers(e.Config)
	if err != nil {
		return nil, err
	}
	return notifications.NewDispatcher(notifications.DispatcherOptions{
		Config:    e.Config,
		Store:     e.Store,
		Notifiers: sinks,
		Events:    e.Hub,
		Logger:    e.Logger,
	}), nil
}

// PurgeExpired removes terminal jobs older than the retention window.
func (e *Engine) PurgeExpired(ctx context.Context) (int64, error) {
	retention := e.Config.JobRetention()
	if retention <= 0 {
		return 0, nil
	}
	return e.Store.PurgeJobs(ctx, time.Now().UTC().Add(-retention))
}

// Close releases the store.
func (e *Engine) Close() error {
	if e == nil || e.Store == nil {
		return nil
	}
	return e.Store.Close()
}
