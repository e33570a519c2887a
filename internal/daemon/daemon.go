package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"

	"montage/internal/api"
	"montage/internal/engine"
	"montage/internal/generator"
	"montage/internal/logging"
	"montage/internal/notifications"
	"montage/internal/preflight"
	"montage/internal/scheduler"
)

// Daemon runs the scheduler, notification dispatcher and API for one engine.
type Daemon struct {
	engine     *engine.Engine
	logger     *slog.Logger
	scheduler  *scheduler.Scheduler
	dispatcher *notifications.Dispatcher
	api        *api.Server

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a daemon executing stages through gen.
func New(eng *engine.Engine, gen generator.Generator, logger *slog.Logger) (*Daemon, error) {
	if eng == nil || gen == nil {
		return nil, errors.New("daemon requires an engine and a generator")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	dispatcher, err := eng.NewDispatcher()
	if err != nil {
		return nil, fmt.Errorf("notifications: %w", err)
	}
	lockPath := eng.Config.LockPath()
	d := &Daemon{
		engine:     eng,
		logger:     logging.NewComponentLogger(logger, "daemon"),
		scheduler:  eng.NewScheduler(gen),
		dispatcher: dispatcher,
		lockPath:   lockPath,
		lock:       flock.New(lockPath),
	}
	d.api = api.New(api.Options{
		Bind:     eng.Config.Paths.APIBind,
		Token:    eng.Config.Paths.APIToken,
		Machine:  eng.Machine,
		Batches:  eng.Batches,
		Executor: d.scheduler,
		Hub:      eng.Hub,
		Status:   d.Status,
		Logger:   logger,
	})
	return d, nil
}

// Start acquires the daemon lock and launches background processing.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another montage daemon instance is already running")
	}

	for _, check := range preflight.Failed(preflight.RunAll(ctx, d.engine.Config)) {
		logging.WarnWithContext(d.logger, "preflight check failed", "preflight_failed",
			logging.String("check", check.Name),
			logging.String("detail", check.Detail),
			logging.String(logging.FieldImpact, "stages depending on this check may fail"),
		)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.scheduler.Start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return fmt.Errorf("start scheduler: %w", err)
	}
	if settled, err := d.engine.Batches.ReconcileOpen(runCtx); err != nil {
		logging.WarnWithContext(d.logger, "batch reconciliation incomplete", "batch_reconcile_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "batch status may lag behind job status until queried"),
		)
	} else if settled > 0 {
		d.logger.Info("settled batches at startup",
			logging.String(logging.FieldEventType, "batch_reconciled"),
			logging.Int("settled", settled),
		)
	}
	if err := d.api.Start(runCtx); err != nil {
		cancel()
		d.scheduler.Stop()
		_ = d.lock.Unlock()
		return fmt.Errorf("start api: %w", err)
	}

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.dispatcher.Run(runCtx)
	}()
	go func() {
		defer d.wg.Done()
		d.engine.Outbox.WatchApprovals(runCtx, d.engine.Hub)
	}()

	d.cancel = cancel
	d.running.Store(true)
	d.logger.Info("montage daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("lock", d.lockPath),
		logging.String("database", d.engine.Store.Path()),
		logging.String("api", d.api.Addr()),
		logging.Bool("notifications", d.dispatcher.Enabled()),
	)
	return nil
}

// Stop halts background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.api.Stop()
	d.scheduler.Stop()
	d.wg.Wait()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("montage daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close stops the daemon and releases its resources.
func (d *Daemon) Close() error {
	d.Stop()
	return errors.Join(d.dispatcher.Close(), d.engine.Close())
}

// APIAddr returns the address the API listens on, empty when disabled.
func (d *Daemon) APIAddr() string {
	return d.api.Addr()
}

// TestNotification sends a test event to every configured sink.
func (d *Daemon) TestNotification(ctx context.Context) error {
	return d.dispatcher.Test(ctx)
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) api.DaemonStatus {
	status := api.DaemonStatus{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		DatabasePath: d.engine.Store.Path(),
		LockFilePath: d.lockPath,
		Scheduler:    api.FromSchedulerStatus(d.scheduler.Status(ctx)),
	}
	if pending, err := d.engine.Store.PendingNotificationCount(ctx); err == nil {
		status.PendingNotifications = pending
	}
	return status
}
