package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"montage/internal/config"
	"montage/internal/events"
	"montage/internal/logging"
	"montage/internal/store"
)

const (
	deliverBatchSize = 50
	maxRetryDelay    = time.Hour
)

// NewNotifiers builds every sink enabled in cfg.
func NewNotifiers(cfg *config.Config) ([]Notifier, error) {
	n := cfg.Notifications
	timeout := time.Duration(n.RequestTimeout) * time.Second
	var out []Notifier
	if n.NtfyTopic != "" {
		out = append(out, NewNtfy(n.NtfyTopic, timeout))
	}
	if n.WebhookURL != "" {
		out = append(out, NewWebhook(n.WebhookURL, n.WebhookSecret, timeout))
	}
	if n.RedisURL != "" {
		sink, err := NewRedisStream(n.RedisURL, n.RedisStream)
		if err != nil {
			return nil, err
		}
		out = append(out, sink)
	}
	return out, nil
}

// DispatcherOptions wires a Dispatcher.
type DispatcherOptions struct {
	Config    *config.Config
	Store     *store.Store
	Notifiers []Notifier
	Events    events.Publisher
	Logger    *slog.Logger
}

// Dispatcher drains the outbox into the configured sinks.
type Dispatcher struct {
	store       *store.Store
	notifiers   []Notifier
	events      events.Publisher
	logger      *slog.Logger
	interval    time.Duration
	maxAttempts int
	now         func() time.Time
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	publisher := opts.Events
	if publisher == nil {
		publisher = events.Nop{}
	}
	interval := time.Duration(opts.Config.Notifications.DeliverInterval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Dispatcher{
		store:       opts.Store,
		notifiers:   opts.Notifiers,
		events:      publisher,
		logger:      logging.NewComponentLogger(logger, "notifications"),
		interval:    interval,
		maxAttempts: opts.Config.Notifications.MaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Enabled reports whether any sink is configured.
func (d *Dispatcher) Enabled() bool { return len(d.notifiers) > 0 }

// Run delivers due events every interval until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) {
	if !d.Enabled() {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		if _, err := d.DeliverDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Warn("notification delivery pass failed", logging.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DeliverDue attempts every due event once and returns how many were delivered.
func (d *Dispatcher) DeliverDue(ctx context.Context) (int, error) {
	if !d.Enabled() {
		return 0, nil
	}
	due, err := d.store.DueNotifications(ctx, d.now(), d.maxAttempts, deliverBatchSize)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, n := range due {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if d.deliver(ctx, n) {
			delivered++
		}
	}
	return delivered, nil
}

func (d *Dispatcher) deliver(ctx context.Context, n *store.Notification) bool {
	var event Event
	if err := json.Unmarshal(n.Payload, &event); err != nil {
		event = Event{ID: n.ID, Type: n.EventType, Status: n.Status, Summary: n.Summary, OccurredAt: n.CreatedAt}
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = n.CreatedAt
	}

	var failures []string
	for _, sink := range d.notifiers {
		if err := sink.Notify(ctx, event); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", sink.Name(), err))
		}
	}
	if len(failures) == 0 {
		if err := d.store.MarkNotificationDelivered(ctx, n.ID); err != nil {
			d.logger.Warn("mark notification delivered failed", logging.String("notification_id", n.ID), logging.Error(err))
			return false
		}
		d.logger.Debug("notification delivered",
			logging.String("notification_id", n.ID),
			logging.String("event_type", n.EventType),
		)
		return true
	}

	reason := strings.Join(failures, "; ")
	attempts := n.Attempts + 1
	next := d.now().Add(retryDelay(d.interval, attempts))
	if err := d.store.MarkNotificationFailed(ctx, n.ID, reason, next); err != nil {
		d.logger.Warn("mark notification failed failed", logging.String("notification_id", n.ID), logging.Error(err))
		return false
	}
	if attempts >= d.maxAttempts {
		logging.ErrorWithContext(d.logger, "notification abandoned", "notification_abandoned",
			logging.String("notification_id", n.ID),
			logging.String("event_type", n.EventType),
			logging.Int("attempts", attempts),
			logging.String("reason", reason),
			logging.String(logging.FieldImpact, "sinks will not receive this event"),
			logging.String(logging.FieldErrorHint, "check sink availability and credentials"),
		)
		d.events.Publish(events.TypeNotificationFailed, map[string]any{
			"notification_id": n.ID,
			"event_type":      n.EventType,
			"subject_id":      n.SubjectID,
			"attempts":        attempts,
			"error":           reason,
		})
		return false
	}
	logging.WarnWithContext(d.logger, "notification delivery failed", "notification_delivery_failed",
		logging.String("notification_id", n.ID),
		logging.Int("attempts", attempts),
		logging.Time("next_attempt_at", next),
		logging.String("reason", reason),
		logging.String(logging.FieldImpact, "delivery will be retried"),
	)
	return false
}

// Test sends a test event straight to every sink, bypassing the outbox.
func (d *Dispatcher) Test(ctx context.Context) error {
	if !d.Enabled() {
		return errors.New("no notification sinks configured")
	}
	event := Event{ID: "test-" + d.now().Format("20060102T150405"), Type: EventTest, Status: "ok", Summary: "Notification system test", OccurredAt: d.now()}
	var errs []error
	for _, sink := range d.notifiers {
		if err := sink.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close releases sink resources.
func (d *Dispatcher) Close() error {
	var errs []error
	for _, sink := range d.notifiers {
		if closer, ok := sink.(io.Closer); ok {
			errs = append(errs, closer.Close())
		}
	}
	return errors.Join(errs...)
}

func retryDelay(base time.Duration, attempts int) time.Duration {
	delay := base
	for i := 1; i < attempts && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}
