package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"montage/internal/config"
	"montage/internal/events"
	"montage/internal/logging"
	"montage/internal/store"
)

var eventNamespace = uuid.MustParse("6f1d3f0c-2b7e-4f43-9a59-0c4b1f6d8e21")

// Outbox records terminal transitions for later delivery. It observes the
// workflow machine and the batch coordinator.
type Outbox struct {
	store  *store.Store
	cfg    config.Notifications
	logger *slog.Logger
}

// NewOutbox returns an outbox writing to st.
func NewOutbox(cfg *config.Config, st *store.Store, logger *slog.Logger) *Outbox {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Outbox{
		store:  st,
		cfg:    cfg.Notifications,
		logger: logging.NewComponentLogger(logger, "notifications"),
	}
}

// JobStarted is a no-op.
func (o *Outbox) JobStarted(context.Context, *store.Job) {}

// JobTerminal enqueues a job.terminal event.
func (o *Outbox) JobTerminal(ctx context.Context, job *store.Job) {
	if !o.cfg.Jobs || job == nil {
		return
	}
	summary := fmt.Sprintf("%s job %s %s", job.JobType, job.ID, job.Status)
	if job.ErrorMessage != "" {
		summary += ": " + job.ErrorMessage
	}
	detail := map[string]any{
		"job_type": job.JobType,
		"stage":    job.CurrentStage,
	}
	if job.FailedStage != "" {
		detail["failed_stage"] = job.FailedStage
	}
	if job.ErrorMessage != "" {
		detail["error"] = job.ErrorMessage
	}
	o.enqueue(ctx, Event{
		ID:      eventID("job", job.ID, string(job.Status), job.Version),
		Type:    EventJobTerminal,
		JobID:   job.ID,
		BatchID: job.BatchID,
		Status:  string(job.Status),
		Summary: summary,
	}, job.ID, detail)
}

// BatchTerminal enqueues a batch.terminal event.
func (o *Outbox) BatchTerminal(ctx context.Context, batch *store.Batch) {
	if !o.cfg.Batches || batch == nil {
		return
	}
	name := batch.Name
	if name == "" {
		name = batch.ID
	}
	o.enqueue(ctx, Event{
		ID:      eventID("batch", batch.ID, string(batch.Status), batch.Version),
		Type:    EventBatchTerminal,
		BatchID: batch.ID,
		Status:  string(batch.Status),
		Summary: fmt.Sprintf("batch %s %s", name, batch.Status),
	}, batch.ID, map[string]any{"job_type": batch.JobType, "config_hash": batch.ConfigHash})
}

// WatchApprovals enqueues a job.awaiting_approval event for every job that
// enters review while ctx is live. Transitions published before the watch
// starts are not replayed.
func (o *Outbox) WatchApprovals(ctx context.Context, hub *events.Hub) {
	if !o.cfg.Approvals || hub == nil {
		return
	}
	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type != events.TypeJobTransition {
				continue
			}
			var transition struct {
				JobID   string `json:"job_id"`
				To      string `json:"to"`
				Stage   string `json:"stage"`
				BatchID string `json:"batch_id"`
			}
			if err := json.Unmarshal(ev.Data, &transition); err != nil {
				continue
			}
			if transition.To != string(store.JobAwaitingApproval) {
				continue
			}
			o.enqueue(ctx, Event{
				ID:      eventID("review", transition.JobID, transition.Stage, ev.ID),
				Type:    EventApprovalRequired,
				JobID:   transition.JobID,
				BatchID: transition.BatchID,
				Status:  transition.To,
				Summary: fmt.Sprintf("job %s stage %s awaits review", transition.JobID, transition.Stage),
			}, transition.JobID, map[string]any{"stage": transition.Stage})
		}
	}
}

func (o *Outbox) enqueue(ctx context.Context, event Event, subject string, detail map[string]any) {
	if len(detail) > 0 {
		if raw, err := json.Marshal(detail); err == nil {
			event.Detail = raw
		}
	}
	payload, err := json.Marshal(event)
	if err != nil {
		o.logger.Warn("encode notification failed", logging.Error(err))
		return
	}
	n := &store.Notification{
		ID:        event.ID,
		EventType: event.Type,
		SubjectID: subject,
		Status:    event.Status,
		Summary:   event.Summary,
		Payload:   payload,
	}
	if err := o.store.EnqueueNotification(context.WithoutCancel(ctx), n); err != nil {
		logging.WarnWithContext(o.logger, "notification enqueue failed", "notification_enqueue_failed",
			logging.String("event_type", event.Type),
			logging.String("subject_id", subject),
			logging.Error(err),
			logging.String(logging.FieldImpact, "event will not be delivered"),
		)
		return
	}
	o.logger.Debug("notification enqueued",
		logging.String("notification_id", event.ID),
		logging.String("event_type", event.Type),
		logging.String("subject_id", subject),
	)
}

// eventID derives a stable id so repeated observation of the same transition
// collapses into one outbox row.
func eventID(kind, subject, status string, version int64) string {
	return uuid.NewSHA1(eventNamespace, []byte(kind+":"+subject+":"+status+":"+strconv.FormatInt(version, 10))).String()
}
