package notifications

import (
	"context"
	"encoding/json"
	"time"
)

// Event types written to the outbox.
const (
	EventJobTerminal      = "job.terminal"
	EventBatchTerminal    = "batch.terminal"
	EventApprovalRequired = "job.awaiting_approval"
	EventTest             = "test"
)

// Event is one notification as delivered to sinks.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	JobID      string          `json:"job_id,omitempty"`
	BatchID    string          `json:"batch_id,omitempty"`
	Status     string          `json:"status"`
	Summary    string          `json:"summary"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Notifier delivers events to one sink.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, event Event) error
}
