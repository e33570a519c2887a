package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const notificationColumns = "id, event_type, subject_id, status, summary, payload_json, attempts, next_attempt_at, delivered_at, last_error, created_at"

// EnqueueNotification stores an event for at-least-once delivery.
func (q queries) EnqueueNotification(ctx context.Context, n *Notification) error {
	ts := now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = ts
	}
	if n.NextAttemptAt.IsZero() {
		n.NextAttemptAt = ts
	}
	if _, err := q.exec(ctx,
		`INSERT INTO notification_outbox (`+notificationColumns+`) VALUES (`+makePlaceholders(11)+`)
         ON CONFLICT (id) DO NOTHING`,
		n.ID, n.EventType, n.SubjectID, n.Status, n.Summary, rawJSON(n.Payload), n.Attempts,
		formatTime(n.NextAttemptAt), nullableTime(n.DeliveredAt), nullableString(n.LastError), formatTime(n.CreatedAt),
	); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

// DueNotifications returns undelivered events whose next attempt is due.
func (q queries) DueNotifications(ctx context.Context, at time.Time, maxAttempts, limit int) ([]*Notification, error) {
	rows, err := q.db.QueryContext(ensureContext(ctx),
		`SELECT `+notificationColumns+` FROM notification_outbox
         WHERE delivered_at IS NULL AND next_attempt_at <= ? AND attempts < ?
         ORDER BY created_at, id LIMIT ?`,
		formatTime(at), maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("due notifications: %w", err)
	}
	defer rows.Close()
	var out []*Notification
	for rows.Next() {
		var (
			n           Notification
			payload     string
			nextAttempt sql.NullString
			deliveredAt sql.NullString
			lastError   sql.NullString
			createdAt   sql.NullString
		)
		if err := rows.Scan(&n.ID, &n.EventType, &n.SubjectID, &n.Status, &n.Summary, &payload, &n.Attempts,
			&nextAttempt, &deliveredAt, &lastError, &createdAt); err != nil {
			return nil, err
		}
		n.Payload = []byte(payload)
		n.NextAttemptAt = parseTime(nextAttempt)
		n.DeliveredAt = parseTimePtr(deliveredAt)
		n.LastError = lastError.String
		n.CreatedAt = parseTime(createdAt)
		out = append(out, &n)
	}
	return out, rows.Err()
}

// MarkNotificationDelivered records a successful delivery.
func (q queries) MarkNotificationDelivered(ctx context.Context, id string) error {
	if _, err := q.exec(ctx,
		`UPDATE notification_outbox SET delivered_at = ?, attempts = attempts + 1, last_error = NULL WHERE id = ?`,
		formatTime(now()), id); err != nil {
		return fmt.Errorf("mark notification delivered: %w", err)
	}
	return nil
}

// MarkNotificationFailed records a failed attempt and schedules the next one.
func (q queries) MarkNotificationFailed(ctx context.Context, id, lastError string, next time.Time) error {
	if _, err := q.exec(ctx,
		`UPDATE notification_outbox SET attempts = attempts + 1, last_error = ?, next_attempt_at = ? WHERE id = ?`,
		lastError, formatTime(next), id); err != nil {
		return fmt.Errorf("mark notification failed: %w", err)
	}
	return nil
}

// PendingNotificationCount returns how many events await delivery.
func (q queries) PendingNotificationCount(ctx context.Context) (int, error) {
	var count int
	if err := q.db.QueryRowContext(ensureContext(ctx),
		`SELECT COUNT(*) FROM notification_outbox WHERE delivered_at IS NULL`).Scan(&count); err != nil {
		return 0, fmt.Errorf("pending notifications: %w", err)
	}
	return count, nil
}
