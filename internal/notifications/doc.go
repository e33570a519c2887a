// Package notifications delivers terminal job and batch transitions to
// external sinks.
//
// Transitions are first written to a durable outbox in the job database; a
// dispatcher then delivers each event to every configured sink (ntfy, an
// HMAC-signed webhook, a Redis stream) and retries until all of them accept
// it. Delivery is at-least-once: consumers dedupe by event id.
package notifications
