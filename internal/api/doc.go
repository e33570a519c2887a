// Package api serves the approval, batch and callback HTTP endpoints and
// defines the wire-format types they exchange.
//
// # Routes
//
// All routes live under /api. Every route except /api/health requires
// "Authorization: Bearer <token>" when paths.api_token is configured.
//
//	GET    /api/status                       scheduler and outbox state
//	GET    /api/registry                     job types and their stages
//	POST   /api/jobs                         submit a job
//	GET    /api/jobs                         list jobs (status, batch, type, limit)
//	GET    /api/jobs/{id}                    stages, artifacts, invalidations
//	POST   /api/jobs/{id}/{action}           advance, approve, reject, rollback,
//	                                         cancel, fork, invalidate
//	GET    /api/jobs/{id}/recovery           checkpointed state
//	POST   /api/batches                      create a draft batch
//	GET    /api/batches/{id}                 per-item status report
//	POST   /api/batches/{id}/{action}        lock, pause, resume, retry, cancel
//	POST   /api/callbacks/{token}            resume a parked stage
//	GET    /api/events                       server-sent transition events
//
// # Errors
//
// Failures are reported as {"error": "...", "kind": "..."} where kind is the
// error classification (validation, not_found, conflict, stale, ...). The
// HTTP status follows the kind.
//
// # Design Notes
//
// DTOs use snake_case JSON tags. Timestamps use RFC3339 with milliseconds.
// Stage inputs, configs and extras pass through as json.RawMessage.
package api
