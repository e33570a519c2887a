// Package services defines shared utilities consumed by the workflow engine,
// the scheduler, and external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, batch IDs, stage names, and
//     correlation identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper that translate failures
//     into a consistent disposition (retry, block, fail).
//
// Use these helpers when wiring new components so operational behaviour (error
// handling, observability, retries) stays uniform across the engine.
package services
