// Package daemon coordinates the long-running Montage process.
//
// It wires the engine, the stage scheduler, the notification dispatcher and
// the HTTP API into a single lifecycle with flock-based locking to prevent
// multiple instances from driving the same database.
//
// Keep orchestration logic here: workflow rules live in their respective
// packages while the daemon focuses on startup, shutdown, and high level
// coordination.
package daemon
