// Package workflow owns the lifecycle of a single job instance.
//
// The Machine advances a job stage by stage in registry order, halts at
// approval gates, records stage output as versioned artifacts and supports
// rollback, cancellation and forking. Every write is a compare-and-set on the
// job's version inside one store transaction; conflicting writers re-read and
// retry instead of blocking. Observers (the batch coordinator and the
// notification outbox) are told about dispatches and terminal transitions
// after the transaction commits.
//
// Scheduler-facing entry points (BeginStage, ParkStage, CompleteStage,
// FailStage, Requeue, SettleFromCheckpoint) are kept separate from the
// review surface (Advance, Approve, Reject, Rollback, Cancel, Fork).
package workflow
