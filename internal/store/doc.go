// Package store persists Montage jobs, artifacts, batches, checkpoints, and
// the notification outbox in SQLite.
//
// The Store manages database connections, schema initialization, and every
// query the engine issues. Writes that must land together run inside
// Store.InTx; the same query methods are available on both *Store and *Tx.
// Jobs and batches carry a monotonic version column and UpdateJob/UpdateBatch
// are compare-and-set writes that fail with ErrVersionConflict when another
// writer got there first; callers re-read and retry instead of locking.
//
// Lookups return (nil, nil) when a row does not exist. Callers translate that
// into the typed not-found error of their layer.
//
// Schema changes bump the version in schema.go; users clear the database to
// adopt the new schema.
package store
