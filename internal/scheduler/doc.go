// Package scheduler dispatches ready jobs to the generation collaborator.
//
// A single loop wakes on a poll interval (or when work settles), reclaims
// stalled jobs, reaps jobs cancelled elsewhere, polls parked asynchronous
// calls and then fills free concurrency slots with ready jobs in priority
// order. Each dispatch runs in its own goroutine bounded by a weighted
// semaphore; a parked call keeps its slot until its result arrives by poll
// or by Resume. All state changes go through workflow.Machine.
package scheduler
