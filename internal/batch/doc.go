// Package batch groups jobs under one locked configuration.
//
// A batch is assembled in draft, validated and snapshotted by Lock, and then
// processed by the regular scheduler: every item is an ordinary job tagged
// with the batch id. The coordinator observes job transitions to keep item
// and batch status current, and one item's failure never touches its
// siblings. RetryFailed forks failed items from their failed stage so
// approved upstream work is reused.
package batch
