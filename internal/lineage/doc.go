// Package lineage propagates staleness through the artifact dependency graph.
//
// Artifacts record their parents; the engine walks those edges forward
// (parent to child) breadth-first, marks every transitive dependent stale and
// appends one InvalidationEvent per walk. Stale artifacts are retained for
// audit and can only become usable again through explicit re-approval.
package lineage
