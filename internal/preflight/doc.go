// Package preflight provides readiness checks for the directories and
// external services montage depends on.
//
// The daemon runs RunAll at startup and logs every failed check; the CLI
// "montage config validate --check" command prints the same results.
//
// Optional services are only checked when configured.
package preflight
