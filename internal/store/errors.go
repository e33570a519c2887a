package store

import "errors"

var (
	// ErrVersionConflict is returned by compare-and-set updates when the row
	// changed since it was read.
	ErrVersionConflict = errors.New("version conflict")
	// ErrSchemaMismatch indicates the database schema version doesn't match the expected version.
	ErrSchemaMismatch = errors.New("schema version mismatch")
)
