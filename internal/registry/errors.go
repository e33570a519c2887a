package registry

import (
	"errors"
	"fmt"

	"montage/internal/services"
)

// ErrFrozen is returned when registering after the registry was frozen.
var ErrFrozen = errors.New("registry is frozen")

// InvalidGraphError reports a structurally invalid stage declaration.
type InvalidGraphError struct {
	JobType string
	Stage   string
	Reason  string
}

func (e *InvalidGraphError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("invalid stage graph for %q at stage %q: %s", e.JobType, e.Stage, e.Reason)
	}
	return fmt.Sprintf("invalid stage graph for %q: %s", e.JobType, e.Reason)
}

func (e *InvalidGraphError) ErrorKind() string { return "validation" }

func (e *InvalidGraphError) Unwrap() error { return services.ErrValidation }

// UnknownJobTypeError is returned for lookups of unregistered job types.
type UnknownJobTypeError struct {
	JobType string
}

func (e *UnknownJobTypeError) Error() string {
	return fmt.Sprintf("unknown job type %q", e.JobType)
}

func (e *UnknownJobTypeError) ErrorKind() string { return "not_found" }

func (e *UnknownJobTypeError) Unwrap() error { return services.ErrNotFound }

// UnknownStageError is returned for lookups of undeclared stages.
type UnknownStageError struct {
	JobType string
	Stage   string
}

func (e *UnknownStageError) Error() string {
	return fmt.Sprintf("job type %q has no stage %q", e.JobType, e.Stage)
}

func (e *UnknownStageError) ErrorKind() string { return "validation" }

func (e *UnknownStageError) Unwrap() error { return services.ErrValidation }
