package lineage

import (
	"fmt"
	"strings"

	"montage/internal/services"
)

// StaleDependencyError reports that a stage input is stale or otherwise
// unusable. Schedulers treat it as "not ready", not as a failure.
type StaleDependencyError struct {
	JobID     string
	Stage     string
	Artifacts []string
}

func (e *StaleDependencyError) Error() string {
	return fmt.Sprintf("stage %s of job %s has stale dependencies: %s", e.Stage, e.JobID, strings.Join(e.Artifacts, ", "))
}

// ErrorKind classifies the error for API responses.
func (e *StaleDependencyError) ErrorKind() string { return "stale" }

func (e *StaleDependencyError) Unwrap() error { return services.ErrStale }
