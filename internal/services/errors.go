package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTransient     = errors.New("transient failure")
	ErrPermanent     = errors.New("permanent failure")
	ErrStale         = errors.New("stale dependency")
	ErrConflict      = errors.New("conflict")
)

// Wrap builds an error message that includes component context while tagging it with
// the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Disposition is what the scheduler does with a failed stage attempt.
type Disposition string

const (
	DispositionRetry   Disposition = "retry"
	DispositionBlocked Disposition = "blocked"
	DispositionFail    Disposition = "fail"
)

// FailureDisposition maps a stage error to the action the scheduler should take.
// Unclassified errors are treated as transient.
func FailureDisposition(err error) Disposition {
	switch {
	case err == nil:
		return DispositionFail
	case errors.Is(err, ErrStale):
		return DispositionBlocked
	case errors.Is(err, ErrValidation), errors.Is(err, ErrConfiguration),
		errors.Is(err, ErrNotFound), errors.Is(err, ErrPermanent):
		return DispositionFail
	default:
		return DispositionRetry
	}
}

// ErrorKind identifies the marker an error maps to, for API status codes and log fields.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStale):
		return "stale"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrPermanent):
		return "permanent"
	default:
		return "transient"
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}

// Details returns the error text without the leading marker, suitable for
// user-facing failure messages.
func Details(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for _, marker := range []error{ErrValidation, ErrConfiguration, ErrNotFound, ErrTransient, ErrPermanent, ErrStale, ErrConflict} {
		if trimmed, ok := strings.CutPrefix(msg, marker.Error()+": "); ok {
			return trimmed
		}
	}
	return msg
}
