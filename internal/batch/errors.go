package batch

import (
	"fmt"
	"strings"

	"montage/internal/services"
	"montage/internal/store"
)

// NotFoundError is returned for unknown batches or items.
type NotFoundError struct {
	BatchID string
	ItemID  string
}

func (e *NotFoundError) Error() string {
	if e.ItemID != "" {
		return fmt.Sprintf("batch %s has no item %s", e.BatchID, e.ItemID)
	}
	return fmt.Sprintf("batch %s not found", e.BatchID)
}

// ErrorKind implements the error classifier used by the API.
func (e *NotFoundError) ErrorKind() string { return "not_found" }

func (e *NotFoundError) Unwrap() error { return services.ErrNotFound }

// InvalidStateError is returned when an operation is not allowed in the
// batch's current status.
type InvalidStateError struct {
	BatchID   string
	Operation string
	Status    store.BatchStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s batch %s in status %s", e.Operation, e.BatchID, e.Status)
}

// ErrorKind implements the error classifier used by the API.
func (e *InvalidStateError) ErrorKind() string { return "validation" }

func (e *InvalidStateError) Unwrap() error { return services.ErrValidation }

// Incompatibility describes one item whose requirements disagree with the
// batch configuration.
type Incompatibility struct {
	ItemID   string `json:"item_id"`
	Position int    `json:"position"`
	Key      string `json:"key"`
	Reason   string `json:"reason"`
}

// IncompatibleItemsError is returned by Lock when items do not share the
// batch configuration.
type IncompatibleItemsError struct {
	BatchID string
	Items   []Incompatibility
}

func (e *IncompatibleItemsError) Error() string {
	parts := make([]string, 0, len(e.Items))
	for _, item := range e.Items {
		parts = append(parts, fmt.Sprintf("item %d %s: %s", item.Position, item.Key, item.Reason))
	}
	return fmt.Sprintf("batch %s has incompatible items: %s", e.BatchID, strings.Join(parts, "; "))
}

// ErrorKind implements the error classifier used by the API.
func (e *IncompatibleItemsError) ErrorKind() string { return "validation" }

func (e *IncompatibleItemsError) Unwrap() error { return services.ErrValidation }

// ConfigMismatchError is returned by VerifyConfig when the locked snapshot
// no longer matches its hash or a job carries a different configuration.
type ConfigMismatchError struct {
	BatchID string
	JobID   string
	Want    string
	Got     string
}

func (e *ConfigMismatchError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("batch %s job %s config hash %s does not match locked %s", e.BatchID, e.JobID, e.Got, e.Want)
	}
	return fmt.Sprintf("batch %s locked config hash %s does not match recorded %s", e.BatchID, e.Got, e.Want)
}

// ErrorKind implements the error classifier used by the API.
func (e *ConfigMismatchError) ErrorKind() string { return "conflict" }

func (e *ConfigMismatchError) Unwrap() error { return services.ErrConflict }
