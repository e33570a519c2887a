package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"montage/internal/config"
	"montage/internal/events"
	"montage/internal/fingerprint"
	"montage/internal/logging"
	"montage/internal/services"
	"montage/internal/store"
	"montage/internal/workflow"
)

const maxConflictRetries = 8

// errNoChange lets a mutation commit its other writes without touching the
// batch row.
var errNoChange = errors.New("batch unchanged")

// Observer is told when a batch reaches a terminal status.
type Observer interface {
	BatchTerminal(ctx context.Context, batch *store.Batch)
}

// Options wires a Coordinator.
type Options struct {
	Config  *config.Config
	Store   *store.Store
	Machine *workflow.Machine
	Events  events.Publisher
	Logger  *slog.Logger
}

// Coordinator manages batches. It registers itself as a job observer.
type Coordinator struct {
	cfg     *config.Config
	store   *store.Store
	machine *workflow.Machine
	events  events.Publisher
	logger  *slog.Logger

	mu        sync.RWMutex
	observers []Observer
}

// New constructs a coordinator and subscribes it to job transitions.
func New(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	publisher := opts.Events
	if publisher == nil {
		publisher = events.Nop{}
	}
	c := &Coordinator{
		cfg:     opts.Config,
		store:   opts.Store,
		machine: opts.Machine,
		events:  publisher,
		logger:  logging.NewComponentLogger(logger, "batch"),
	}
	if opts.Machine != nil {
		opts.Machine.AddObserver(c)
	}
	return c
}

// AddObserver registers a terminal-status observer.
func (c *Coordinator) AddObserver(o Observer) {
	c.mu.Lock()
	c.observers = append(c.observers, o)
	c.mu.Unlock()
}

// CreateRequest describes a new batch.
type CreateRequest struct {
	Name     string            `json:"name"`
	JobType  string            `json:"job_type"`
	Config   json.RawMessage   `json:"config"`
	Priority int               `json:"priority,omitempty"`
	Items    []json.RawMessage `json:"items"`
}

// Create stores a draft batch with its items.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (*store.Batch, []*store.BatchItem, error) {
	if strings.TrimSpace(req.JobType) == "" {
		return nil, nil, services.Wrap(services.ErrValidation, "batch", "create", "job_type is required", nil)
	}
	if _, err := c.machine.Registry().Stages(req.JobType); err != nil {
		return nil, nil, err
	}
	if _, err := decodeConfig(req.Config); err != nil {
		return nil, nil, err
	}
	cfg := req.Config
	if len(bytes.TrimSpace(cfg)) == 0 {
		cfg = json.RawMessage(`{}`)
	}
	specs := make([]json.RawMessage, 0, len(req.Items))
	for i, raw := range req.Items {
		spec, err := decodeSpec(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("item %d: %w", i+1, err)
		}
		encoded, err := encodeSpec(spec)
		if err != nil {
			return nil, nil, err
		}
		specs = append(specs, encoded)
	}

	batch := &store.Batch{
		ID:       uuid.NewString(),
		Name:     strings.TrimSpace(req.Name),
		JobType:  req.JobType,
		Status:   store.BatchDraft,
		Priority: req.Priority,
		Config:   cfg,
	}
	items := make([]*store.BatchItem, 0, len(specs))
	err := c.store.InTx(ctx, func(tx *store.Tx) error {
		items = items[:0]
		if err := tx.InsertBatch(ctx, batch); err != nil {
			return err
		}
		for i, spec := range specs {
			item := &store.BatchItem{
				ID:       uuid.NewString(),
				BatchID:  batch.ID,
				Position: i + 1,
				Spec:     spec,
				Status:   store.ItemPending,
			}
			if err := tx.InsertBatchItem(ctx, item); err != nil {
				return err
			}
			items = append(items, item)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	c.logger.Info("batch created",
		logging.String(logging.FieldEventType, "batch_created"),
		logging.String(logging.FieldBatchID, batch.ID),
		logging.String("job_type", batch.JobType),
		logging.Int("items", len(items)),
	)
	c.publish(batch, "")
	return batch, items, nil
}

// AddItem appends an item to a draft batch.
func (c *Coordinator) AddItem(ctx context.Context, batchID string, raw json.RawMessage) (*store.BatchItem, error) {
	spec, err := decodeSpec(raw)
	if err != nil {
		return nil, err
	}
	encoded, err := encodeSpec(spec)
	if err != nil {
		return nil, err
	}
	var item *store.BatchItem
	err = c.store.InTx(ctx, func(tx *store.Tx) error {
		batch, err := c.requireBatch(ctx, tx, batchID)
		if err != nil {
			return err
		}
		if batch.Status != store.BatchDraft {
			return &InvalidStateError{BatchID: batchID, Operation: "add items to", Status: batch.Status}
		}
		position, err := tx.NextItemPosition(ctx, batchID)
		if err != nil {
			return err
		}
		item = &store.BatchItem{
			ID:       uuid.NewString(),
			BatchID:  batchID,
			Position: position,
			Spec:     encoded,
			Status:   store.ItemPending,
		}
		return tx.InsertBatchItem(ctx, item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// RemoveItem deletes an item from a draft batch.
func (c *Coordinator) RemoveItem(ctx context.Context, batchID, itemID string) error {
	return c.store.InTx(ctx, func(tx *store.Tx) error {
		batch, err := c.requireBatch(ctx, tx, batchID)
		if err != nil {
			return err
		}
		if batch.Status != store.BatchDraft {
			return &InvalidStateError{BatchID: batchID, Operation: "remove items from", Status: batch.Status}
		}
		removed, err := tx.DeleteBatchItem(ctx, batchID, itemID)
		if err != nil {
			return err
		}
		if !removed {
			return &NotFoundError{BatchID: batchID, ItemID: itemID}
		}
		return nil
	})
}

// Lock validates every item against the batch configuration, snapshots the
// configuration and creates one job per item. The snapshot never changes
// afterwards.
func (c *Coordinator) Lock(ctx context.Context, batchID string) (*store.Batch, error) {
	var jobs []*store.Job
	batch, prev, err := c.mutate(ctx, batchID, func(tx *store.Tx, batch *store.Batch) error {
		jobs = jobs[:0]
		if batch.Status != store.BatchDraft {
			return &InvalidStateError{BatchID: batchID, Operation: "lock", Status: batch.Status}
		}
		items, err := tx.ListBatchItems(ctx, batchID)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return services.Wrap(services.ErrValidation, "batch", "lock", "batch has no items", nil)
		}
		cfg, err := decodeConfig(batch.Config)
		if err != nil {
			return err
		}
		var problems []Incompatibility
		specs := make([]ItemSpec, len(items))
		for i, item := range items {
			spec, err := decodeSpec(item.Spec)
			if err != nil {
				return err
			}
			specs[i] = spec
			mismatched, err := incompatibilities(cfg, spec)
			if err != nil {
				return err
			}
			for _, key := range mismatched {
				problems = append(problems, Incompatibility{
					ItemID:   item.ID,
					Position: item.Position,
					Key:      key,
					Reason:   fmt.Sprintf("batch sets %s, item requires %s", describe(cfg[key]), describe(spec.Requirements[key])),
				})
			}
		}
		if len(problems) > 0 {
			return &IncompatibleItemsError{BatchID: batchID, Items: problems}
		}

		snapshot, err := fingerprint.Canonical(batch.Config)
		if err != nil {
			return services.Wrap(services.ErrValidation, "batch", "lock", "invalid batch config", err)
		}
		now := time.Now().UTC()
		batch.LockedConfig = snapshot
		batch.ConfigHash = fingerprint.Config(snapshot)
		batch.LockedAt = &now
		batch.Status = store.BatchLocked

		for i, item := range items {
			job, err := c.machine.SubmitTx(ctx, tx, workflow.SubmitRequest{
				JobType:  batch.JobType,
				Inputs:   specs[i].Inputs,
				Config:   snapshot,
				Priority: batch.Priority,
				BatchID:  batch.ID,
			})
			if err != nil {
				return fmt.Errorf("item %d: %w", item.Position, err)
			}
			item.JobID = job.ID
			item.Status = store.ItemPending
			if err := tx.UpdateBatchItem(ctx, item); err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		c.machine.Announce(job)
	}
	c.logger.Info("batch locked",
		logging.String(logging.FieldEventType, "batch_locked"),
		logging.String(logging.FieldBatchID, batch.ID),
		logging.String("config_hash", batch.ConfigHash),
		logging.Int("jobs", len(jobs)),
	)
	c.publish(batch, prev)
	return batch, nil
}

// Get returns a batch.
func (c *Coordinator) Get(ctx context.Context, batchID string) (*store.Batch, error) {
	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, &NotFoundError{BatchID: batchID}
	}
	return batch, nil
}

// List returns batches newest first.
func (c *Coordinator) List(ctx context.Context, limit int) ([]*store.Batch, error) {
	return c.store.ListBatches(ctx, limit)
}

func (c *Coordinator) requireBatch(ctx context.Context, tx *store.Tx, batchID string) (*store.Batch, error) {
	batch, err := tx.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, &NotFoundError{BatchID: batchID}
	}
	return batch, nil
}

// mutate applies fn to a fresh copy of the batch and writes it with a
// compare-and-set, retrying on version conflicts. It returns the batch and
// its status before the change.
func (c *Coordinator) mutate(ctx context.Context, batchID string, fn func(tx *store.Tx, batch *store.Batch) error) (*store.Batch, store.BatchStatus, error) {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		var (
			batch *store.Batch
			prev  store.BatchStatus
		)
		err := c.store.InTx(ctx, func(tx *store.Tx) error {
			var err error
			batch, err = c.requireBatch(ctx, tx, batchID)
			if err != nil {
				return err
			}
			prev = batch.Status
			if err := fn(tx, batch); err != nil {
				if errors.Is(err, errNoChange) {
					return nil
				}
				return err
			}
			return tx.UpdateBatch(ctx, batch)
		})
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		return batch, prev, nil
	}
	return nil, "", fmt.Errorf("batch %s: %w", batchID, store.ErrVersionConflict)
}

// publish emits a batch transition and notifies observers of terminal
// statuses.
func (c *Coordinator) publish(batch *store.Batch, prev store.BatchStatus) {
	if prev == batch.Status {
		return
	}
	c.events.Publish(events.TypeBatchTransition, map[string]any{
		"batch_id": batch.ID,
		"from":     prev,
		"to":       batch.Status,
	})
	if prev != "" {
		c.logger.Info("batch transition",
			logging.String(logging.FieldEventType, "batch_transition"),
			logging.String(logging.FieldBatchID, batch.ID),
			logging.String("from", string(prev)),
			logging.String("to", string(batch.Status)),
		)
	}
	if !batch.Status.Terminal() || prev.Terminal() {
		return
	}
	c.mu.RLock()
	observers := append([]Observer(nil), c.observers...)
	c.mu.RUnlock()
	for _, o := range observers {
		o.BatchTerminal(context.Background(), batch)
	}
}
