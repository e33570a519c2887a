package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"montage/internal/config"
	"montage/internal/registry"
	"montage/internal/store"
	"montage/internal/testsupport"
	"montage/internal/workflow"
)

type harness struct {
	t        *testing.T
	cfg      *config.Config
	store    *store.Store
	machine  *workflow.Machine
	observer *recordingObserver
	aborter  *recordingAborter
}

func newHarness(t *testing.T, stages []registry.StageDefinition, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	st := testsupport.MustOpenStore(t, cfg)
	reg := testsupport.NewRegistry(t, map[string][]registry.StageDefinition{"video": stages})
	m := workflow.New(workflow.Options{Config: cfg, Store: st, Registry: reg})
	obs := &recordingObserver{}
	ab := &recordingAborter{}
	m.AddObserver(obs)
	m.SetAborter(ab)
	return &harness{t: t, cfg: cfg, store: st, machine: m, observer: obs, aborter: ab}
}

func (h *harness) submit() *store.Job {
	h.t.Helper()
	job, err := h.machine.Submit(context.Background(), workflow.SubmitRequest{
		JobType: "video",
		Inputs:  []byte(`{"topic":"tides"}`),
	})
	if err != nil {
		h.t.Fatalf("Submit: %v", err)
	}
	return job
}

// run dispatches the current stage and completes it with a content ref
// derived from the stage and attempt.
func (h *harness) run(jobID string) (*workflow.Dispatch, *workflow.CompleteOutcome) {
	h.t.Helper()
	ctx := context.Background()
	dispatch, err := h.machine.BeginStage(ctx, jobID)
	if err != nil {
		h.t.Fatalf("BeginStage: %v", err)
	}
	outcome, err := h.machine.CompleteStage(ctx, jobID, dispatch.Stage.Name, dispatch.Attempt, resultFor(dispatch))
	if err != nil {
		h.t.Fatalf("CompleteStage: %v", err)
	}
	return dispatch, outcome
}

func resultFor(d *workflow.Dispatch) workflow.StageResult {
	ids := make([]string, 0, len(d.Inputs))
	for _, in := range d.Inputs {
		ids = append(ids, in.ID)
	}
	return workflow.StageResult{
		ContentRef: fmt.Sprintf("mem://%s/%d", d.Stage.Name, d.Attempt),
		InputIDs:   ids,
	}
}

func (h *harness) job(id string) *store.Job {
	h.t.Helper()
	job, err := h.machine.Get(context.Background(), id)
	if err != nil {
		h.t.Fatalf("Get: %v", err)
	}
	return job
}

func (h *harness) expectState(id, stage string, status store.JobStatus) *store.Job {
	h.t.Helper()
	job := h.job(id)
	if job.CurrentStage != stage || job.Status != status {
		h.t.Fatalf("expected %s/%s, got %s/%s (%s)", stage, status, job.CurrentStage, job.Status, job.ErrorMessage)
	}
	return job
}

func (h *harness) artifacts(jobID, stage string) []*store.Artifact {
	h.t.Helper()
	out, err := h.store.StageArtifacts(context.Background(), jobID, stage)
	if err != nil {
		h.t.Fatalf("StageArtifacts: %v", err)
	}
	return out
}

func (h *harness) latest(jobID, stage string) *store.Artifact {
	h.t.Helper()
	a, err := h.store.LatestArtifact(context.Background(), jobID, stage)
	if err != nil || a == nil {
		h.t.Fatalf("LatestArtifact %s: %v %v", stage, a, err)
	}
	return a
}

type recordingObserver struct {
	mu       sync.Mutex
	started  []string
	terminal []store.JobStatus
}

func (o *recordingObserver) JobStarted(_ context.Context, job *store.Job) {
	o.mu.Lock()
	o.started = append(o.started, job.CurrentStage)
	o.mu.Unlock()
}

func (o *recordingObserver) JobTerminal(_ context.Context, job *store.Job) {
	o.mu.Lock()
	o.terminal = append(o.terminal, job.Status)
	o.mu.Unlock()
}

type recordingAborter struct {
	mu    sync.Mutex
	calls []string
}

func (a *recordingAborter) AbortJob(_ context.Context, jobID, _ string) {
	a.mu.Lock()
	a.calls = append(a.calls, jobID)
	a.mu.Unlock()
}

func expectErrorAs[T error](t *testing.T, err error) T {
	t.Helper()
	var target T
	if !errors.As(err, &target) {
		t.Fatalf("expected %T, got %v", target, err)
	}
	return target
}
