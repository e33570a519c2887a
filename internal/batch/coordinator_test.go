package batch_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"montage/internal/batch"
	"montage/internal/config"
	"montage/internal/generator"
	"montage/internal/registry"
	"montage/internal/store"
	"montage/internal/testsupport"
	"montage/internal/workflow"
)

type env struct {
	t       *testing.T
	cfg     *config.Config
	reg     *registry.Registry
	store   *store.Store
	machine *workflow.Machine
	batches *batch.Coordinator
	ended   []*store.Batch
}

func (e *env) BatchTerminal(_ context.Context, b *store.Batch) {
	e.ended = append(e.ended, b)
}

func newEnv(t *testing.T, opts ...testsupport.ConfigOption) *env {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	st := testsupport.MustOpenStore(t, cfg)
	reg := testsupport.NewRegistry(t, map[string][]registry.StageDefinition{
		"video": testsupport.Stages("script", "render:script"),
	})
	m := workflow.New(workflow.Options{Config: cfg, Store: st, Registry: reg})
	c := batch.New(batch.Options{Config: cfg, Store: st, Machine: m})
	e := &env{t: t, cfg: cfg, reg: reg, store: st, machine: m, batches: c}
	c.AddObserver(e)
	return e
}

func items(n int, requirements map[string]any) []json.RawMessage {
	out := make([]json.RawMessage, 0, n)
	for i := 1; i <= n; i++ {
		spec := map[string]any{"inputs": map[string]any{"episode": i}}
		if requirements != nil {
			spec["requirements"] = requirements
		}
		raw, _ := json.Marshal(spec)
		out = append(out, raw)
	}
	return out
}

func (e *env) createLocked(n int) (*store.Batch, []*store.BatchItem) {
	e.t.Helper()
	ctx := context.Background()
	b, _, err := e.batches.Create(ctx, batch.CreateRequest{
		Name:    "season one",
		JobType: "video",
		Config:  json.RawMessage(`{"voice":"v1","duration":30}`),
		Items:   items(n, map[string]any{"voice": "v1"}),
	})
	require.NoError(e.t, err)
	locked, err := e.batches.Lock(ctx, b.ID)
	require.NoError(e.t, err)
	require.Equal(e.t, store.BatchLocked, locked.Status)
	list, err := e.store.ListBatchItems(ctx, b.ID)
	require.NoError(e.t, err)
	return locked, list
}

// finish runs every remaining stage of a job, failing the stage named in
// failAt with a permanent collaborator error.
func (e *env) finish(jobID, failAt string) *store.Job {
	e.t.Helper()
	ctx := context.Background()
	for {
		job, err := e.machine.Get(ctx, jobID)
		require.NoError(e.t, err)
		if job.Status.Terminal() {
			return job
		}
		d, err := e.machine.BeginStage(ctx, jobID)
		require.NoError(e.t, err)
		if d.Stage.Name == failAt {
			_, err = e.machine.FailStage(ctx, jobID, d.Stage.Name, d.Attempt, generator.Permanent(d.Stage.Name, "unsupported voice"))
			require.NoError(e.t, err)
			continue
		}
		ids := make([]string, 0, len(d.Inputs))
		for _, in := range d.Inputs {
			ids = append(ids, in.ID)
		}
		_, err = e.machine.CompleteStage(ctx, jobID, d.Stage.Name, d.Attempt, workflow.StageResult{
			ContentRef: fmt.Sprintf("mem://%s/%s/%d", jobID, d.Stage.Name, d.Attempt),
			InputIDs:   ids,
		})
		require.NoError(e.t, err)
	}
}

func (e *env) batch(id string) *store.Batch {
	e.t.Helper()
	b, err := e.batches.Get(context.Background(), id)
	require.NoError(e.t, err)
	return b
}

func TestDraftItemsAreEditableUntilLock(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b, created, err := e.batches.Create(ctx, batch.CreateRequest{JobType: "video", Items: items(2, nil)})
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, store.BatchDraft, b.Status)

	added, err := e.batches.AddItem(ctx, b.ID, json.RawMessage(`{"inputs":{"episode":3}}`))
	require.NoError(t, err)
	assert.Equal(t, 3, added.Position)
	require.NoError(t, e.batches.RemoveItem(ctx, b.ID, created[0].ID))

	var notFound *batch.NotFoundError
	require.ErrorAs(t, e.batches.RemoveItem(ctx, b.ID, "missing"), &notFound)

	_, err = e.batches.Lock(ctx, b.ID)
	require.NoError(t, err)

	var invalid *batch.InvalidStateError
	_, err = e.batches.AddItem(ctx, b.ID, json.RawMessage(`{}`))
	require.ErrorAs(t, err, &invalid)
	require.ErrorAs(t, e.batches.RemoveItem(ctx, b.ID, added.ID), &invalid)
	_, err = e.batches.Lock(ctx, b.ID)
	require.ErrorAs(t, err, &invalid)
}

func TestCreateRejectsUnknownJobTypeAndBadSpecs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, _, err := e.batches.Create(ctx, batch.CreateRequest{JobType: "podcast"})
	require.Error(t, err)
	_, _, err = e.batches.Create(ctx, batch.CreateRequest{JobType: "video", Config: json.RawMessage(`[1,2]`)})
	require.Error(t, err)
	_, _, err = e.batches.Create(ctx, batch.CreateRequest{JobType: "video", Items: []json.RawMessage{json.RawMessage(`{"bogus":1}`)}})
	require.Error(t, err)
}

func TestLockRejectsIncompatibleItems(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	specs := []json.RawMessage{
		json.RawMessage(`{"inputs":{"episode":1},"requirements":{"format":"mp4","gpu":true}}`),
		json.RawMessage(`{"inputs":{"episode":2},"requirements":{"format":"webm"}}`),
	}
	b, _, err := e.batches.Create(ctx, batch.CreateRequest{
		JobType: "video",
		Config:  json.RawMessage(`{"format":"mp4"}`),
		Items:   specs,
	})
	require.NoError(t, err)

	_, err = e.batches.Lock(ctx, b.ID)
	var incompatible *batch.IncompatibleItemsError
	require.ErrorAs(t, err, &incompatible)
	require.Len(t, incompatible.Items, 1)
	assert.Equal(t, 2, incompatible.Items[0].Position)
	assert.Equal(t, "format", incompatible.Items[0].Key)

	assert.Equal(t, store.BatchDraft, e.batch(b.ID).Status)
	jobs, err := e.machine.List(ctx, store.JobFilter{BatchID: b.ID})
	require.NoError(t, err)
	assert.Empty(t, jobs, "a rejected lock creates no jobs")
}

func TestLockSnapshotsConfigIntoEveryJob(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b, list := e.createLocked(3)

	assert.NotEmpty(t, b.ConfigHash)
	assert.JSONEq(t, `{"duration":30,"voice":"v1"}`, string(b.LockedConfig))
	for _, item := range list {
		require.NotEmpty(t, item.JobID)
		job, err := e.machine.Get(ctx, item.JobID)
		require.NoError(t, err)
		assert.Equal(t, b.ID, job.BatchID)
		assert.JSONEq(t, string(b.LockedConfig), string(job.Config))
	}
	require.NoError(t, e.batches.VerifyConfig(ctx, b.ID))
}

func TestVerifyConfigDetectsDivergentJob(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b, list := e.createLocked(2)

	raw, err := sql.Open("sqlite", "file:"+e.store.Path())
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.ExecContext(ctx, `UPDATE batches SET locked_config = '{"voice":"v2"}' WHERE id = ?`, b.ID)
	require.Error(t, err, "locked config is immutable")
	_, err = raw.ExecContext(ctx, `UPDATE jobs SET config_json = '{"voice":"v2"}' WHERE id = ?`, list[1].JobID)
	require.NoError(t, err)

	var mismatch *batch.ConfigMismatchError
	require.ErrorAs(t, e.batches.VerifyConfig(ctx, b.ID), &mismatch)
	assert.Equal(t, list[1].JobID, mismatch.JobID)
}

func TestPartialBatchRetriesOnlyFailedItem(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b, list := e.createLocked(5)

	for i, item := range list {
		failAt := ""
		if i == 2 {
			failAt = "render"
		}
		e.finish(item.JobID, failAt)
	}

	report, err := e.batches.Status(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BatchPartial, report.Batch.Status)
	assert.Equal(t, 4, report.Counts[store.ItemCompleted])
	assert.Equal(t, []string{list[2].ID}, report.Failed)
	failed := report.Items[2]
	assert.Equal(t, "render", failed.Stage)
	assert.Equal(t, 1, failed.Attempt)
	assert.Contains(t, failed.LastError, "unsupported voice")
	require.Len(t, e.ended, 1)
	assert.Equal(t, store.BatchPartial, e.ended[0].Status)

	retry, err := e.batches.RetryFailed(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, retry.Requeued, 1)
	requeued := retry.Requeued[0]
	assert.Equal(t, list[2].ID, requeued.ItemID)
	assert.Equal(t, list[2].JobID, requeued.ForkedFrom)
	assert.Equal(t, "render", requeued.Stage)
	assert.Equal(t, store.BatchProcessing, e.batch(b.ID).Status)

	fork, err := e.machine.Get(ctx, requeued.JobID)
	require.NoError(t, err)
	assert.Equal(t, "render", fork.CurrentStage, "approved script is reused")

	for i, item := range list {
		if i == 2 {
			continue
		}
		current, err := e.store.BatchItemByJob(ctx, item.JobID)
		require.NoError(t, err)
		assert.Equal(t, store.ItemCompleted, current.Status, "sibling items are untouched")
	}

	e.finish(requeued.JobID, "")
	final := e.batch(b.ID)
	assert.Equal(t, store.BatchCompleted, final.Status)
	assert.NotNil(t, final.FinishedAt)
}

func TestReconcileRepairsItemsAfterLostProgress(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b, list := e.createLocked(2)

	// A machine without the coordinator attached stands in for a process
	// that stopped right after each job's terminal write.
	bare := &env{t: t, store: e.store, machine: workflow.New(workflow.Options{Config: e.cfg, Store: e.store, Registry: e.reg})}
	failed := bare.finish(list[0].JobID, "script")
	require.Equal(t, store.JobFailed, failed.Status)
	_, err := bare.machine.Cancel(ctx, list[1].JobID)
	require.NoError(t, err)

	stale, err := e.store.ListBatchItems(ctx, b.ID)
	require.NoError(t, err)
	for _, item := range stale {
		require.Equal(t, store.ItemPending, item.Status)
	}
	require.Equal(t, store.BatchLocked, e.batch(b.ID).Status)

	fresh := batch.New(batch.Options{Config: e.cfg, Store: e.store, Machine: e.machine})
	settled, err := fresh.ReconcileOpen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)

	report, err := fresh.Status(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BatchFailed, report.Batch.Status)
	assert.NotNil(t, report.Batch.FinishedAt)
	require.Len(t, report.Items, 2)
	assert.Equal(t, store.ItemFailed, report.Items[0].Status)
	assert.Contains(t, report.Items[0].LastError, "unsupported voice")
	assert.Equal(t, store.ItemSkipped, report.Items[1].Status)
	assert.Equal(t, []string{list[0].ID}, report.Failed)

	retry, err := fresh.RetryFailed(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, retry.Requeued, 1)
	assert.Equal(t, list[0].ID, retry.Requeued[0].ItemID)
	assert.Equal(t, list[0].JobID, retry.Requeued[0].ForkedFrom)
	assert.Equal(t, store.BatchProcessing, e.batch(b.ID).Status)
}

func TestStatusRepairsRunningItemWithoutSettling(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b, list := e.createLocked(2)

	bare := workflow.New(workflow.Options{Config: e.cfg, Store: e.store, Registry: e.reg})
	_, err := bare.BeginStage(ctx, list[0].JobID)
	require.NoError(t, err)

	report, err := e.batches.Status(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BatchProcessing, report.Batch.Status)
	assert.Equal(t, store.ItemRunning, report.Items[0].Status)
	assert.Equal(t, store.ItemPending, report.Items[1].Status)
	assert.Nil(t, report.Batch.FinishedAt)
}

func TestRetryStopsAtItemRetryLimit(t *testing.T) {
	e := newEnv(t, testsupport.WithMaxItemRetries(1))
	ctx := context.Background()
	b, list := e.createLocked(2)
	for _, item := range list {
		e.finish(item.JobID, "script")
	}
	assert.Equal(t, store.BatchFailed, e.batch(b.ID).Status)

	first, err := e.batches.RetryFailed(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, first.Requeued, 2)
	for _, retried := range first.Requeued {
		e.finish(retried.JobID, "script")
	}
	assert.Equal(t, store.BatchFailed, e.batch(b.ID).Status)

	second, err := e.batches.RetryFailed(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, second.Requeued)
	assert.ElementsMatch(t, []string{list[0].ID, list[1].ID}, second.Exhausted)
}

func TestPauseHoldsJobsAtStageBoundary(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b, list := e.createLocked(2)

	d, err := e.machine.BeginStage(ctx, list[0].JobID)
	require.NoError(t, err)
	assert.Equal(t, store.BatchProcessing, e.batch(b.ID).Status)

	paused, err := e.batches.Pause(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BatchPaused, paused.Status)

	// The running stage still completes.
	_, err = e.machine.CompleteStage(ctx, list[0].JobID, d.Stage.Name, d.Attempt, workflow.StageResult{ContentRef: "mem://script"})
	require.NoError(t, err)

	ready, err := e.store.ReadyJobs(ctx, timeNowPlus(), 10, nil)
	require.NoError(t, err)
	assert.Empty(t, ready)

	resumed, err := e.batches.Resume(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BatchProcessing, resumed.Status)
	ready, err = e.store.ReadyJobs(ctx, timeNowPlus(), 10, nil)
	require.NoError(t, err)
	assert.Len(t, ready, 2)
	job, err := e.machine.Get(ctx, list[0].JobID)
	require.NoError(t, err)
	assert.Equal(t, "render", job.CurrentStage)

	_, err = e.batches.Resume(ctx, b.ID)
	var invalid *batch.InvalidStateError
	require.ErrorAs(t, err, &invalid)
}

func TestCancelSkipsUnfinishedItems(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b, list := e.createLocked(3)
	e.finish(list[0].JobID, "")

	cancelled, err := e.batches.Cancel(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BatchCancelled, cancelled.Status)

	report, err := e.batches.Status(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BatchCancelled, report.Batch.Status)
	assert.Equal(t, store.ItemCompleted, report.Items[0].Status)
	assert.Equal(t, store.ItemSkipped, report.Items[1].Status)
	assert.Equal(t, store.JobCancelled, report.Items[2].JobStatus)

	_, err = e.batches.RetryFailed(ctx, b.ID)
	var invalid *batch.InvalidStateError
	require.ErrorAs(t, err, &invalid)
}

func timeNowPlus() time.Time { return time.Now().UTC().Add(time.Hour) }
