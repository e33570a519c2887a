package store_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"montage/internal/store"
	"montage/internal/testsupport"
)

func newJob(t *testing.T, st *store.Store, id string, priority int) *store.Job {
	t.Helper()
	job := &store.Job{
		ID:           id,
		JobType:      "video",
		Status:       store.JobPending,
		CurrentStage: "script",
		Priority:     priority,
		Fingerprint:  "fp-" + id,
		Inputs:       json.RawMessage(`{"topic":"cats"}`),
	}
	if err := st.InsertJob(context.Background(), job); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	return job
}

func TestOpenPathReopensExistingDatabase(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	newJob(t, st, "job-1", 0)

	reopened, err := store.OpenPath(filepath.Clean(st.Path()))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	job, err := reopened.GetJob(context.Background(), "job-1")
	if err != nil || job == nil {
		t.Fatalf("expected job to survive reopen, got %v %v", job, err)
	}
}

func TestUpdateJobCompareAndSet(t *testing.T) {
	ctx := context.Background()
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	newJob(t, st, "job-1", 0)

	first, err := st.GetJob(ctx, "job-1")
	if err != nil || first == nil {
		t.Fatalf("GetJob: %v %v", first, err)
	}
	second, _ := st.GetJob(ctx, "job-1")

	first.Status = store.JobStageRunning
	if err := st.UpdateJob(ctx, first); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if first.Version != 2 {
		t.Fatalf("expected version 2, got %d", first.Version)
	}
	second.Status = store.JobCancelled
	if err := st.UpdateJob(ctx, second); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	reloaded, _ := st.GetJob(ctx, "job-1")
	if reloaded.Status != store.JobStageRunning {
		t.Fatalf("expected losing write to be discarded, got %s", reloaded.Status)
	}
}

func TestGetJobMissingReturnsNil(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	job, err := st.GetJob(context.Background(), "absent")
	if err != nil || job != nil {
		t.Fatalf("expected nil, nil; got %v %v", job, err)
	}
}

func TestReadyJobsOrderingAndBackoff(t *testing.T) {
	ctx := context.Background()
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	newJob(t, st, "low-old", 0)
	time.Sleep(2 * time.Millisecond)
	newJob(t, st, "high", 5)
	time.Sleep(2 * time.Millisecond)
	newJob(t, st, "low-new", 0)
	delayed := newJob(t, st, "delayed", 9)
	future := time.Now().Add(time.Hour)
	delayed.NextRunAt = &future
	if err := st.UpdateJob(ctx, delayed); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	jobs, err := st.ReadyJobs(ctx, time.Now(), 0, nil)
	if err != nil {
		t.Fatalf("ReadyJobs: %v", err)
	}
	var ids []string
	for _, job := range jobs {
		ids = append(ids, job.ID)
	}
	want := []string{"high", "low-old", "low-new"}
	if len(ids) != len(want) {
		t.Fatalf("ReadyJobs = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ReadyJobs = %v, want %v", ids, want)
		}
	}

	excluded, err := st.ReadyJobs(ctx, time.Now(), 1, []string{"high"})
	if err != nil || len(excluded) != 1 || excluded[0].ID != "low-old" {
		t.Fatalf("expected exclusion to skip high, got %v %v", excluded, err)
	}
}

func TestReadyJobsSkipsPausedBatches(t *testing.T) {
	ctx := context.Background()
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	batch := &store.Batch{ID: "b1", JobType: "video", Status: store.BatchPaused, Config: json.RawMessage(`{}`)}
	if err := st.InsertBatch(ctx, batch); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	job := &store.Job{ID: "j1", JobType: "video", Status: store.JobPending, CurrentStage: "script", Fingerprint: "f", BatchID: "b1"}
	if err := st.InsertJob(ctx, job); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	jobs, _ := st.ReadyJobs(ctx, time.Now(), 0, nil)
	if len(jobs) != 0 {
		t.Fatalf("expected paused batch jobs to be held, got %d", len(jobs))
	}
	batch.Status = store.BatchProcessing
	if err := st.UpdateBatch(ctx, batch); err != nil {
		t.Fatalf("UpdateBatch: %v", err)
	}
	jobs, _ = st.ReadyJobs(ctx, time.Now(), 0, nil)
	if len(jobs) != 1 {
		t.Fatalf("expected processing batch job to be ready, got %d", len(jobs))
	}
}

func TestCreateArtifactVersionsAndIdempotency(t *testing.T) {
	ctx := context.Background()
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	newJob(t, st, "job-1", 0)

	var first, retry, second *store.Artifact
	err := st.InTx(ctx, func(tx *store.Tx) error {
		var err error
		first, _, err = tx.CreateArtifact(ctx, store.NewArtifact{JobID: "job-1", StageName: "script", ContentRef: "s3://a", Attempt: 1, IdempotencyKey: "fp:script:1"})
		if err != nil {
			return err
		}
		var created bool
		retry, created, err = tx.CreateArtifact(ctx, store.NewArtifact{JobID: "job-1", StageName: "script", ContentRef: "s3://dup", Attempt: 1, IdempotencyKey: "fp:script:1"})
		if err != nil {
			return err
		}
		if created {
			t.Error("expected idempotent create to return existing artifact")
		}
		second, _, err = tx.CreateArtifact(ctx, store.NewArtifact{JobID: "job-1", StageName: "script", ContentRef: "s3://b", Attempt: 2, IdempotencyKey: "fp:script:2", ParentIDs: nil})
		return err
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
	if retry.ID != first.ID || retry.ContentRef != "s3://a" {
		t.Fatalf("expected retry to resolve to first artifact, got %+v", retry)
	}
	if first.Version != 1 || second.Version != 2 {
		t.Fatalf("unexpected versions %d/%d", first.Version, second.Version)
	}
	latest, err := st.LatestArtifact(ctx, "job-1", "script")
	if err != nil || latest.ID != second.ID {
		t.Fatalf("LatestArtifact = %v %v", latest, err)
	}
}

func TestApproveArtifactIsConditional(t *testing.T) {
	ctx := context.Background()
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	newJob(t, st, "job-1", 0)
	var artifact *store.Artifact
	if err := st.InTx(ctx, func(tx *store.Tx) error {
		var err error
		artifact, _, err = tx.CreateArtifact(ctx, store.NewArtifact{JobID: "job-1", StageName: "script", ContentRef: "ref"})
		return err
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		changed int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.ApproveArtifact(ctx, artifact.ID, time.Now())
			if err != nil {
				t.Errorf("ApproveArtifact: %v", err)
				return
			}
			if ok {
				mu.Lock()
				changed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if changed != 1 {
		t.Fatalf("expected exactly one approval to change state, got %d", changed)
	}
	if ok, _ := st.RejectArtifact(ctx, artifact.ID, "too late"); ok {
		t.Fatal("expected approved artifact to be immune to rejection")
	}
}

func TestArtifactContentIsImmutable(t *testing.T) {
	ctx := context.Background()
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	newJob(t, st, "job-1", 0)
	var artifact *store.Artifact
	_ = st.InTx(ctx, func(tx *store.Tx) error {
		var err error
		artifact, _, err = tx.CreateArtifact(ctx, store.NewArtifact{JobID: "job-1", StageName: "script", ContentRef: "ref", Approved: true})
		return err
	})
	raw, err := sql.Open("sqlite", "file:"+st.Path())
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	defer raw.Close()
	if _, err := raw.ExecContext(ctx, `UPDATE artifacts SET content_ref = 'other' WHERE id = ?`, artifact.ID); err == nil {
		t.Fatal("expected content_ref update to be rejected")
	}
}

func TestDeleteJobCascadesAndKeepsBatchItem(t *testing.T) {
	ctx := context.Background()
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	if err := st.InsertBatch(ctx, &store.Batch{ID: "b1", JobType: "video", Status: store.BatchLocked, Config: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	newJob(t, st, "job-1", 0)
	if err := st.InsertBatchItem(ctx, &store.BatchItem{ID: "i1", BatchID: "b1", Position: 1, Spec: json.RawMessage(`{}`), JobID: "job-1", Status: store.ItemPending}); err != nil {
		t.Fatalf("InsertBatchItem: %v", err)
	}
	_ = st.InTx(ctx, func(tx *store.Tx) error {
		_, _, err := tx.CreateArtifact(ctx, store.NewArtifact{JobID: "job-1", StageName: "script", ContentRef: "ref"})
		return err
	})
	if err := st.UpsertCheckpoint(ctx, &store.Checkpoint{JobID: "job-1", StageName: "script", Snapshot: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("UpsertCheckpoint: %v", err)
	}

	if ok, err := st.DeleteJob(ctx, "job-1"); err != nil || !ok {
		t.Fatalf("DeleteJob: %v %v", ok, err)
	}
	artifacts, _ := st.ListArtifacts(ctx, "job-1")
	checkpoints, _ := st.ListCheckpoints(ctx, "job-1")
	if len(artifacts) != 0 || len(checkpoints) != 0 {
		t.Fatalf("expected cascade delete, got %d artifacts %d checkpoints", len(artifacts), len(checkpoints))
	}
	items, _ := st.ListBatchItems(ctx, "b1")
	if len(items) != 1 || items[0].JobID != "" {
		t.Fatalf("expected batch item to survive with cleared job reference, got %+v", items)
	}
}

func TestCheckpointUpsertOverwrites(t *testing.T) {
	ctx := context.Background()
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	newJob(t, st, "job-1", 0)
	for _, snap := range []string{`{"v":1}`, `{"v":2}`} {
		if err := st.UpsertCheckpoint(ctx, &store.Checkpoint{JobID: "job-1", StageName: "script", Ordinal: 0, Snapshot: json.RawMessage(snap)}); err != nil {
			t.Fatalf("UpsertCheckpoint: %v", err)
		}
	}
	checkpoints, err := st.ListCheckpoints(ctx, "job-1")
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if len(checkpoints) != 1 || string(checkpoints[0].Snapshot) != `{"v":2}` {
		t.Fatalf("expected single overwritten checkpoint, got %+v", checkpoints)
	}
}

func TestLockedBatchConfigIsImmutable(t *testing.T) {
	ctx := context.Background()
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	locked := time.Now()
	batch := &store.Batch{ID: "b1", JobType: "video", Status: store.BatchLocked, Config: json.RawMessage(`{"voice":"v1"}`),
		LockedConfig: json.RawMessage(`{"voice":"v1"}`), ConfigHash: "h", LockedAt: &locked}
	if err := st.InsertBatch(ctx, batch); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	batch.LockedConfig = json.RawMessage(`{"voice":"v2"}`)
	if err := st.UpdateBatch(ctx, batch); err == nil {
		t.Fatal("expected locked config rewrite to fail")
	}
}

func TestNotificationOutbox(t *testing.T) {
	ctx := context.Background()
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	n := &store.Notification{ID: "evt-1", EventType: "job.completed", SubjectID: "job-1", Status: "completed", Summary: "done", Payload: json.RawMessage(`{}`)}
	if err := st.EnqueueNotification(ctx, n); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := st.EnqueueNotification(ctx, n); err != nil {
		t.Fatalf("duplicate enqueue should be ignored: %v", err)
	}
	due, err := st.DueNotifications(ctx, time.Now(), 5, 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("DueNotifications = %d %v", len(due), err)
	}
	if err := st.MarkNotificationFailed(ctx, "evt-1", "boom", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	due, _ = st.DueNotifications(ctx, time.Now(), 5, 10)
	if len(due) != 0 {
		t.Fatal("expected failed notification to wait for its next attempt")
	}
	if err := st.MarkNotificationDelivered(ctx, "evt-1"); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if count, _ := st.PendingNotificationCount(ctx); count != 0 {
		t.Fatalf("expected no pending notifications, got %d", count)
	}
}
