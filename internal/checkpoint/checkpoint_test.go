package checkpoint_test

import (
	"context"
	"testing"

	"montage/internal/checkpoint"
	"montage/internal/registry"
	"montage/internal/store"
	"montage/internal/testsupport"
)

func setup(t *testing.T) (*store.Store, *registry.Registry, *checkpoint.Manager, *store.Job) {
	t.Helper()
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	reg := testsupport.NewRegistry(t, map[string][]registry.StageDefinition{
		"video": testsupport.Stages("a", "b:a!", "c:b"),
	})
	job := &store.Job{ID: "job-1", JobType: "video", Status: store.JobPending, CurrentStage: "a", Fingerprint: "fp"}
	if err := st.InsertJob(context.Background(), job); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	return st, reg, checkpoint.NewManager(reg, nil), job
}

func complete(t *testing.T, st *store.Store, reg *registry.Registry, mgr *checkpoint.Manager, stage string, approved bool) *store.Artifact {
	t.Helper()
	ctx := context.Background()
	def, err := reg.Stage("video", stage)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	var artifact *store.Artifact
	err = st.InTx(ctx, func(tx *store.Tx) error {
		var err error
		artifact, _, err = tx.CreateArtifact(ctx, store.NewArtifact{JobID: "job-1", StageName: stage, ContentRef: "ref://" + stage, Attempt: 1, Approved: approved})
		if err != nil {
			return err
		}
		return mgr.Record(ctx, tx, "job-1", def, checkpoint.Snapshot{ArtifactID: artifact.ID, Version: artifact.Version, Attempt: 1, ContentRef: artifact.ContentRef})
	})
	if err != nil {
		t.Fatalf("complete %s: %v", stage, err)
	}
	return artifact
}

func TestRecoverWithoutCheckpointsStartsAtFirstStage(t *testing.T) {
	st, _, mgr, job := setup(t)
	state, err := mgr.Recover(context.Background(), st, job)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if state.CurrentStage != "a" || state.Status != store.JobPending || len(state.Artifacts) != 0 {
		t.Fatalf("unexpected state %+v", state)
	}
}

func TestRecoverFollowsMostAdvancedCheckpoint(t *testing.T) {
	st, reg, mgr, job := setup(t)
	ctx := context.Background()
	a := complete(t, st, reg, mgr, "a", true)
	b := complete(t, st, reg, mgr, "b", false)

	state, err := mgr.Recover(ctx, st, job)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if state.CurrentStage != "b" || state.Status != store.JobAwaitingApproval {
		t.Fatalf("expected b awaiting approval, got %s/%s", state.CurrentStage, state.Status)
	}
	if len(state.Artifacts) != 2 || state.Artifacts[0].ID != a.ID || state.Artifacts[1].ID != b.ID {
		t.Fatalf("unexpected artifact set %+v", state.Artifacts)
	}

	if _, err := st.ApproveArtifact(ctx, b.ID, b.CreatedAt); err != nil {
		t.Fatalf("approve: %v", err)
	}
	state, _ = mgr.Recover(ctx, st, job)
	if state.CurrentStage != "c" || state.Status != store.JobPending {
		t.Fatalf("expected c pending, got %s/%s", state.CurrentStage, state.Status)
	}

	complete(t, st, reg, mgr, "c", true)
	state, _ = mgr.Recover(ctx, st, job)
	if state.Status != store.JobCompleted || state.CurrentStage != "c" {
		t.Fatalf("expected completed, got %s/%s", state.CurrentStage, state.Status)
	}
}

func TestRecoverIsPureRead(t *testing.T) {
	st, reg, mgr, job := setup(t)
	ctx := context.Background()
	complete(t, st, reg, mgr, "a", true)

	before, _ := st.ListArtifacts(ctx, "job-1")
	first, err := mgr.Recover(ctx, st, job)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	second, _ := mgr.Recover(ctx, st, job)
	after, _ := st.ListArtifacts(ctx, "job-1")
	if len(before) != len(after) {
		t.Fatalf("recover created artifacts: %d -> %d", len(before), len(after))
	}
	if first.CurrentStage != second.CurrentStage || first.Status != second.Status {
		t.Fatalf("recover is not deterministic: %+v vs %+v", first, second)
	}
	reloaded, _ := st.GetJob(ctx, "job-1")
	if reloaded.Version != job.Version {
		t.Fatal("recover must not write the job")
	}
}

func TestRecordOverwritesAndDiscardTrims(t *testing.T) {
	st, reg, mgr, _ := setup(t)
	ctx := context.Background()
	complete(t, st, reg, mgr, "a", true)
	complete(t, st, reg, mgr, "b", true)
	second := complete(t, st, reg, mgr, "b", true)

	_, snap, err := mgr.Get(ctx, st, "job-1", "b")
	if err != nil || snap == nil {
		t.Fatalf("Get: %v %v", snap, err)
	}
	if snap.ArtifactID != second.ID {
		t.Fatalf("expected checkpoint to point at latest artifact, got %s", snap.ArtifactID)
	}

	removed, err := mgr.Discard(ctx, st, "job-1", 0)
	if err != nil || removed != 1 {
		t.Fatalf("Discard = %d %v", removed, err)
	}
	if cp, _, _ := mgr.Get(ctx, st, "job-1", "b"); cp != nil {
		t.Fatal("expected stage b checkpoint removed")
	}
	if cp, _, _ := mgr.Get(ctx, st, "job-1", "a"); cp == nil {
		t.Fatal("expected stage a checkpoint retained")
	}
}
