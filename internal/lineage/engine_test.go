package lineage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"montage/internal/lineage"
	"montage/internal/services"
	"montage/internal/store"
	"montage/internal/testsupport"
)

type fixture struct {
	st  *store.Store
	eng *lineage.Engine
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	require.NoError(t, st.InsertJob(context.Background(), &store.Job{
		ID: "job-1", JobType: "video", Status: store.JobPending, CurrentStage: "a", Fingerprint: "fp",
	}))
	return fixture{st: st, eng: lineage.New(nil)}
}

func (f fixture) artifact(t *testing.T, stage string, approved bool, parents ...string) *store.Artifact {
	t.Helper()
	var out *store.Artifact
	require.NoError(t, f.st.InTx(context.Background(), func(tx *store.Tx) error {
		var err error
		out, _, err = tx.CreateArtifact(context.Background(), store.NewArtifact{
			JobID: "job-1", StageName: stage, ContentRef: "ref://" + stage, ParentIDs: parents, Approved: approved,
		})
		return err
	}))
	return out
}

func (f fixture) stale(t *testing.T, id string) bool {
	t.Helper()
	a, err := f.st.GetArtifact(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, a)
	return a.Stale
}

func TestInvalidateMarksTransitiveClosureOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.artifact(t, "a", true)
	b := f.artifact(t, "b", true, a.ID)
	c := f.artifact(t, "c", true, b.ID)
	d := f.artifact(t, "d", false, a.ID, c.ID)
	unrelated := f.artifact(t, "x", true)
	sibling := f.artifact(t, "y", true, unrelated.ID)

	res, err := f.eng.Invalidate(ctx, f.st, a.ID, "replaced")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{b.ID, c.ID, d.ID}, res.Affected)
	assert.Equal(t, int64(3), res.Flipped)

	assert.False(t, f.stale(t, a.ID), "source is not marked")
	assert.True(t, f.stale(t, b.ID))
	assert.True(t, f.stale(t, c.ID))
	assert.True(t, f.stale(t, d.ID))
	assert.False(t, f.stale(t, unrelated.ID))
	assert.False(t, f.stale(t, sibling.ID))

	events, err := f.st.ListInvalidations(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, a.ID, events[0].SourceArtifactID)
	assert.ElementsMatch(t, res.Affected, events[0].AffectedArtifactIDs)
	assert.Equal(t, "replaced", events[0].Reason)
}

func TestInvalidateVisitsDiamondOnce(t *testing.T) {
	f := newFixture(t)
	a := f.artifact(t, "a", true)
	left := f.artifact(t, "left", true, a.ID)
	right := f.artifact(t, "right", true, a.ID)
	join := f.artifact(t, "join", true, left.ID, right.ID)

	res, err := f.eng.Invalidate(context.Background(), f.st, a.ID, "diamond")
	require.NoError(t, err)
	assert.Len(t, res.Affected, 3)
	assert.Contains(t, res.Affected, join.ID)
}

// cyclicGraph feeds the engine a lineage loop that the store itself would
// never produce.
type cyclicGraph struct {
	children map[string][]string
	marked   []string
	events   int
}

func (g *cyclicGraph) GetArtifact(_ context.Context, id string) (*store.Artifact, error) {
	return &store.Artifact{ID: id, JobID: "job"}, nil
}

func (g *cyclicGraph) ChildArtifactIDs(_ context.Context, id string) ([]string, error) {
	return g.children[id], nil
}

func (g *cyclicGraph) MarkStale(_ context.Context, ids []string) (int64, error) {
	g.marked = append(g.marked, ids...)
	return int64(len(ids)), nil
}

func (g *cyclicGraph) AppendInvalidation(context.Context, *store.InvalidationEvent) error {
	g.events++
	return nil
}

func TestInvalidateTerminatesOnCycles(t *testing.T) {
	g := &cyclicGraph{children: map[string][]string{
		"a": {"b"},
		"b": {"c"},
		"c": {"a", "b"},
	}}
	res, err := lineage.New(nil).Invalidate(context.Background(), g, "a", "loop")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c"}, res.Affected)
	assert.Equal(t, 1, g.events)
}

func TestInvalidateSetIncludesSeeds(t *testing.T) {
	f := newFixture(t)
	a := f.artifact(t, "a", true)
	b := f.artifact(t, "b", true, a.ID)
	c := f.artifact(t, "c", true, b.ID)

	res, err := f.eng.InvalidateSet(context.Background(), f.st, "job-1", a.ID, []string{b.ID}, "rollback")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{b.ID, c.ID}, res.Affected)
	assert.False(t, f.stale(t, a.ID))
}

func TestReapprovalClearsStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.artifact(t, "a", true)
	b := f.artifact(t, "b", true, a.ID)
	_, err := f.eng.Invalidate(ctx, f.st, a.ID, "edit")
	require.NoError(t, err)
	require.True(t, f.stale(t, b.ID))

	changed, err := f.st.ApproveArtifact(ctx, b.ID, b.CreatedAt)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, f.stale(t, b.ID))
}

func TestCheckInputs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.artifact(t, "a", true)
	f.artifact(t, "b", false, a.ID)

	inputs, err := lineage.CheckInputs(ctx, f.st, "job-1", "c", []string{"a"})
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	assert.Equal(t, a.ID, inputs[0].ID)

	_, err = lineage.CheckInputs(ctx, f.st, "job-1", "c", []string{"a", "b", "missing"})
	var staleErr *lineage.StaleDependencyError
	require.ErrorAs(t, err, &staleErr)
	assert.Equal(t, "c", staleErr.Stage)
	assert.Len(t, staleErr.Artifacts, 2)
	assert.True(t, errors.Is(err, services.ErrStale))
	assert.Equal(t, services.DispositionBlocked, services.FailureDisposition(err))

	_, err = f.eng.Invalidate(ctx, f.st, a.ID, "noop")
	require.NoError(t, err)
	_, err = lineage.CheckInputs(ctx, f.st, "job-1", "c", []string{"a"})
	require.NoError(t, err, "source of an invalidation stays usable")
}
