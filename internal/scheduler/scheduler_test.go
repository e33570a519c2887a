package scheduler_test

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"montage/internal/config"
	"montage/internal/generator"
	"montage/internal/logging"
	"montage/internal/registry"
	"montage/internal/scheduler"
	"montage/internal/services"
	"montage/internal/store"
	"montage/internal/testsupport"
	"montage/internal/workflow"
)

const waitFor = 5 * time.Second

type fakeGenerator struct {
	execute func(ctx context.Context, req generator.Request) (generator.Outcome, error)
	poll    func(ctx context.Context, token string) (generator.Outcome, error)

	mu       sync.Mutex
	requests []generator.Request
	aborted  []string
}

func (f *fakeGenerator) Execute(ctx context.Context, req generator.Request) (generator.Outcome, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.execute == nil {
		return generator.Outcome{ContentRef: fmt.Sprintf("mem://%s/%s/%d", req.JobID, req.Stage, req.Attempt)}, nil
	}
	return f.execute(ctx, req)
}

func (f *fakeGenerator) Poll(ctx context.Context, token string) (generator.Outcome, error) {
	if f.poll == nil {
		return generator.Outcome{}, generator.ErrPollUnsupported
	}
	return f.poll(ctx, token)
}

func (f *fakeGenerator) Abort(_ context.Context, token string) error {
	f.mu.Lock()
	f.aborted = append(f.aborted, token)
	f.mu.Unlock()
	return nil
}

func (f *fakeGenerator) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.requests))
	for _, req := range f.requests {
		keys = append(keys, req.IdempotencyKey)
	}
	return keys
}

type env struct {
	t         *testing.T
	cfg       *config.Config
	store     *store.Store
	machine   *workflow.Machine
	scheduler *scheduler.Scheduler
}

func newEnv(t *testing.T, gen generator.Generator, stages []registry.StageDefinition, opts ...testsupport.ConfigOption) *env {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	st := testsupport.MustOpenStore(t, cfg)
	reg := testsupport.NewRegistry(t, map[string][]registry.StageDefinition{"video": stages})
	m := workflow.New(workflow.Options{Config: cfg, Store: st, Registry: reg})
	s := scheduler.New(scheduler.Options{Config: cfg, Store: st, Machine: m, Generator: gen})
	return &env{t: t, cfg: cfg, store: st, machine: m, scheduler: s}
}

func (e *env) start() {
	e.t.Helper()
	require.NoError(e.t, e.scheduler.Start(context.Background()))
	e.t.Cleanup(e.scheduler.Stop)
}

func (e *env) submit(priority int) *store.Job {
	e.t.Helper()
	job, err := e.machine.Submit(context.Background(), workflow.SubmitRequest{
		JobType:  "video",
		Inputs:   []byte(fmt.Sprintf(`{"topic":"tides","n":%d}`, time.Now().UnixNano())),
		Priority: priority,
	})
	require.NoError(e.t, err)
	return job
}

func (e *env) job(id string) *store.Job {
	e.t.Helper()
	job, err := e.machine.Get(context.Background(), id)
	require.NoError(e.t, err)
	return job
}

func (e *env) waitStatus(id string, status store.JobStatus) *store.Job {
	e.t.Helper()
	require.Eventually(e.t, func() bool {
		return e.job(id).Status == status
	}, waitFor, 10*time.Millisecond, "job %s never reached %s", id, status)
	return e.job(id)
}

func TestBoundedConcurrencyRunsEveryJob(t *testing.T) {
	var (
		current atomic.Int32
		peak    atomic.Int32
	)
	gen := &fakeGenerator{}
	gen.execute = func(ctx context.Context, req generator.Request) (generator.Outcome, error) {
		n := current.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return generator.Outcome{ContentRef: "mem://" + req.JobID}, nil
	}
	e := newEnv(t, gen, testsupport.Stages("render"), testsupport.WithMaxConcurrency(2))

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		ids = append(ids, e.submit(0).ID)
	}
	e.start()

	for _, id := range ids {
		e.waitStatus(id, store.JobCompleted)
	}
	assert.Equal(t, int32(2), peak.Load())
	assert.Len(t, gen.keys(), 5)
}

func TestHigherPriorityDispatchesFirst(t *testing.T) {
	var order []string
	var mu sync.Mutex
	gen := &fakeGenerator{}
	gen.execute = func(ctx context.Context, req generator.Request) (generator.Outcome, error) {
		mu.Lock()
		order = append(order, req.JobID)
		mu.Unlock()
		return generator.Outcome{ContentRef: "mem://" + req.JobID}, nil
	}
	e := newEnv(t, gen, testsupport.Stages("render"), testsupport.WithMaxConcurrency(1))
	low := e.submit(0)
	high := e.submit(10)
	e.start()

	e.waitStatus(low.ID, store.JobCompleted)
	e.waitStatus(high.ID, store.JobCompleted)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 2)
	assert.Equal(t, high.ID, order[0])
}

func TestStagesFlowThroughApprovalGate(t *testing.T) {
	gen := &fakeGenerator{}
	e := newEnv(t, gen, testsupport.Stages("script!", "voice:script"))
	job := e.submit(0)
	e.start()

	waiting := e.waitStatus(job.ID, store.JobAwaitingApproval)
	assert.Equal(t, "script", waiting.CurrentStage)

	artifact, err := e.store.LatestArtifact(context.Background(), job.ID, "script")
	require.NoError(t, err)
	_, err = e.machine.Approve(context.Background(), job.ID, artifact.ID)
	require.NoError(t, err)
	e.scheduler.Wake()

	e.waitStatus(job.ID, store.JobCompleted)
	voice, err := e.store.LatestArtifact(context.Background(), job.ID, "voice")
	require.NoError(t, err)
	require.NotNil(t, voice)
	assert.Equal(t, []string{artifact.ID}, voice.ParentIDs)
}

func TestTransientFailureRetriesWithNewAttempt(t *testing.T) {
	var calls atomic.Int32
	gen := &fakeGenerator{}
	gen.execute = func(ctx context.Context, req generator.Request) (generator.Outcome, error) {
		if calls.Add(1) == 1 {
			return generator.Outcome{}, generator.Retryable(req.Stage, "rate limited")
		}
		return generator.Outcome{ContentRef: "mem://ok"}, nil
	}
	e := newEnv(t, gen, testsupport.Stages("render"), testsupport.WithMaxAttempts(3))
	job := e.submit(0)
	e.start()

	e.waitStatus(job.ID, store.JobCompleted)
	keys := gen.keys()
	require.Len(t, keys, 2)
	assert.Equal(t, job.Fingerprint+":render:1", keys[0])
	assert.Equal(t, job.Fingerprint+":render:2", keys[1])
}

func TestPermanentFailureFailsJob(t *testing.T) {
	gen := &fakeGenerator{}
	gen.execute = func(ctx context.Context, req generator.Request) (generator.Outcome, error) {
		return generator.Outcome{}, generator.Permanent(req.Stage, "content policy")
	}
	e := newEnv(t, gen, testsupport.Stages("render"))
	job := e.submit(0)
	e.start()

	failed := e.waitStatus(job.ID, store.JobFailed)
	assert.Equal(t, "render", failed.FailedStage)
	assert.Contains(t, failed.ErrorMessage, "content policy")
	assert.Contains(t, failed.ErrorMessage, "1 attempt")
}

func TestParkedCallHoldsSlotUntilResumed(t *testing.T) {
	gen := &fakeGenerator{}
	gen.execute = func(ctx context.Context, req generator.Request) (generator.Outcome, error) {
		return generator.Outcome{Pending: true, Token: "tok-" + req.JobID}, nil
	}
	e := newEnv(t, gen, testsupport.Stages("render"), testsupport.WithMaxConcurrency(1))
	first := e.submit(10)
	second := e.submit(0)
	e.start()

	require.Eventually(t, func() bool {
		return e.job(first.ID).ResumeToken == "tok-"+first.ID
	}, waitFor, 10*time.Millisecond)

	e.scheduler.Tick(context.Background())
	assert.Equal(t, store.JobPending, e.job(second.ID).Status)
	assert.Equal(t, 1, e.scheduler.Status(context.Background()).Parked)

	resumed, err := e.scheduler.Resume(context.Background(), "tok-"+first.ID, generator.Outcome{ContentRef: "mem://async"}, nil)
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, resumed.Status)

	require.Eventually(t, func() bool {
		return e.job(second.ID).ResumeToken == "tok-"+second.ID
	}, waitFor, 10*time.Millisecond)
}

func TestParkedCallIsPolled(t *testing.T) {
	var polls atomic.Int32
	gen := &fakeGenerator{}
	gen.execute = func(ctx context.Context, req generator.Request) (generator.Outcome, error) {
		return generator.Outcome{Pending: true, Token: "tok-" + req.JobID}, nil
	}
	gen.poll = func(ctx context.Context, token string) (generator.Outcome, error) {
		if polls.Add(1) < 2 {
			return generator.Outcome{Pending: true, Token: token}, nil
		}
		return generator.Outcome{ContentRef: "mem://polled"}, nil
	}
	e := newEnv(t, gen, testsupport.Stages("render"), func(c *config.Config) {
		c.Workflow.ResultPollInterval = 0
	})
	job := e.submit(0)
	e.start()

	require.Eventually(t, func() bool {
		e.scheduler.Tick(context.Background())
		return e.job(job.ID).Status == store.JobCompleted
	}, waitFor, 10*time.Millisecond)
	artifact, err := e.store.LatestArtifact(context.Background(), job.ID, "render")
	require.NoError(t, err)
	assert.Equal(t, "mem://polled", artifact.ContentRef)
}

func TestResumeUnknownTokenIsNotFound(t *testing.T) {
	e := newEnv(t, &fakeGenerator{}, testsupport.Stages("render"))
	_, err := e.scheduler.Resume(context.Background(), "missing", generator.Outcome{ContentRef: "mem://x"}, nil)
	require.ErrorIs(t, err, services.ErrNotFound)
	assert.Contains(t, err.Error(), "missing")
}

func TestCancelAbortsRunningCall(t *testing.T) {
	started := make(chan struct{}, 1)
	var sawCancel atomic.Bool
	gen := &fakeGenerator{}
	gen.execute = func(ctx context.Context, req generator.Request) (generator.Outcome, error) {
		started <- struct{}{}
		<-ctx.Done()
		sawCancel.Store(true)
		return generator.Outcome{}, ctx.Err()
	}
	e := newEnv(t, gen, testsupport.Stages("render"), testsupport.WithMaxConcurrency(1))
	job := e.submit(0)
	e.start()

	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("stage never started")
	}
	cancelled, err := e.machine.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCancelled, cancelled.Status)

	require.Eventually(t, sawCancel.Load, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return e.scheduler.Status(context.Background()).Active == 0
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, store.JobCancelled, e.job(job.ID).Status)
}

func TestLateResultAfterCancelIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	gen := &fakeGenerator{}
	gen.execute = func(ctx context.Context, req generator.Request) (generator.Outcome, error) {
		started <- struct{}{}
		<-release
		return generator.Outcome{ContentRef: "mem://late"}, nil
	}
	e := newEnv(t, gen, testsupport.Stages("render"))
	job := e.submit(0)
	e.start()

	<-started
	_, err := e.machine.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	close(release)

	require.Eventually(t, func() bool {
		artifacts, err := e.store.ListArtifacts(context.Background(), job.ID)
		return err == nil && len(artifacts) == 1
	}, waitFor, 10*time.Millisecond)
	artifacts, err := e.store.ListArtifacts(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, artifacts[0].Rejected)
	assert.False(t, artifacts[0].Approved)
	assert.Equal(t, store.JobCancelled, e.job(job.ID).Status)
}

func TestRecoverRequeuesInterruptedAttempt(t *testing.T) {
	gen := &fakeGenerator{}
	e := newEnv(t, gen, testsupport.Stages("render"))
	job := e.submit(0)

	// Simulate a process that dispatched the stage and died.
	dispatch, err := e.machine.BeginStage(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, 1, dispatch.Attempt)

	summary, err := e.scheduler.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Requeued)
	assert.Equal(t, store.JobPending, e.job(job.ID).Status)

	e.start()
	e.waitStatus(job.ID, store.JobCompleted)
	assert.Equal(t, []string{dispatch.IdempotencyKey}, gen.keys())
}

func TestRecoverAdoptsParkedJob(t *testing.T) {
	gen := &fakeGenerator{}
	gen.poll = func(ctx context.Context, token string) (generator.Outcome, error) {
		return generator.Outcome{ContentRef: "mem://" + token}, nil
	}
	e := newEnv(t, gen, testsupport.Stages("render"), func(c *config.Config) {
		c.Workflow.ResultPollInterval = 0
	})
	job := e.submit(0)
	dispatch, err := e.machine.BeginStage(context.Background(), job.ID)
	require.NoError(t, err)
	_, err = e.machine.ParkStage(context.Background(), job.ID, "render", dispatch.Attempt, "tok-crash")
	require.NoError(t, err)

	e.start()
	e.waitStatus(job.ID, store.JobCompleted)
	artifact, err := e.store.LatestArtifact(context.Background(), job.ID, "render")
	require.NoError(t, err)
	assert.Equal(t, "mem://tok-crash", artifact.ContentRef)
	assert.Empty(t, gen.keys(), "parked work must not be re-executed")
}

func TestHeartbeatReclaimRequeuesStalledJob(t *testing.T) {
	e := newEnv(t, &fakeGenerator{}, testsupport.Stages("render"), func(c *config.Config) {
		c.Workflow.HeartbeatTimeout = 1
	})
	job := e.submit(0)
	_, err := e.machine.BeginStage(context.Background(), job.ID)
	require.NoError(t, err)

	monitor := scheduler.NewHeartbeatMonitor(e.store, e.machine, testLogger(), time.Second, -time.Second)
	require.NoError(t, monitor.ReclaimStaleJobs(context.Background(), nil))
	assert.Equal(t, store.JobStageRunning, e.job(job.ID).Status, "disabled timeout never reclaims")

	monitor = scheduler.NewHeartbeatMonitor(e.store, e.machine, testLogger(), time.Second, time.Nanosecond)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, monitor.ReclaimStaleJobs(context.Background(), func(string) bool { return true }))
	assert.Equal(t, store.JobStageRunning, e.job(job.ID).Status, "active jobs are skipped")

	require.NoError(t, monitor.ReclaimStaleJobs(context.Background(), nil))
	assert.Equal(t, store.JobPending, e.job(job.ID).Status)
}

func TestStartTwiceFails(t *testing.T) {
	e := newEnv(t, &fakeGenerator{}, testsupport.Stages("render"))
	e.start()
	assert.Error(t, e.scheduler.Start(context.Background()))
}

func testLogger() *slog.Logger { return logging.NewNop() }
