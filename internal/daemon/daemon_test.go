package daemon_test

import (
	"context"
	"testing"
	"time"

	"montage/internal/daemon"
	"montage/internal/engine"
	"montage/internal/generator"
	"montage/internal/store"
	"montage/internal/testsupport"
	"montage/internal/workflow"
)

func echoGenerator() generator.Generator {
	return generator.Func(func(_ context.Context, req generator.Request) (generator.Outcome, error) {
		return generator.Outcome{ContentRef: "mem://" + req.Stage + "/" + req.IdempotencyKey}, nil
	})
}

func newDaemon(t *testing.T) (*daemon.Daemon, *engine.Engine) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	eng, err := engine.Open(cfg, nil)
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}
	d, err := daemon.New(eng, echoGenerator(), nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d, eng
}

func TestDaemonStartStop(t *testing.T) {
	d, _ := newDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	status := d.Status(ctx)
	if !status.Running || !status.Scheduler.Running {
		t.Fatalf("expected daemon and scheduler running, got %+v", status)
	}
	if d.APIAddr() == "" {
		t.Fatal("expected api to listen")
	}

	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	d.Stop()
	if d.Status(ctx).Running {
		t.Fatal("expected daemon to be stopped")
	}
}

func TestLockPreventsSecondInstance(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	first, err := engine.Open(cfg, nil)
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}
	second, err := engine.Open(cfg, nil)
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}
	cfg.Paths.APIBind = ""

	a, err := daemon.New(first, echoGenerator(), nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	defer a.Close()
	b, err := daemon.New(second, echoGenerator(), nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := b.Start(ctx); err == nil {
		t.Fatal("expected second instance to be refused")
	}
}

func TestDaemonRunsSubmittedJob(t *testing.T) {
	d, eng := newDaemon(t)
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	job, err := eng.Machine.Submit(ctx, workflow.SubmitRequest{JobType: "video", Inputs: []byte(`{"topic":"glaciers"}`)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := eng.Machine.Get(ctx, job.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status == store.JobAwaitingApproval {
			if got.CurrentStage != "script" {
				t.Fatalf("expected review at script, got %s", got.CurrentStage)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never reached review, status %s", got.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
