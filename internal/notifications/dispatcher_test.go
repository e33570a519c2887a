package notifications

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"montage/internal/events"
	"montage/internal/store"
	"montage/internal/testsupport"
)

type recordingSink struct {
	mu     sync.Mutex
	fail   error
	calls  int
	events []Event
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Notify(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail != nil {
		return r.fail
	}
	r.events = append(r.events, event)
	return nil
}

func newDispatcherEnv(t *testing.T, sink Notifier) (*Outbox, *Dispatcher, *store.Store, *events.Hub) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Notifications.MaxAttempts = 3
	st := testsupport.MustOpenStore(t, cfg)
	hub := events.NewHub(64)
	outbox := NewOutbox(cfg, st, nil)
	d := NewDispatcher(DispatcherOptions{Config: cfg, Store: st, Notifiers: []Notifier{sink}, Events: hub})
	return outbox, d, st, hub
}

func terminalJob(status store.JobStatus) *store.Job {
	return &store.Job{ID: "job-1", JobType: "video", Status: status, CurrentStage: "render", Version: 7, ErrorMessage: "render exploded"}
}

func TestOutboxCollapsesRepeatedTransitions(t *testing.T) {
	sink := &recordingSink{}
	outbox, d, st, _ := newDispatcherEnv(t, sink)
	ctx := context.Background()

	outbox.JobTerminal(ctx, terminalJob(store.JobFailed))
	outbox.JobTerminal(ctx, terminalJob(store.JobFailed))

	pending, err := st.PendingNotificationCount(ctx)
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if pending != 1 {
		t.Fatalf("expected 1 pending notification, got %d", pending)
	}

	delivered, err := d.DeliverDue(ctx)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if delivered != 1 || len(sink.events) != 1 {
		t.Fatalf("expected one delivery, got %d (%d events)", delivered, len(sink.events))
	}
	got := sink.events[0]
	if got.Type != EventJobTerminal || got.JobID != "job-1" || got.Status != "failed" {
		t.Fatalf("unexpected event %+v", got)
	}
	if pending, _ := st.PendingNotificationCount(ctx); pending != 0 {
		t.Fatalf("expected outbox drained, got %d", pending)
	}
}

func TestOutboxHonoursToggles(t *testing.T) {
	sink := &recordingSink{}
	outbox, _, st, _ := newDispatcherEnv(t, sink)
	outbox.cfg.Jobs = false
	outbox.cfg.Batches = false
	ctx := context.Background()

	outbox.JobTerminal(ctx, terminalJob(store.JobCompleted))
	outbox.BatchTerminal(ctx, &store.Batch{ID: "b1", Status: store.BatchCompleted})

	if pending, _ := st.PendingNotificationCount(ctx); pending != 0 {
		t.Fatalf("expected nothing enqueued, got %d", pending)
	}
}

func TestDispatcherRetriesThenAbandons(t *testing.T) {
	sink := &recordingSink{fail: errors.New("sink down")}
	outbox, d, st, hub := newDispatcherEnv(t, sink)
	ctx := context.Background()

	outbox.BatchTerminal(ctx, &store.Batch{ID: "b1", Name: "promo", Status: store.BatchPartial, Version: 4})
	// The outbox stamps the first attempt with the wall clock.
	clock := time.Now().UTC().Add(time.Second)
	d.now = func() time.Time { return clock }

	for attempt := 1; attempt <= 3; attempt++ {
		if delivered, err := d.DeliverDue(ctx); err != nil || delivered != 0 {
			t.Fatalf("attempt %d: delivered=%d err=%v", attempt, delivered, err)
		}
		due, err := st.DueNotifications(ctx, clock, 10, 10)
		if err != nil {
			t.Fatalf("due: %v", err)
		}
		if len(due) != 0 {
			t.Fatalf("attempt %d: expected backoff to defer the event", attempt)
		}
		clock = clock.Add(maxRetryDelay)
	}

	if due, _ := st.DueNotifications(ctx, clock, d.maxAttempts, 10); len(due) != 0 {
		t.Fatalf("expected abandoned event to stop being due, got %d", len(due))
	}
	var failed int
	for _, ev := range hub.Since(0) {
		if ev.Type == events.TypeNotificationFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Fatalf("expected one notification.failed event, got %d", failed)
	}
	if sink.calls != 3 {
		t.Fatalf("expected 3 delivery attempts, got %d", sink.calls)
	}
}

func TestDispatcherRecoversAfterSinkReturns(t *testing.T) {
	sink := &recordingSink{fail: errors.New("sink down")}
	outbox, d, st, _ := newDispatcherEnv(t, sink)
	ctx := context.Background()

	outbox.JobTerminal(ctx, terminalJob(store.JobCompleted))
	clock := time.Now().UTC().Add(time.Second)
	d.now = func() time.Time { return clock }
	if _, err := d.DeliverDue(ctx); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if sink.calls != 1 {
		t.Fatalf("expected a first failed attempt, got %d calls", sink.calls)
	}
	sink.fail = nil
	clock = clock.Add(maxRetryDelay)
	if delivered, err := d.DeliverDue(ctx); err != nil || delivered != 1 {
		t.Fatalf("expected redelivery, got %d err=%v", delivered, err)
	}
	if pending, _ := st.PendingNotificationCount(ctx); pending != 0 {
		t.Fatalf("expected outbox drained, got %d", pending)
	}
}

func TestWatchApprovalsEnqueuesReviewEvents(t *testing.T) {
	sink := &recordingSink{}
	outbox, _, st, hub := newDispatcherEnv(t, sink)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		outbox.WatchApprovals(ctx, hub)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		hub.Publish(events.TypeJobTransition, map[string]any{"job_id": "job-1", "from": "stage_running", "to": "stage_awaiting_approval", "stage": "script"})
		if pending, _ := st.PendingNotificationCount(context.Background()); pending > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("review event was never enqueued")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestRetryDelayDoublesUpToCap(t *testing.T) {
	base := 5 * time.Second
	if got := retryDelay(base, 1); got != base {
		t.Fatalf("attempt 1: got %v", got)
	}
	if got := retryDelay(base, 3); got != 20*time.Second {
		t.Fatalf("attempt 3: got %v", got)
	}
	if got := retryDelay(base, 40); got != maxRetryDelay {
		t.Fatalf("attempt 40: got %v", got)
	}
}
