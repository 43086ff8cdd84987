package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mailsync/internal/config"
	"mailsync/internal/lock"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *fakeRunner) Run(ctx context.Context, only string, progress func(FolderResult)) (Report, error) {
	r.mu.Lock()
	r.calls = append(r.calls, only)
	r.mu.Unlock()
	if r.err != nil {
		return Report{}, r.err
	}
	res := FolderResult{Folder: "INBOX", New: 1, MappingComplete: true}
	if progress != nil {
		progress(res)
	}
	return Report{Folders: []FolderResult{res}}, nil
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func coordinatorConfig(t *testing.T) config.Config {
	cfg := config.DefaultConfig()
	cfg.Auth.Principal = "alice@example.org"
	cfg.Lock.Dir = t.TempDir()
	cfg.Lock.Timeout = 50 * time.Millisecond
	cfg.Lock.PollInterval = 10 * time.Millisecond
	cfg.Sync.Interval = time.Hour
	return cfg
}

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func TestSyncNowPublishesProgress(t *testing.T) {
	cfg := coordinatorConfig(t)
	hub := NewHub()
	runner := &fakeRunner{}
	c := NewCoordinator(cfg, runner, lock.New(cfg.Lock, zerolog.Nop()), hub, zerolog.Nop())

	events, unsubscribe := hub.Subscribe("alice@example.org", 8)
	defer unsubscribe()

	report, err := c.SyncNow(context.Background(), "", "INBOX")
	if err != nil {
		t.Fatalf("sync now: %v", err)
	}
	if report.Skipped || len(report.Folders) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	want := []EventKind{EventStarted, EventFolderDone, EventCompleted}
	for _, kind := range want {
		if ev := next(t, events); ev.Kind != kind {
			t.Fatalf("expected %s, got %s", kind, ev.Kind)
		}
	}
	if runner.calls[0] != "INBOX" {
		t.Fatalf("folder not passed through: %v", runner.calls)
	}
}

func TestSyncNowSkipsWhenLocked(t *testing.T) {
	cfg := coordinatorConfig(t)
	hub := NewHub()
	runner := &fakeRunner{}
	locker := lock.New(cfg.Lock, zerolog.Nop())
	c := NewCoordinator(cfg, runner, locker, hub, zerolog.Nop())

	other := lock.New(cfg.Lock, zerolog.Nop())
	release, ok, err := other.Acquire(context.Background(), LockName, time.Second, 10*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	defer release()

	events, unsubscribe := hub.Subscribe("alice@example.org", 8)
	defer unsubscribe()

	report, err := c.SyncNow(context.Background(), "Alice@Example.org", "")
	if err != nil {
		t.Fatalf("a held lock is not an error: %v", err)
	}
	if !report.Skipped {
		t.Fatalf("expected skipped cycle")
	}
	if runner.count() != 0 {
		t.Fatalf("engine must not run while locked")
	}
	if ev := next(t, events); ev.Kind != EventSkipped {
		t.Fatalf("expected skipped event, got %s", ev.Kind)
	}
}

func TestSyncNowPublishesFailure(t *testing.T) {
	cfg := coordinatorConfig(t)
	hub := NewHub()
	runner := &fakeRunner{err: errors.New("connection refused")}
	c := NewCoordinator(cfg, runner, lock.New(cfg.Lock, zerolog.Nop()), hub, zerolog.Nop())

	events, unsubscribe := hub.Subscribe("alice@example.org", 8)
	defer unsubscribe()

	if _, err := c.SyncNow(context.Background(), "", ""); err == nil {
		t.Fatalf("expected error")
	}
	if ev := next(t, events); ev.Kind != EventStarted {
		t.Fatalf("expected started, got %s", ev.Kind)
	}
	if ev := next(t, events); ev.Kind != EventFailed || ev.Err == nil {
		t.Fatalf("expected failed event, got %+v", ev)
	}
}

func TestCoordinatorLoop(t *testing.T) {
	cfg := coordinatorConfig(t)
	hub := NewHub()
	runner := &fakeRunner{}
	c := NewCoordinator(cfg, runner, lock.New(cfg.Lock, zerolog.Nop()), hub, zerolog.Nop())

	if c.Trigger("", "") {
		t.Fatalf("trigger must fail before start")
	}

	events, unsubscribe := hub.Subscribe("alice@example.org", 16)
	defer unsubscribe()

	c.Start(context.Background())
	c.Start(context.Background())
	waitCompleted := func() {
		for {
			if ev := next(t, events); ev.Kind == EventCompleted {
				return
			}
		}
	}
	waitCompleted()

	if !c.Trigger("alice@example.org", "Archive") {
		t.Fatalf("trigger rejected")
	}
	waitCompleted()
	c.Stop()
	c.Stop()

	if n := runner.count(); n != 2 {
		t.Fatalf("expected 2 cycles, got %d", n)
	}
	if runner.calls[1] != "Archive" {
		t.Fatalf("triggered folder not synced: %v", runner.calls)
	}
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	hub := NewHub()
	slow, unsubscribeSlow := hub.Subscribe("p", 1)
	defer unsubscribeSlow()
	fast, unsubscribeFast := hub.Subscribe("p", 4)
	defer unsubscribeFast()
	other, unsubscribeOther := hub.Subscribe("q", 4)
	defer unsubscribeOther()

	for i := 0; i < 3; i++ {
		hub.Publish(Event{Kind: EventStarted, Principal: "p"})
	}
	if len(slow) != 1 || len(fast) != 3 || len(other) != 0 {
		t.Fatalf("unexpected buffers: slow=%d fast=%d other=%d", len(slow), len(fast), len(other))
	}

	unsubscribeFast()
	if _, ok := <-fast; !ok {
		t.Fatalf("buffered events survive unsubscribe")
	}
	if n := hub.Publish(Event{Kind: EventCompleted, Principal: "p"}); n != 0 {
		t.Fatalf("slow subscriber is full, fast one is gone; delivered to %d", n)
	}
}
