package cron

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/riverrun/untether/internal/transport"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	messages []transport.IncomingMessage
}

func (f *fakeDispatcher) HandleMessage(ctx context.Context, msg transport.IncomingMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
}

func (f *fakeDispatcher) HandleCallback(ctx context.Context, cb transport.IncomingCallback) {}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func TestRunner_TriggerNow(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	sched := &Schedule{
		Name: "manual", CronExpr: "0 0 * * *", Prompt: "status check", Enabled: true,
		CreatorTokenID: "t", CreatorScope: "admin",
		Targets: []ScheduleTarget{{ChatID: "chat-1"}, {ChatID: "chat-2"}},
	}
	if err := store.Create(sched); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	disp := &fakeDispatcher{}
	runner := NewRunner(store, disp)

	runner.TriggerNow(sched)

	if disp.count() != 2 {
		t.Fatalf("TriggerNow() dispatched %d messages, want 2", disp.count())
	}
	for _, msg := range disp.messages {
		if msg.Text != "status check" {
			t.Errorf("dispatched message text = %q, want %q", msg.Text, "status check")
		}
	}
}

func TestRunner_SkipsOverlapByDefault(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	sched := &Schedule{
		Name: "due-now", CronExpr: "* * * * *", Prompt: "p", Enabled: true,
		OverlapBehavior: OverlapSkip,
		CreatorTokenID:  "t", CreatorScope: "admin",
		Targets: []ScheduleTarget{{ChatID: "chat-1"}},
	}
	if err := store.Create(sched); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	disp := &fakeDispatcher{}
	runner := NewRunner(store, disp)

	runner.runningMu.Lock()
	runner.running[sched.ID] = 1
	runner.runningMu.Unlock()

	runner.executeSchedule(sched)
	runner.wg.Wait()

	if disp.count() != 0 {
		t.Errorf("executeSchedule() dispatched %d messages while overlap=skip, want 0", disp.count())
	}
}

func TestRunner_StartStop(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	disp := &fakeDispatcher{}
	runner := NewRunner(store, disp)
	runner.Start()

	done := make(chan struct{})
	go func() {
		runner.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return in time")
	}
}
