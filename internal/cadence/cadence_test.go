package cadence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fluxhive/runner/internal/runnerconfig"
	"github.com/fluxhive/runner/internal/wireclient"
)

type fakeLister struct {
	mu    sync.Mutex
	pages [][]wireclient.Packet
	calls int
}

func (f *fakeLister) ListTasks(ctx context.Context, q wireclient.ListTasksQuery) (wireclient.ListTasksResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls >= len(f.pages) {
		return wireclient.ListTasksResponse{}, nil
	}
	page := f.pages[f.calls]
	f.calls++
	return wireclient.ListTasksResponse{Tasks: page}, nil
}

type fakeExecutor struct {
	mu      sync.Mutex
	handled []string
	active  map[string]bool
}

func (f *fakeExecutor) HandleTask(ctx context.Context, packet wireclient.Packet) error {
	f.mu.Lock()
	f.handled = append(f.handled, packet.TaskID)
	f.mu.Unlock()
	return nil
}

func (f *fakeExecutor) IsActive(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[taskID]
}

func (f *fakeExecutor) handledTasks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.handled))
	copy(out, f.handled)
	return out
}

func TestDrainOnce_PagesUntilShortPage(t *testing.T) {
	lister := &fakeLister{pages: [][]wireclient.Packet{
		{{TaskID: "t1"}, {TaskID: "t2"}},
		{{TaskID: "t3"}},
	}}
	exec := &fakeExecutor{active: map[string]bool{}}
	l := New(lister, exec, runnerconfig.Filters{}, time.Second, 2, nil, nil)

	if err := l.drainOnce(context.Background()); err != nil {
		t.Fatalf("drainOnce: %v", err)
	}
	if got := exec.handledTasks(); len(got) != 3 {
		t.Fatalf("expected 3 tasks handled across two pages, got %v", got)
	}
}

func TestDrainOnce_SkipsActiveTasks(t *testing.T) {
	lister := &fakeLister{pages: [][]wireclient.Packet{
		{{TaskID: "t1"}, {TaskID: "t2"}},
	}}
	exec := &fakeExecutor{active: map[string]bool{"t1": true}}
	l := New(lister, exec, runnerconfig.Filters{}, time.Second, 10, nil, nil)

	if err := l.drainOnce(context.Background()); err != nil {
		t.Fatalf("drainOnce: %v", err)
	}
	got := exec.handledTasks()
	if len(got) != 1 || got[0] != "t2" {
		t.Fatalf("expected only t2 handled, got %v", got)
	}
}

func TestTriggerDrain_OverlapSetsRecheckNotASecondGoroutine(t *testing.T) {
	lister := &fakeLister{pages: [][]wireclient.Packet{{{TaskID: "t1"}}}}
	exec := &fakeExecutor{active: map[string]bool{}}
	l := New(lister, exec, runnerconfig.Filters{}, time.Second, 10, nil, nil)

	l.mu.Lock()
	l.dispatching = true
	l.mu.Unlock()

	l.triggerDrain(context.Background())

	l.mu.Lock()
	recheck := l.pendingRecheck
	l.mu.Unlock()
	if !recheck {
		t.Fatal("expected pendingRecheck to be set when a drain is already in flight")
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	lister := &fakeLister{}
	exec := &fakeExecutor{active: map[string]bool{}}
	l := New(lister, exec, runnerconfig.Filters{}, time.Second, 10, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
