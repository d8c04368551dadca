package poll_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/boardsync/internal/model"
	"github.com/basket/boardsync/internal/poll"
	"github.com/basket/boardsync/internal/state"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type fakeFetcher struct {
	mu     sync.Mutex
	items  map[model.Kind][]model.Entity
	err    error
	calls  map[model.Kind]int
	during func() // runs inside List, after the reconciler captured its sequence
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{items: map[model.Kind][]model.Entity{}, calls: map[model.Kind]int{}}
}

func (f *fakeFetcher) set(kind model.Kind, items ...model.Entity) {
	f.mu.Lock()
	f.items[kind] = items
	f.mu.Unlock()
}

func (f *fakeFetcher) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeFetcher) count(kind model.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

func (f *fakeFetcher) List(ctx context.Context, kind model.Kind) ([]model.Entity, error) {
	f.mu.Lock()
	f.calls[kind]++
	err := f.err
	items := append([]model.Entity(nil), f.items[kind]...)
	during := f.during
	f.mu.Unlock()
	if during != nil {
		during()
	}
	if err != nil {
		return nil, err
	}
	return items, nil
}

func task(id string, status model.TaskStatus) model.Task {
	return model.Task{ID: id, Title: id, Status: status, Revision: 1}
}

func TestTick_RemovesEntitiesMissingFromFullPoll(t *testing.T) {
	store := state.New(state.Options{})
	for _, id := range []string{"t-1", "t-7"} {
		if _, err := store.Upsert(model.KindTask, task(id, model.TaskStatusBacklog), model.Revision{Version: 1}); err != nil {
			t.Fatal(err)
		}
	}
	f := newFakeFetcher()
	f.set(model.KindTask, task("t-1", model.TaskStatusDone))
	r := poll.NewReconciler(poll.Config{Fetcher: f, Store: store})

	r.Tick(context.Background(), model.KindTask)

	if _, ok := store.Get(model.KindTask, "t-7"); ok {
		t.Fatal("t-7 still present after a poll that omitted it")
	}
	e, ok := store.Get(model.KindTask, "t-1")
	if !ok || e.(model.Task).Status != model.TaskStatusDone {
		t.Fatalf("t-1 = %+v, want done", e)
	}
	if r.LastSuccess(model.KindTask).IsZero() {
		t.Fatal("last success not recorded")
	}
}

func TestTick_KeepsEntityPushedDuringFetch(t *testing.T) {
	store := state.New(state.Options{})
	f := newFakeFetcher()
	f.set(model.KindTask, task("t-1", model.TaskStatusBacklog))
	f.during = func() {
		_, _ = store.Upsert(model.KindTask, task("t-new", model.TaskStatusBacklog), model.Revision{Version: 1})
	}
	r := poll.NewReconciler(poll.Config{Fetcher: f, Store: store})

	r.Tick(context.Background(), model.KindTask)

	if _, ok := store.Get(model.KindTask, "t-new"); !ok {
		t.Fatal("entity created by a push during the fetch was deleted")
	}
}

func TestTick_KeepsEntityRemovedDuringFetch(t *testing.T) {
	store := state.New(state.Options{})
	for _, id := range []string{"t-1", "t-7"} {
		if _, err := store.Upsert(model.KindTask, task(id, model.TaskStatusBacklog), model.Revision{Version: 1}); err != nil {
			t.Fatal(err)
		}
	}
	f := newFakeFetcher()
	f.set(model.KindTask, task("t-1", model.TaskStatusBacklog), task("t-7", model.TaskStatusBacklog))
	f.during = func() { store.Remove(model.KindTask, "t-7") }
	r := poll.NewReconciler(poll.Config{Fetcher: f, Store: store})

	r.Tick(context.Background(), model.KindTask)

	if _, ok := store.Get(model.KindTask, "t-7"); ok {
		t.Fatal("entity removed by a push during the fetch was re-inserted from the older response")
	}
	if _, ok := store.Get(model.KindTask, "t-1"); !ok {
		t.Fatal("t-1 missing")
	}

	// A later fetch that still lists t-7 means the server has it again.
	f.during = nil
	r.Tick(context.Background(), model.KindTask)
	if _, ok := store.Get(model.KindTask, "t-7"); !ok {
		t.Fatal("t-7 not restored by a fetch started after the removal")
	}
}

func TestTick_FailureIsSwallowed(t *testing.T) {
	store := state.New(state.Options{})
	if _, err := store.Upsert(model.KindTask, task("t-1", model.TaskStatusBacklog), model.Revision{Version: 1}); err != nil {
		t.Fatal(err)
	}
	f := newFakeFetcher()
	f.fail(errors.New("dial tcp: connection refused"))
	r := poll.NewReconciler(poll.Config{Fetcher: f, Store: store})

	r.Tick(context.Background(), model.KindTask)

	if _, ok := store.Get(model.KindTask, "t-1"); !ok {
		t.Fatal("failed poll must not change the store")
	}
	if !r.LastSuccess(model.KindTask).IsZero() {
		t.Fatal("failed poll recorded as success")
	}
}

func TestTick_EventsAreNeverDeleted(t *testing.T) {
	store := state.New(state.Options{})
	old := model.Event{ID: "e-1", Type: "task_created", CreatedAt: time.Now().Add(-time.Hour)}
	if _, err := store.Upsert(model.KindEvent, old, old.Rev()); err != nil {
		t.Fatal(err)
	}
	f := newFakeFetcher()
	f.set(model.KindEvent, model.Event{ID: "e-2", Type: "task_updated", CreatedAt: time.Now()})
	r := poll.NewReconciler(poll.Config{Fetcher: f, Store: store})

	r.Tick(context.Background(), model.KindEvent)

	if got := len(store.Events()); got != 2 {
		t.Fatalf("events = %d, want 2", got)
	}
}

func TestStart_FiresImmediatelyPerKind(t *testing.T) {
	store := state.New(state.Options{})
	f := newFakeFetcher()
	f.set(model.KindAgent, model.Agent{ID: "a-1", Name: "Nia", Status: model.AgentStatusWorking})
	r := poll.NewReconciler(poll.Config{
		Fetcher: f,
		Store:   store,
		Intervals: map[model.Kind]time.Duration{
			model.KindTask:  time.Hour,
			model.KindAgent: time.Hour,
		},
	})
	r.Start(context.Background())
	defer r.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return f.count(model.KindTask) == 1 && f.count(model.KindAgent) == 1
	})
	if f.count(model.KindEvent) != 0 {
		t.Fatal("events polled without an interval")
	}
	if _, ok := store.Get(model.KindAgent, "a-1"); !ok {
		t.Fatal("initial agent poll not merged")
	}
}

func TestSetInterval_AppliesToRunningLoop(t *testing.T) {
	store := state.New(state.Options{})
	f := newFakeFetcher()
	r := poll.NewReconciler(poll.Config{
		Fetcher:   f,
		Store:     store,
		Intervals: map[model.Kind]time.Duration{model.KindTask: time.Hour},
	})
	r.Start(context.Background())
	defer r.Stop()

	waitFor(t, time.Second, func() bool { return f.count(model.KindTask) == 1 })
	r.SetInterval(model.KindTask, 10*time.Millisecond)
	waitFor(t, 2*time.Second, func() bool { return f.count(model.KindTask) >= 3 })

	if got := r.Interval(model.KindTask); got != 10*time.Millisecond {
		t.Fatalf("interval = %s", got)
	}
}

func TestStop_NoWritesAfterReturn(t *testing.T) {
	store := state.New(state.Options{})
	f := newFakeFetcher()
	f.set(model.KindTask, task("t-1", model.TaskStatusBacklog))
	r := poll.NewReconciler(poll.Config{
		Fetcher:   f,
		Store:     store,
		Intervals: map[model.Kind]time.Duration{model.KindTask: 5 * time.Millisecond},
	})
	r.Start(context.Background())
	waitFor(t, time.Second, func() bool { return f.count(model.KindTask) >= 2 })
	r.Stop()

	calls := f.count(model.KindTask)
	f.set(model.KindTask, task("t-2", model.TaskStatusBacklog))
	time.Sleep(40 * time.Millisecond)
	if f.count(model.KindTask) != calls {
		t.Fatal("poll loop still running after Stop")
	}
	if _, ok := store.Get(model.KindTask, "t-2"); ok {
		t.Fatal("store written after Stop")
	}
}
