package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/basket/boardsync/internal/config"
	"github.com/basket/boardsync/internal/model"
	"github.com/basket/boardsync/internal/stream"
	"github.com/basket/boardsync/internal/syncerr"
)

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

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeServer struct {
	mu      sync.Mutex
	tasks   []model.Entity
	lists   map[model.Kind]int
	patches []model.Patch
}

func (f *fakeServer) List(ctx context.Context, kind model.Kind) ([]model.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[kind]++
	if kind == model.KindTask {
		return append([]model.Entity(nil), f.tasks...), nil
	}
	return nil, nil
}

func (f *fakeServer) listCount(kind model.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists[kind]
}

func (f *fakeServer) Update(ctx context.Context, kind model.Kind, id string, patch model.Patch) (model.Entity, error) {
	f.mu.Lock()
	f.patches = append(f.patches, patch)
	f.mu.Unlock()
	status, _ := patch["status"].(string)
	return model.Task{ID: id, Title: "Seed", Status: model.TaskStatus(status), Revision: 2, UpdatedAt: t0.Add(time.Minute)}, nil
}

func (f *fakeServer) Probe(ctx context.Context) (bool, error) { return true, nil }

// chanTransport hands out one connection fed by frames.
type chanTransport struct {
	frames chan []byte
}

func (c *chanTransport) Dial(ctx context.Context) (stream.Conn, error) { return c, nil }

func (c *chanTransport) Next(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *chanTransport) Close() error { return nil }

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg.BaseURL = "http://board.test"
	cfg.Workspace = "default"
	cfg.Poll.Tasks = 20 * time.Millisecond
	cfg.Poll.Agents = time.Hour
	cfg.Poll.Events = time.Hour
	return cfg
}

func newEngine(t *testing.T) (*Engine, *fakeServer, *chanTransport) {
	t.Helper()
	srv := &fakeServer{
		tasks: []model.Entity{model.Task{ID: "t-1", Title: "Seed", Status: model.TaskStatusBacklog, Revision: 1, UpdatedAt: t0}},
		lists: map[model.Kind]int{},
	}
	tr := &chanTransport{frames: make(chan []byte, 8)}
	e, err := New(context.Background(), testConfig(t), Deps{
		Fetcher:   srv,
		Updater:   srv,
		Prober:    srv,
		Transport: tr,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e, srv, tr
}

func TestEngine_StartSyncsFromPollAndStream(t *testing.T) {
	e, _, tr := newEngine(t)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		_, ok := e.Store().Get(model.KindTask, "t-1")
		return ok
	})

	tr.frames <- []byte(`{"id":"e-1","type":"task_created","createdAt":"2026-03-01T09:01:00Z","payload":{"message":"created","task":{"id":"t-2","title":"Pushed","status":"review","revision":1,"updated_at":"2026-03-01T09:01:00Z"}}}`)
	waitFor(t, 2*time.Second, func() bool {
		_, ok := e.Store().Get(model.KindTask, "t-2")
		return ok
	})
	waitFor(t, 2*time.Second, func() bool { return e.Stream().State() == stream.StateConnected })

	st := e.Status()
	if st.Stream != stream.StateConnected.String() || st.Workspace != "default" {
		t.Fatalf("status = %+v", st)
	}
}

func TestEngine_CloseStopsAllWrites(t *testing.T) {
	e, srv, tr := newEngine(t)
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return srv.listCount(model.KindTask) >= 2 })

	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := e.Stream().State(); got != stream.StateClosed {
		t.Fatalf("stream state after Close = %s", got)
	}
	seq := e.Store().Seq()
	polls := srv.listCount(model.KindTask)

	select {
	case tr.frames <- []byte(`{"id":"e-late","type":"task_created","createdAt":"2026-03-01T09:02:00Z","payload":{"task":{"id":"t-9","title":"Late","status":"backlog","updated_at":"2026-03-01T09:02:00Z"}}}`):
	default:
	}
	time.Sleep(60 * time.Millisecond)
	if e.Store().Seq() != seq {
		t.Fatal("store written after Close")
	}
	if srv.listCount(model.KindTask) != polls {
		t.Fatal("poll loop still running after Close")
	}
	if _, err := e.MoveTask(context.Background(), "t-1", model.TaskStatusDone); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("MoveTask after Close err = %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestEngine_MoveTask(t *testing.T) {
	e, srv, _ := newEngine(t)
	if _, err := e.MoveTask(context.Background(), "t-1", model.TaskStatusDone); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("MoveTask before Start err = %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		_, ok := e.Store().Get(model.KindTask, "t-1")
		return ok
	})

	got, err := e.MoveTask(context.Background(), "t-1", model.TaskStatusInProgress)
	if err != nil {
		t.Fatalf("MoveTask: %v", err)
	}
	if got.Status != model.TaskStatusInProgress {
		t.Fatalf("result = %+v", got)
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.patches) != 1 || srv.patches[0]["status"] != "in_progress" {
		t.Fatalf("patches = %v", srv.patches)
	}
}

func TestEngine_ApplyConfig(t *testing.T) {
	e, _, _ := newEngine(t)
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	next := e.Config()
	next.Poll.Agents = 3 * time.Second
	next.LogLevel = "debug"
	next.BaseURL = "http://elsewhere.test"
	e.ApplyConfig(next)

	if got := e.Poller().Interval(model.KindAgent); got != 3*time.Second {
		t.Fatalf("agent interval = %s", got)
	}
	if e.level.Level() != slog.LevelDebug {
		t.Fatalf("level = %v", e.level.Level())
	}
	if e.Config().BaseURL != "http://board.test" {
		t.Fatal("base_url changed without restart")
	}
}

func TestEngine_UnknownWorkspaceFailsStart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.BaseURL = srv.URL
	cfg.Workspace = "nope"
	e, err := New(context.Background(), cfg, Deps{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	err = e.Start(context.Background())
	if syncerr.Classify(err) != syncerr.ClassNotFound {
		t.Fatalf("Start err = %v, want not found", err)
	}
	if e.Stream().State() != stream.StateDisconnected {
		t.Fatal("stream started despite failed startup")
	}
}
