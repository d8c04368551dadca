// Package optimistic applies local edits before the server confirms them and
// resolves each edit to a commit or an exact rollback.
package optimistic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/boardsync/internal/bus"
	"github.com/basket/boardsync/internal/model"
	"github.com/basket/boardsync/internal/otel"
	"github.com/basket/boardsync/internal/state"
	"github.com/basket/boardsync/internal/syncerr"
)

// ServerCall performs the network request for a mutation and returns the
// canonical entity. A nil entity with a nil error keeps the speculative value.
type ServerCall func(ctx context.Context) (model.Entity, error)

// Updater sends partial updates to the server.
type Updater interface {
	Update(ctx context.Context, kind model.Kind, id string, patch model.Patch) (model.Entity, error)
}

// Config holds the dependencies for a Mutator.
type Config struct {
	Store   *state.Store
	Updater Updater // used by Apply and MoveTask; Mutate takes its own call
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Timeout time.Duration // per server call; defaults to 15s
}

// Mutator serializes optimistic writes per entity. A mutation on an entity
// with one already in flight waits for it, in arrival order.
type Mutator struct {
	store   *state.Store
	updater Updater
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer
	timeout time.Duration

	mu    sync.Mutex
	lanes map[laneKey]*lane
}

type laneKey struct {
	kind model.Kind
	id   string
}

// lane is the FIFO of mutations waiting on one entity.
type lane struct {
	waiters []chan struct{}
}

// New creates a Mutator.
func New(cfg Config) *Mutator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.ScopeName)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Mutator{
		store:   cfg.Store,
		updater: cfg.Updater,
		bus:     cfg.Bus,
		logger:  logger.With("component", "optimistic"),
		metrics: cfg.Metrics,
		tracer:  tracer,
		timeout: timeout,
		lanes:   make(map[laneKey]*lane),
	}
}

// Mutate applies patch locally, runs call, then commits the server's answer
// or rolls back. On failure the returned error is the one surfaced to the
// user and exactly one mutation.failed event is published.
func (m *Mutator) Mutate(ctx context.Context, kind model.Kind, id string, patch model.Patch, call ServerCall) (model.Entity, error) {
	key := laneKey{kind, id}
	if err := m.acquire(ctx, key); err != nil {
		return nil, err
	}
	defer m.release(key)

	tok, err := m.begin(ctx, kind, id, patch)
	if err != nil {
		// Nothing was applied, so there is nothing to roll back.
		m.publishFailure(kind, id, err)
		return nil, err
	}

	start := time.Now()
	spanCtx, span := otel.StartClientSpan(ctx, m.tracer, "mutation "+string(kind),
		otel.AttrKind.String(string(kind)),
		otel.AttrEntityID.String(id),
	)
	defer span.End()

	callCtx, cancel := context.WithTimeout(spanCtx, m.timeout)
	canonical, err := call(callCtx)
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()

	if err == nil {
		cerr := m.store.CommitOptimistic(tok, canonical)
		switch {
		case cerr == nil:
			m.metrics.RecordMutation(ctx, string(kind), true, time.Since(start))
			span.SetAttributes(otel.AttrOutcome.String("committed"))
			if m.bus != nil {
				m.bus.Publish(bus.TopicMutationCommitted, bus.MutationCommitted{Kind: string(kind), ID: id})
			}
			visible, _ := m.store.Get(kind, id)
			return visible, nil
		case syncerr.IsUnknownToken(cerr):
			// The entity was removed while the request was in flight.
			m.logger.Debug("commit after removal ignored", "kind", kind, "id", id)
			m.metrics.RecordMutation(ctx, string(kind), true, time.Since(start))
			return canonical, nil
		default:
			err = cerr
		}
	}

	if timedOut && !errors.Is(err, context.Canceled) {
		err = syncerr.Transient(fmt.Sprintf("update %s %s", kind, id), err)
	}
	if rerr := m.store.RollbackOptimistic(tok); rerr != nil && !syncerr.IsUnknownToken(rerr) {
		m.logger.Warn("rollback failed", "kind", kind, "id", id, "error", rerr)
	}
	m.metrics.RecordMutation(ctx, string(kind), false, time.Since(start))
	span.SetAttributes(otel.AttrOutcome.String("rolled_back"), otel.AttrClass.String(string(syncerr.Classify(err))))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	m.logger.Info("optimistic mutation rolled back",
		"kind", kind, "id", id, "class", syncerr.Classify(err), "error", err)
	m.publishFailure(kind, id, err)
	return nil, err
}

// Apply mutates through the configured Updater.
func (m *Mutator) Apply(ctx context.Context, kind model.Kind, id string, patch model.Patch) (model.Entity, error) {
	if m.updater == nil {
		return nil, errors.New("optimistic: no updater configured")
	}
	return m.Mutate(ctx, kind, id, patch, func(ctx context.Context) (model.Entity, error) {
		return m.updater.Update(ctx, kind, id, patch)
	})
}

// MoveTask changes a task's board column.
func (m *Mutator) MoveTask(ctx context.Context, id string, status model.TaskStatus) (model.Task, error) {
	if !status.Valid() {
		return model.Task{}, fmt.Errorf("move task %s: unknown status %q", id, status)
	}
	e, err := m.Apply(ctx, model.KindTask, id, model.Patch{"status": string(status)})
	if err != nil {
		return model.Task{}, err
	}
	t, _ := e.(model.Task)
	return t, nil
}

// begin opens the store entry, waiting out entries created outside this
// Mutator.
func (m *Mutator) begin(ctx context.Context, kind model.Kind, id string, patch model.Patch) (state.Token, error) {
	for {
		tok, err := m.store.BeginOptimistic(kind, id, patch)
		if !syncerr.IsConflict(err) {
			return tok, err
		}
		if err := m.store.AwaitResolution(ctx, kind, id); err != nil {
			return "", err
		}
	}
}

// acquire waits for this caller's turn on the entity's lane.
func (m *Mutator) acquire(ctx context.Context, key laneKey) error {
	m.mu.Lock()
	l, busy := m.lanes[key]
	if !busy {
		m.lanes[key] = &lane{}
		m.mu.Unlock()
		return nil
	}
	turn := make(chan struct{})
	l.waiters = append(l.waiters, turn)
	m.mu.Unlock()

	select {
	case <-turn:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		for i, w := range l.waiters {
			if w == turn {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				m.mu.Unlock()
				return ctx.Err()
			}
		}
		m.mu.Unlock()
		// The turn was handed over concurrently; pass it on.
		m.release(key)
		return ctx.Err()
	}
}

// release hands the lane to the next waiter, or frees it.
func (m *Mutator) release(key laneKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lanes[key]
	if !ok {
		return
	}
	if len(l.waiters) == 0 {
		delete(m.lanes, key)
		return
	}
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	close(next)
}

// Queued returns how many mutations are waiting behind the in-flight one for
// an entity.
func (m *Mutator) Queued(kind model.Kind, id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.lanes[laneKey{kind, id}]; ok {
		return len(l.waiters)
	}
	return 0
}

func (m *Mutator) publishFailure(kind model.Kind, id string, err error) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.TopicMutationFailed, bus.MutationFailed{
		Kind:  string(kind),
		ID:    id,
		Class: string(syncerr.Classify(err)),
		Err:   err,
	})
}
