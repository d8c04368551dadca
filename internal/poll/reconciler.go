// Package poll runs the periodic full-collection fetches that back up the
// push stream. Each resource kind has its own cancellable loop.
package poll

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/boardsync/internal/model"
	"github.com/basket/boardsync/internal/otel"
	"github.com/basket/boardsync/internal/state"
	"github.com/basket/boardsync/internal/syncerr"
)

// Fetcher lists the current collection of one kind from the server.
type Fetcher interface {
	List(ctx context.Context, kind model.Kind) ([]model.Entity, error)
}

// Config holds the dependencies for the Reconciler.
type Config struct {
	Fetcher   Fetcher
	Store     *state.Store
	Logger    *slog.Logger
	Metrics   *otel.Metrics
	Intervals map[model.Kind]time.Duration // kinds absent here are not polled
	Timeout   time.Duration                // per-fetch bound; defaults to the kind's interval
}

// DefaultIntervals are the polling periods used when none are configured.
func DefaultIntervals() map[model.Kind]time.Duration {
	return map[model.Kind]time.Duration{
		model.KindTask:  10 * time.Second,
		model.KindAgent: 10 * time.Second,
		model.KindEvent: 5 * time.Second,
	}
}

// Reconciler periodically fetches each kind and reconciles it into the store.
type Reconciler struct {
	fetcher Fetcher
	store   *state.Store
	logger  *slog.Logger
	metrics *otel.Metrics
	timeout time.Duration

	mu        sync.Mutex
	intervals map[model.Kind]time.Duration
	resets    map[model.Kind]chan time.Duration
	lastOK    map[model.Kind]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconciler creates a Reconciler with the given config.
func NewReconciler(cfg Config) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	intervals := cfg.Intervals
	if len(intervals) == 0 {
		intervals = DefaultIntervals()
	}
	copied := make(map[model.Kind]time.Duration, len(intervals))
	for k, d := range intervals {
		if d > 0 {
			copied[k] = d
		}
	}
	return &Reconciler{
		fetcher:   cfg.Fetcher,
		store:     cfg.Store,
		logger:    logger.With("component", "poll"),
		metrics:   cfg.Metrics,
		timeout:   cfg.Timeout,
		intervals: copied,
		resets:    make(map[model.Kind]chan time.Duration, len(copied)),
		lastOK:    make(map[model.Kind]time.Time, len(copied)),
	}
}

// Start launches one loop per configured kind. Each loop polls immediately,
// then on every tick until Stop or ctx is done.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Lock()
	for _, kind := range model.Kinds {
		interval, ok := r.intervals[kind]
		if !ok {
			continue
		}
		reset := make(chan time.Duration, 1)
		r.resets[kind] = reset
		r.wg.Add(1)
		go r.loop(ctx, kind, interval, reset)
	}
	r.mu.Unlock()
	r.logger.Info("poll reconciler started", "kinds", len(r.intervals))
}

// Stop cancels every loop and waits for them to exit. No store write happens
// after Stop returns.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("poll reconciler stopped")
}

// SetInterval changes a running kind's period. The new period applies from
// the next tick.
func (r *Reconciler) SetInterval(kind model.Kind, d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.intervals[kind] == d {
		return
	}
	r.intervals[kind] = d
	reset, ok := r.resets[kind]
	if !ok {
		return
	}
	// Keep only the latest value if the loop has not picked up the last one.
	select {
	case <-reset:
	default:
	}
	reset <- d
}

// Interval returns the configured period for kind.
func (r *Reconciler) Interval(kind model.Kind) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.intervals[kind]
}

// LastSuccess returns when kind was last reconciled successfully.
func (r *Reconciler) LastSuccess(kind model.Kind) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastOK[kind]
}

func (r *Reconciler) loop(ctx context.Context, kind model.Kind, interval time.Duration, reset <-chan time.Duration) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	r.Tick(ctx, kind)

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-reset:
			ticker.Reset(d)
			r.logger.Info("poll interval changed", "kind", kind, "interval", d)
		case <-ticker.C:
			r.Tick(ctx, kind)
		}
	}
}

// Tick fetches kind once and reconciles it. Failures are logged and counted;
// the next tick retries.
func (r *Reconciler) Tick(ctx context.Context, kind model.Kind) {
	since := r.store.Seq()

	fetchCtx := ctx
	timeout := r.timeout
	if timeout <= 0 {
		timeout = r.Interval(kind)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	items, err := r.fetcher.List(fetchCtx, kind)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		class := syncerr.Classify(err)
		r.metrics.RecordPollFailure(ctx, string(kind), string(class))
		r.logger.Debug("poll failed", "kind", kind, "class", class, "error", err)
		return
	}
	if ctx.Err() != nil {
		return
	}

	res, err := r.store.Reconcile(kind, items, since)
	if err != nil {
		r.metrics.RecordPollFailure(ctx, string(kind), string(syncerr.ClassMalformed))
		r.logger.Warn("poll result rejected", "kind", kind, "error", err)
		return
	}
	r.metrics.RecordPollRemoved(ctx, string(kind), res.Removed)

	r.mu.Lock()
	r.lastOK[kind] = time.Now()
	r.mu.Unlock()

	if res.Changed > 0 || res.Removed > 0 {
		r.logger.Debug("poll reconciled", "kind", kind,
			"fetched", len(items), "changed", res.Changed, "stale", res.Stale, "removed", res.Removed)
	}
}
