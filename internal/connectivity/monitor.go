// Package connectivity probes server reachability and maintains the store's
// online flag with debounced transitions.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/boardsync/internal/otel"
	"github.com/basket/boardsync/internal/state"
	"github.com/basket/boardsync/internal/syncerr"
)

// Prober performs one lightweight reachability check.
type Prober interface {
	Probe(ctx context.Context) (bool, error)
}

// Config holds the dependencies and tuning for a Monitor.
type Config struct {
	Prober  Prober
	Store   *state.Store
	Logger  *slog.Logger
	Metrics *otel.Metrics

	OnlineInterval   time.Duration // probe period while online; defaults to 30s
	OfflineInterval  time.Duration // probe period while offline or unknown; defaults to 5s
	ProbeTimeout     time.Duration // defaults to 5s
	FailureThreshold int           // consecutive failures to go offline; defaults to 2
	SuccessThreshold int           // consecutive successes to go online; defaults to 2
}

// Monitor owns the online/offline flag. Probe results and stream liveness
// samples feed the same debounce counters.
type Monitor struct {
	prober  Prober
	store   *state.Store
	logger  *slog.Logger
	metrics *otel.Metrics

	onlineInterval  time.Duration
	offlineInterval time.Duration
	probeTimeout    time.Duration
	failThreshold   int
	okThreshold     int

	mu       sync.Mutex
	okStreak int
	failRun  int

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a Monitor with the given config.
func NewMonitor(cfg Config) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		prober:          cfg.Prober,
		store:           cfg.Store,
		logger:          logger.With("component", "connectivity"),
		metrics:         cfg.Metrics,
		onlineInterval:  cfg.OnlineInterval,
		offlineInterval: cfg.OfflineInterval,
		probeTimeout:    cfg.ProbeTimeout,
		failThreshold:   cfg.FailureThreshold,
		okThreshold:     cfg.SuccessThreshold,
		wake:            make(chan struct{}, 1),
	}
	if m.onlineInterval <= 0 {
		m.onlineInterval = 30 * time.Second
	}
	if m.offlineInterval <= 0 {
		m.offlineInterval = 5 * time.Second
	}
	if m.probeTimeout <= 0 {
		m.probeTimeout = 5 * time.Second
	}
	if m.failThreshold <= 0 {
		m.failThreshold = 2
	}
	if m.okThreshold <= 0 {
		m.okThreshold = 2
	}
	return m
}

// Start probes immediately and then on the adaptive interval until Stop or
// ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
	m.logger.Info("connectivity monitor started",
		"online_interval", m.onlineInterval, "offline_interval", m.offlineInterval)
}

// Stop cancels the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("connectivity monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	m.ProbeOnce(ctx)
	timer := time.NewTimer(m.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
			// The flag flipped; switch to the other cadence.
			timer.Reset(m.interval())
		case <-timer.C:
			m.ProbeOnce(ctx)
			timer.Reset(m.interval())
		}
	}
}

// interval is short while offline (or not yet known) and long while online.
func (m *Monitor) interval() time.Duration {
	if m.store.Connection().Online {
		return m.onlineInterval
	}
	return m.offlineInterval
}

// ProbeOnce runs a single bounded probe and records its result.
func (m *Monitor) ProbeOnce(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	ok, err := m.prober.Probe(pctx)
	cancel()
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		ok = false
		m.logger.Debug("probe failed", "class", syncerr.Classify(err), "error", err)
	}
	m.record(ok, "probe")
}

// Observe records a liveness sample from another source, such as the push
// stream reaching Connected. It is subject to the same debounce as probes.
func (m *Monitor) Observe(ok bool) {
	m.record(ok, "stream")
}

func (m *Monitor) record(ok bool, source string) {
	now := time.Now()

	m.mu.Lock()
	if ok {
		m.okStreak++
		m.failRun = 0
	} else {
		m.failRun++
		m.okStreak = 0
	}
	conn := m.store.Connection()
	// An unknown flag has no prior state to debounce against.
	flip := !conn.Known ||
		(conn.Online && !ok && m.failRun >= m.failThreshold) ||
		(!conn.Online && ok && m.okStreak >= m.okThreshold)
	changed := false
	if flip {
		changed = m.store.SetConnection(ok, now)
	} else {
		m.store.TouchConnection(now)
	}
	m.mu.Unlock()

	if !changed {
		return
	}
	m.metrics.RecordConnTransition(context.Background(), ok)
	if ok {
		m.logger.Info("connectivity restored", "source", source)
	} else {
		m.logger.Warn("connectivity lost", "source", source)
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
}
