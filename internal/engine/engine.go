// Package engine assembles the sync components around one store and owns
// their lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/basket/boardsync/internal/api"
	"github.com/basket/boardsync/internal/bus"
	"github.com/basket/boardsync/internal/config"
	"github.com/basket/boardsync/internal/connectivity"
	"github.com/basket/boardsync/internal/model"
	"github.com/basket/boardsync/internal/optimistic"
	"github.com/basket/boardsync/internal/otel"
	"github.com/basket/boardsync/internal/poll"
	"github.com/basket/boardsync/internal/state"
	"github.com/basket/boardsync/internal/stream"
	"github.com/basket/boardsync/internal/syncerr"
	"github.com/basket/boardsync/internal/telemetry"
)

// Deps overrides the server-facing collaborators. Any nil field is served by
// an api.Client built from the config.
type Deps struct {
	Fetcher   poll.Fetcher
	Updater   optimistic.Updater
	Prober    connectivity.Prober
	Transport stream.Transport

	Logger    *slog.Logger
	Level     *slog.LevelVar
	Telemetry *otel.Provider
}

// Status is the engine's health snapshot.
type Status struct {
	Workspace   string `json:"workspace"`
	Stream      string `json:"stream"`
	Online      bool   `json:"online"`
	Known       bool   `json:"known"`
	Pending     int    `json:"pending"`
	Fingerprint string `json:"config_fingerprint"`
}

type Engine struct {
	logger   *slog.Logger
	level    *slog.LevelVar
	provider *otel.Provider
	ownsOTel bool
	metrics  *otel.Metrics

	api     *api.Client
	store   *state.Store
	bus     *bus.Bus
	stream  *stream.Client
	poller  *poll.Reconciler
	mutator *optimistic.Mutator
	monitor *connectivity.Monitor

	mu        sync.RWMutex
	cfg       config.Config
	workspace api.Workspace

	startOnce sync.Once
	closeOnce sync.Once
	started   bool
	closed    bool
	inflight  sync.WaitGroup
}

// New builds every component from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg config.Config, deps Deps) (*Engine, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := deps.Level
	if level == nil {
		level = new(slog.LevelVar)
		level.Set(telemetry.ParseLevel(cfg.LogLevel))
	}

	e := &Engine{
		logger:   logger.With("component", "engine"),
		level:    level,
		provider: deps.Telemetry,
		cfg:      cfg,
	}
	if e.provider == nil {
		otelCfg := cfg.OTel
		otelCfg.Workspace = cfg.Workspace
		p, err := otel.Init(ctx, otelCfg)
		if err != nil {
			return nil, fmt.Errorf("init telemetry: %w", err)
		}
		e.provider, e.ownsOTel = p, true
	}
	metrics := e.provider.Metrics
	if metrics == nil {
		var err error
		if metrics, err = otel.NewMetrics(e.provider.Meter); err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
	}
	e.metrics = metrics

	if deps.Fetcher == nil || deps.Updater == nil || deps.Prober == nil || deps.Transport == nil {
		client, err := api.New(api.Config{
			BaseURL:    cfg.BaseURL,
			AuthToken:  cfg.AuthToken,
			ProbePath:  cfg.Connectivity.ProbePath,
			StreamPath: cfg.Stream.Path,
			EventLimit: cfg.Poll.EventLimit,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		e.api = client
	}
	fetcher := deps.Fetcher
	if fetcher == nil {
		fetcher = e.api
	}
	updater := deps.Updater
	if updater == nil {
		updater = e.api
	}
	prober := deps.Prober
	if prober == nil {
		prober = e.api
	}
	transport := deps.Transport
	if transport == nil {
		transport = e.transport(cfg)
	}

	e.bus = bus.New()
	e.store = state.New(state.Options{
		EventCap: cfg.EventHistory,
		Bus:      e.bus,
		Logger:   logger,
		Metrics:  metrics,
	})
	e.monitor = connectivity.NewMonitor(connectivity.Config{
		Prober:           prober,
		Store:            e.store,
		Logger:           logger,
		Metrics:          metrics,
		OnlineInterval:   cfg.Connectivity.OnlineInterval,
		OfflineInterval:  cfg.Connectivity.OfflineInterval,
		ProbeTimeout:     cfg.Connectivity.ProbeTimeout,
		FailureThreshold: cfg.Connectivity.FailureThreshold,
		SuccessThreshold: cfg.Connectivity.SuccessThreshold,
	})
	var err error
	e.stream, err = stream.New(stream.Config{
		Transport:     transport,
		Store:         e.store,
		Bus:           e.bus,
		Logger:        logger,
		Metrics:       metrics,
		Liveness:      e.monitor,
		DebugLog:      stream.NewDebugLog(cfg.Stream.DebugLines),
		SilenceWindow: cfg.Stream.SilenceWindow,
		BackoffMin:    cfg.Stream.BackoffMin,
		BackoffMax:    cfg.Stream.BackoffMax,
		Jitter:        cfg.Stream.Jitter,
		DedupWindow:   cfg.Stream.DedupWindow,
	})
	if err != nil {
		e.bus.Close()
		return nil, err
	}
	e.poller = poll.NewReconciler(poll.Config{
		Fetcher:   fetcher,
		Store:     e.store,
		Logger:    logger,
		Metrics:   metrics,
		Intervals: cfg.PollIntervals(),
		Timeout:   cfg.Poll.Timeout,
	})
	e.mutator = optimistic.New(optimistic.Config{
		Store:   e.store,
		Updater: updater,
		Bus:     e.bus,
		Logger:  logger,
		Metrics: metrics,
		Tracer:  e.provider.Tracer,
		Timeout: cfg.Mutation.Timeout,
	})
	return e, nil
}

// transport picks the push transport named in the config. The stream client
// gets its own http.Client because a request timeout would cut the stream.
func (e *Engine) transport(cfg config.Config) stream.Transport {
	if cfg.StreamTransport == config.TransportWebSocket {
		return &stream.WebSocketTransport{
			URL:    e.api.StreamURL(true),
			Header: e.api.Header(),
		}
	}
	return &stream.SSETransport{
		Client: &http.Client{},
		URL:    e.api.StreamURL(false),
		Header: e.api.Header(),
	}
}

// Start binds the workspace and launches the connectivity monitor, the poll
// loops and the stream client. An unknown workspace is a startup error.
func (e *Engine) Start(ctx context.Context) error {
	var err error
	e.startOnce.Do(func() {
		if e.api != nil && e.Config().Workspace != "" {
			if err = e.resolveWorkspace(ctx); err != nil {
				return
			}
		}
		e.monitor.Start(ctx)
		e.poller.Start(ctx)
		e.stream.Start(ctx)
		e.mu.Lock()
		e.started = true
		e.mu.Unlock()
		e.logger.Info("engine started", "workspace", e.Workspace().Slug, "fingerprint", e.Config().Fingerprint())
	})
	return err
}

// resolveWorkspace retries transient failures briefly; a missing workspace
// fails at once.
func (e *Engine) resolveWorkspace(ctx context.Context) error {
	slug := e.Config().Workspace
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	ws, err := backoff.Retry(ctx, func() (api.Workspace, error) {
		ws, err := e.api.ResolveWorkspace(ctx, slug)
		if err != nil && syncerr.Classify(err) != syncerr.ClassTransient {
			return ws, backoff.Permanent(err)
		}
		return ws, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(5),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.logger.Warn("workspace lookup failed, retrying", "workspace", slug, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("resolve workspace %q: %w", slug, err)
	}
	e.mu.Lock()
	e.workspace = ws
	e.mu.Unlock()
	return nil
}

// Close stops every loop and waits for them. No store write happens after
// Close returns. It is safe to call more than once.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		started := e.started
		e.closed = true
		e.mu.Unlock()
		e.inflight.Wait()
		if started {
			e.stream.Stop()
			e.poller.Stop()
			e.monitor.Stop()
		}
		e.bus.Close()
		if e.ownsOTel {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = e.provider.Shutdown(ctx)
		}
		e.logger.Info("engine closed")
	})
	return err
}

// ApplyConfig applies the settings that can change at runtime: poll
// intervals and log level. Other changes are logged and need a restart.
func (e *Engine) ApplyConfig(cfg config.Config) {
	e.mu.Lock()
	prev := e.cfg
	e.cfg.LogLevel = cfg.LogLevel
	e.cfg.Poll.Tasks, e.cfg.Poll.Agents, e.cfg.Poll.Events = cfg.Poll.Tasks, cfg.Poll.Agents, cfg.Poll.Events
	e.mu.Unlock()

	e.level.Set(telemetry.ParseLevel(cfg.LogLevel))
	for kind, d := range cfg.PollIntervals() {
		if d != prev.PollIntervals()[kind] {
			e.poller.SetInterval(kind, d)
		}
	}

	var restart []string
	if cfg.BaseURL != prev.BaseURL {
		restart = append(restart, "base_url")
	}
	if cfg.Workspace != prev.Workspace {
		restart = append(restart, "workspace")
	}
	if cfg.StreamTransport != prev.StreamTransport {
		restart = append(restart, "stream_transport")
	}
	if cfg.AuthToken != prev.AuthToken {
		restart = append(restart, "auth_token")
	}
	if len(restart) > 0 {
		e.logger.Warn("config changes need a restart", "fields", restart)
	}
	e.logger.Info("config reloaded", "fingerprint", e.Config().Fingerprint(), "log_level", cfg.LogLevel)
}

func (e *Engine) Config() config.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

func (e *Engine) Workspace() api.Workspace {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.workspace
}

func (e *Engine) Store() *state.Store            { return e.store }
func (e *Engine) Bus() *bus.Bus                  { return e.bus }
func (e *Engine) Stream() *stream.Client         { return e.stream }
func (e *Engine) Poller() *poll.Reconciler       { return e.poller }
func (e *Engine) Mutator() *optimistic.Mutator   { return e.mutator }
func (e *Engine) Monitor() *connectivity.Monitor { return e.monitor }

var ErrNotRunning = errors.New("engine is not running")

// MoveTask is the board's drag-and-drop action. Close waits for moves in
// flight.
func (e *Engine) MoveTask(ctx context.Context, id string, status model.TaskStatus) (model.Task, error) {
	e.mu.RLock()
	if !e.started || e.closed {
		e.mu.RUnlock()
		return model.Task{}, ErrNotRunning
	}
	e.inflight.Add(1)
	e.mu.RUnlock()
	defer e.inflight.Done()
	return e.mutator.MoveTask(ctx, id, status)
}

func (e *Engine) Status() Status {
	conn := e.store.Connection()
	return Status{
		Workspace:   e.Config().Workspace,
		Stream:      e.stream.State().String(),
		Online:      conn.Online,
		Known:       conn.Known,
		Pending:     e.store.PendingCount(),
		Fingerprint: e.Config().Fingerprint(),
	}
}
