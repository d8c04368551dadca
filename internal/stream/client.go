// Package stream keeps one long-lived push subscription open and merges every
// decoded message into the state store.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/boardsync/internal/bus"
	"github.com/basket/boardsync/internal/model"
	"github.com/basket/boardsync/internal/otel"
	"github.com/basket/boardsync/internal/state"
	"github.com/basket/boardsync/internal/syncerr"
)

// State is a position in the connection state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// LivenessSignal receives connection health samples. The connectivity
// monitor implements it and applies its own debounce.
type LivenessSignal interface {
	Observe(ok bool)
}

var errStalled = errors.New("stream stalled: no traffic within silence window")

// Config holds the dependencies and tuning for a Client.
type Config struct {
	Transport Transport
	Store     *state.Store
	Bus       *bus.Bus
	Logger    *slog.Logger
	Metrics   *otel.Metrics
	Liveness  LivenessSignal
	Validator *Validator // nil compiles the default message schema
	DebugLog  *DebugLog  // nil creates a 50-line log

	SilenceWindow time.Duration // defaults to 45s
	BackoffMin    time.Duration // defaults to 1s
	BackoffMax    time.Duration // defaults to 30s
	Jitter        float64       // fraction of half the base delay; negative disables
	DedupWindow   int           // recent ids remembered; defaults to 512
}

// Client owns the push subscription and its reconnect state machine.
type Client struct {
	transport Transport
	store     *state.Store
	bus       *bus.Bus
	logger    *slog.Logger
	metrics   *otel.Metrics
	liveness  LivenessSignal
	validator *Validator
	debug     *DebugLog
	silence   time.Duration
	backoff   *Backoff
	recent    *recentIDs

	mu       sync.RWMutex
	state    State
	attempts int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Client in the Disconnected state.
func New(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, errors.New("stream: transport is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("stream: store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	validator := cfg.Validator
	if validator == nil {
		v, err := NewValidator()
		if err != nil {
			return nil, err
		}
		validator = v
	}
	debug := cfg.DebugLog
	if debug == nil {
		debug = NewDebugLog(defaultDebugLines)
	}
	silence := cfg.SilenceWindow
	if silence <= 0 {
		silence = 45 * time.Second
	}
	minDelay, maxDelay := cfg.BackoffMin, cfg.BackoffMax
	if minDelay <= 0 {
		minDelay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	jitter := cfg.Jitter
	if jitter == 0 {
		jitter = 0.5
	}
	return &Client{
		transport: cfg.Transport,
		store:     cfg.Store,
		bus:       cfg.Bus,
		logger:    logger.With("component", "stream"),
		metrics:   cfg.Metrics,
		liveness:  cfg.Liveness,
		validator: validator,
		debug:     debug,
		silence:   silence,
		backoff:   NewBackoff(minDelay, maxDelay, jitter),
		recent:    newRecentIDs(cfg.DedupWindow),
		state:     StateDisconnected,
	}, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// DebugLog returns the client's recent lifecycle log.
func (c *Client) DebugLog() *DebugLog { return c.debug }

// Start runs the client in a background goroutine until Stop or ctx is done.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Run(ctx)
	}()
	c.logger.Info("stream client started", "silence_window", c.silence)
}

// Stop closes the subscription and waits for the client to reach Closed.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info("stream client stopped")
}

// Run connects, consumes and reconnects until ctx is done. It always returns
// with the client in the Closed state.
func (c *Client) Run(ctx context.Context) {
	defer c.setState(StateClosed, 0)

	for {
		c.setState(StateConnecting, 0)
		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		c.attempts++
		c.mu.Unlock()
		delay := c.backoff.Next()
		c.metrics.RecordReconnect(ctx)
		c.logger.Warn("stream disconnected", "error", err, "class", syncerr.Classify(err), "retry_in", delay)
		c.debug.Add("SSE: reconnecting", fmt.Sprintf("in %s: %v", delay.Round(time.Millisecond), err))
		c.setState(StateReconnecting, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session dials once and consumes until the connection ends.
func (c *Client) session(ctx context.Context) error {
	conn, err := c.transport.Dial(ctx)
	if err != nil {
		if ctx.Err() == nil && c.liveness != nil {
			c.liveness.Observe(false)
		}
		return syncerr.Transient("stream dial", err)
	}
	defer conn.Close()

	c.backoff.Reset()
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
	c.setState(StateConnected, 0)
	c.debug.Add("SSE: connected", "")
	if c.liveness != nil {
		c.liveness.Observe(true)
	}

	for {
		readCtx, cancel := context.WithTimeout(ctx, c.silence)
		data, err := conn.Next(readCtx)
		stalled := readCtx.Err() == context.DeadlineExceeded
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.liveness != nil {
				c.liveness.Observe(false)
			}
			if stalled {
				return syncerr.Transient("stream read", errStalled)
			}
			return syncerr.Transient("stream read", err)
		}
		c.handle(ctx, data)
	}
}

// handle decodes one frame and merges it. It never returns an error: bad
// frames are logged and dropped.
func (c *Client) handle(ctx context.Context, data []byte) {
	msg, p, err := decodeMessage(c.validator, data)
	if err != nil {
		c.metrics.RecordMalformed(ctx)
		var mm *syncerr.MalformedMessageError
		id := ""
		if errors.As(err, &mm) {
			id = mm.ID
		}
		c.logger.Warn("dropping malformed push message", "event_id", id, "error", err)
		c.debug.Add("SSE: malformed", err.Error())
		return
	}
	if msg.Type == TypePing {
		return
	}
	if c.recent.seen(msg.ID) {
		c.metrics.RecordDuplicate(ctx)
		c.logger.Debug("dropping duplicate push message", "event_id", msg.ID)
		return
	}
	c.debug.Add("SSE: "+msg.Type, msg.ID)
	c.apply(msg, p)
}

func (c *Client) apply(msg Message, p payload) {
	ev := toEvent(msg, p)
	if _, err := c.store.Upsert(model.KindEvent, ev, ev.Rev()); err != nil {
		c.logger.Warn("event merge failed", "event_id", msg.ID, "error", err)
	}

	if isDeletion(msg.Type) {
		kind, id := model.KindTask, firstNonEmpty(taskID(p.Task), p.TaskID)
		if strings.HasPrefix(msg.Type, "agent") {
			kind, id = model.KindAgent, firstNonEmpty(agentID(p.Agent), p.AgentID)
		}
		if id != "" {
			c.store.Remove(kind, id)
		}
		return
	}
	if p.Task != nil {
		if _, err := c.store.Upsert(model.KindTask, *p.Task, p.Task.Rev()); err != nil {
			c.logger.Warn("task merge failed", "event_id", msg.ID, "task_id", p.Task.ID, "error", err)
		}
	}
	if p.Agent != nil {
		if _, err := c.store.Upsert(model.KindAgent, *p.Agent, p.Agent.Rev()); err != nil {
			c.logger.Warn("agent merge failed", "event_id", msg.ID, "agent_id", p.Agent.ID, "error", err)
		}
	}
}

func (c *Client) setState(to State, delay time.Duration) {
	c.mu.Lock()
	from := c.state
	c.state = to
	attempts := c.attempts
	c.mu.Unlock()
	if from == to {
		return
	}
	c.logger.Debug("stream state", "from", from, "to", to, "attempt", attempts)
	if c.bus != nil {
		c.bus.Publish(bus.TopicStreamState, bus.StreamStateChanged{
			From:    from.String(),
			To:      to.String(),
			Attempt: attempts,
			Delay:   delay,
		})
	}
}

func taskID(t *model.Task) string {
	if t == nil {
		return ""
	}
	return t.ID
}

func agentID(a *model.Agent) string {
	if a == nil {
		return ""
	}
	return a.ID
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
