// Package api is the HTTP boundary to the board server: collection fetches
// for polling, partial updates for mutations, the liveness probe, and the
// workspace lookup.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basket/boardsync/internal/model"
	"github.com/basket/boardsync/internal/syncerr"
)

const (
	maxBodyBytes = 4 << 20

	DefaultProbePath  = "/api/status"
	DefaultStreamPath = "/api/events/stream"
)

// Config holds the server address and request options.
type Config struct {
	BaseURL    string
	AuthToken  string
	HTTPClient *http.Client // defaults to a client with a 30s timeout
	ProbePath  string
	StreamPath string
	EventLimit int // events fetched per poll; defaults to 20
	Logger     *slog.Logger
}

// Workspace is the board a client is bound to.
type Workspace struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Client talks to the board server. It implements poll.Fetcher,
// optimistic.Updater and connectivity.Prober.
type Client struct {
	base       *url.URL
	token      string
	http       *http.Client
	probePath  string
	streamPath string
	eventLimit int
	logger     *slog.Logger

	mu          sync.RWMutex
	workspaceID string
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("api: base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("api: parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("api: base URL must be http or https, got %q", cfg.BaseURL)
	}
	if base.Path == "" {
		base.Path = "/"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		base:       base,
		token:      cfg.AuthToken,
		http:       httpClient,
		probePath:  cfg.ProbePath,
		streamPath: cfg.StreamPath,
		eventLimit: cfg.EventLimit,
		logger:     logger.With("component", "api"),
	}
	if c.probePath == "" {
		c.probePath = DefaultProbePath
	}
	if c.streamPath == "" {
		c.streamPath = DefaultStreamPath
	}
	if c.eventLimit <= 0 {
		c.eventLimit = 20
	}
	return c, nil
}

// SetWorkspace scopes task and agent fetches to a workspace id.
func (c *Client) SetWorkspace(id string) {
	c.mu.Lock()
	c.workspaceID = id
	c.mu.Unlock()
}

func (c *Client) WorkspaceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.workspaceID
}

// ResolveWorkspace looks a workspace up by slug and binds the client to it.
func (c *Client) ResolveWorkspace(ctx context.Context, slug string) (Workspace, error) {
	var ws Workspace
	resp, err := c.do(ctx, http.MethodGet, c.endpoint(nil, "api", "workspaces", url.PathEscape(slug)), nil)
	if err != nil {
		return ws, syncerr.Transient("resolve workspace", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ws, &syncerr.NotFoundError{Kind: "workspace", ID: slug}
	case resp.StatusCode/100 != 2:
		return ws, fmt.Errorf("resolve workspace %s: %s", slug, statusError(resp))
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&ws); err != nil {
		return ws, fmt.Errorf("resolve workspace %s: decode: %w", slug, err)
	}
	if ws.ID == "" {
		return ws, fmt.Errorf("resolve workspace %s: response has no id", slug)
	}
	c.SetWorkspace(ws.ID)
	return ws, nil
}

// List fetches the full current collection of kind. Items that fail to
// decode are skipped and logged.
func (c *Client) List(ctx context.Context, kind model.Kind) ([]model.Entity, error) {
	q := url.Values{}
	switch kind {
	case model.KindTask, model.KindAgent:
		if ws := c.WorkspaceID(); ws != "" {
			q.Set("workspace_id", ws)
		}
	case model.KindEvent:
		q.Set("limit", strconv.Itoa(c.eventLimit))
	default:
		return nil, fmt.Errorf("list: unknown kind %q", kind)
	}
	op := "list " + kind.Plural()

	resp, err := c.do(ctx, http.MethodGet, c.endpoint(q, "api", kind.Plural()), nil)
	if err != nil {
		return nil, syncerr.Transient(op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		err := fmt.Errorf("%s: %s", op, statusError(resp))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, syncerr.Transient(op, err)
		}
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, syncerr.Transient(op, err)
	}
	items, skipped, err := model.DecodeList(kind, body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(skipped) > 0 {
		c.logger.Warn("skipped undecodable items", "kind", kind, "count", len(skipped), "first_error", skipped[0])
	}
	return items, nil
}

// Update sends a partial update and returns the canonical entity. A
// non-success status is a MutationRejectedError; an empty success body
// returns a nil entity.
func (c *Client) Update(ctx context.Context, kind model.Kind, id string, patch model.Patch) (model.Entity, error) {
	if kind != model.KindTask && kind != model.KindAgent {
		return nil, fmt.Errorf("update: %s entities are immutable", kind)
	}
	body, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("update %s %s: encode patch: %w", kind, id, err)
	}
	op := fmt.Sprintf("update %s %s", kind, id)
	resp, err := c.do(ctx, http.MethodPatch, c.endpoint(nil, "api", kind.Plural(), url.PathEscape(id)), body)
	if err != nil {
		return nil, syncerr.Transient(op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, &syncerr.MutationRejectedError{
			Kind:   string(kind),
			ID:     id,
			Status: resp.StatusCode,
			Reason: errorReason(resp),
		}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, syncerr.Transient(op, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	e, err := model.Decode(kind, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return e, nil
}

// Probe reports whether the server considers itself connected. The probe
// endpoint answers {"connected": bool}; any 2xx without a body counts as up.
func (c *Client) Probe(ctx context.Context) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, c.endpoint(nil, c.probePath), nil)
	if err != nil {
		return false, syncerr.Transient("probe", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return false, syncerr.Transient("probe", errors.New(statusError(resp)))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return false, syncerr.Transient("probe", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return true, nil
	}
	var status struct {
		Connected *bool `json:"connected"`
	}
	if err := json.Unmarshal(data, &status); err != nil {
		return false, fmt.Errorf("probe: decode: %w", err)
	}
	if status.Connected == nil {
		return true, nil
	}
	return *status.Connected, nil
}

// StreamURL returns the push subscription address, with the scheme switched
// to ws/wss when websocket is true.
func (c *Client) StreamURL(websocket bool) string {
	u := c.endpoint(nil, c.streamPath)
	if websocket {
		switch {
		case strings.HasPrefix(u, "https://"):
			u = "wss://" + strings.TrimPrefix(u, "https://")
		case strings.HasPrefix(u, "http://"):
			u = "ws://" + strings.TrimPrefix(u, "http://")
		}
	}
	return u
}

// Header returns the headers every request carries.
func (c *Client) Header() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

// endpoint joins escaped path segments onto the base URL.
func (c *Client) endpoint(q url.Values, elem ...string) string {
	u := c.base.JoinPath(elem...)
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) do(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	req.Header = c.Header()
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func statusError(resp *http.Response) string {
	reason := errorReason(resp)
	if reason == "" {
		return fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, reason)
}

// errorReason extracts {"error": "..."} from a failed response, falling back
// to the raw body text.
func errorReason(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	text := strings.TrimSpace(string(data))
	if text == "" {
		return ""
	}
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &e) == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Message != "" {
			return e.Message
		}
	}
	return text
}
