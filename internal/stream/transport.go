package stream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
)

// Transport opens push subscriptions.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one open subscription. Next blocks until a complete frame arrives,
// the connection fails, or ctx is done.
type Conn interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// keepAliveFrame stands in for SSE comment lines so they reset the
// silence window like any other heartbeat.
var keepAliveFrame = []byte(`{"type":"ping"}`)

// SSETransport subscribes over HTTP with a text/event-stream (or
// newline-delimited JSON) response body.
type SSETransport struct {
	Client *http.Client
	URL    string
	Header http.Header
}

func (t *SSETransport) Dial(ctx context.Context) (Conn, error) {
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	// The stream outlives Dial's ctx; it is torn down by Close.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.URL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stream request: %w", err)
	}
	for k, vs := range t.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	type dialResult struct {
		resp *http.Response
		err  error
	}
	done := make(chan dialResult, 1)
	go func() {
		resp, err := client.Do(req)
		done <- dialResult{resp, err}
	}()
	var resp *http.Response
	select {
	case r := <-done:
		if r.err != nil {
			cancel()
			return nil, r.err
		}
		resp = r.resp
	case <-ctx.Done():
		cancel()
		// The request is canceled now, so Do returns promptly; a response
		// that won the race still owns a connection.
		if r := <-done; r.err == nil {
			r.resp.Body.Close()
		}
		return nil, ctx.Err()
	}
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("stream: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	c := &sseConn{
		body:   resp.Body,
		cancel: cancel,
		frames: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

type sseConn struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	frames chan []byte
	done   chan struct{}

	mu      sync.Mutex
	readErr error
	once    sync.Once
}

// readLoop splits the body into frames. "data:" lines accumulate until a
// blank line; a bare JSON line is a frame on its own.
func (c *sseConn) readLoop() {
	defer close(c.done)
	scanner := bufio.NewScanner(c.body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var data bytes.Buffer
	flush := func() {
		if data.Len() == 0 {
			return
		}
		frame := bytes.Clone(data.Bytes())
		data.Reset()
		c.frames <- frame
	}
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
			c.frames <- keepAliveFrame
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "{"):
			flush()
			c.frames <- []byte(line)
		default:
			// event:, id:, retry: fields carry nothing the client uses.
		}
	}
	flush()

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
}

func (c *sseConn) Next(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.frames:
		return frame, nil
	default:
	}
	select {
	case frame := <-c.frames:
		return frame, nil
	case <-c.done:
		// Drain frames queued before the body ended.
		select {
		case frame := <-c.frames:
			return frame, nil
		default:
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.readErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *sseConn) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.body.Close()
		// Unblock a reader stuck on a full frames channel.
		go func() {
			for {
				select {
				case <-c.frames:
				case <-c.done:
					return
				}
			}
		}()
	})
	return err
}

// WebSocketTransport subscribes over a WebSocket; each text message is one frame.
type WebSocketTransport struct {
	URL        string
	Header     http.Header
	HTTPClient *http.Client
	ReadLimit  int64
}

func (t *WebSocketTransport) Dial(ctx context.Context) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, t.URL, &websocket.DialOptions{
		HTTPClient: t.HTTPClient,
		HTTPHeader: t.Header,
	})
	if err != nil {
		return nil, err
	}
	limit := t.ReadLimit
	if limit <= 0 {
		limit = 1 << 20
	}
	conn.SetReadLimit(limit)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Next(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
