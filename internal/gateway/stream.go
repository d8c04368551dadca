package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/boardsync/internal/bus"
)

// feedEvent is one change-feed entry sent to local subscribers.
type feedEvent struct {
	Topic   string    `json:"topic"`
	Kind    string    `json:"kind,omitempty"`
	ID      string    `json:"id,omitempty"`
	Op      string    `json:"op,omitempty"`
	Seq     uint64    `json:"seq,omitempty"`
	Online  *bool     `json:"online,omitempty"`
	From    string    `json:"from,omitempty"`
	To      string    `json:"to,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
	DelayMS int64     `json:"delay_ms,omitempty"`
	Class   string    `json:"class,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// toFeedEvent flattens a bus event; ok is false for payloads the feed does
// not carry.
func toFeedEvent(ev bus.Event) (feedEvent, bool) {
	out := feedEvent{Topic: ev.Topic, At: time.Now().UTC()}
	switch p := ev.Payload.(type) {
	case bus.StoreChanged:
		out.Kind, out.ID, out.Op, out.Seq = p.Kind, p.ID, string(p.Op), p.Seq
	case bus.ConnectivityChanged:
		online := p.Online
		out.Online, out.At = &online, p.CheckedAt
	case bus.StreamStateChanged:
		out.From, out.To, out.Attempt, out.DelayMS = p.From, p.To, p.Attempt, p.Delay.Milliseconds()
	case bus.MutationFailed:
		out.Kind, out.ID, out.Class = p.Kind, p.ID, p.Class
		if p.Err != nil {
			out.Error = p.Err.Error()
		}
	case bus.MutationCommitted:
		out.Kind, out.ID = p.Kind, p.ID
	default:
		return out, false
	}
	return out, true
}

// feedTopics are the prefixes the change feed subscribes to.
var feedTopics = []string{bus.TopicStorePrefix, "stream.", "mutation."}

// subscribeFeed merges the feed topics into one channel until ctx is done.
func (s *Server) subscribeFeed(ctx context.Context) <-chan feedEvent {
	out := make(chan feedEvent, 64)
	subs := make([]*bus.Subscription, 0, len(feedTopics))
	for _, t := range feedTopics {
		subs = append(subs, s.cfg.Bus.Subscribe(t))
	}
	merged := make(chan bus.Event, 64)
	for _, sub := range subs {
		go func(sub *bus.Subscription) {
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-sub.Ch():
					if !ok {
						return
					}
					select {
					case merged <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}(sub)
	}
	go func() {
		defer close(out)
		defer func() {
			for _, sub := range subs {
				s.cfg.Bus.Unsubscribe(sub)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-merged:
				fe, ok := toFeedEvent(ev)
				if !ok {
					continue
				}
				select {
				case out <- fe:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// handleChanges implements GET /api/changes as a server-sent event stream of
// store, stream and mutation notifications.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "change feed not available: event bus not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	feed := s.subscribeFeed(ctx)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	// A comment line so clients see the stream open before the first change.
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse: client disconnected")
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-feed:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("sse: marshal event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Topic, data); err != nil {
				s.logger.Debug("sse: write failed (client disconnected?)", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// handleWS serves the same change feed over a WebSocket, one JSON message per
// event.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "change feed not available: event bus not configured")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Debug("ws accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	// The feed is one-way; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	feed := s.subscribeFeed(ctx)
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-feed:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "feed closed")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				s.logger.Debug("ws write failed", "error", err)
				return
			}
		}
	}
}
