// Package gateway serves the local read-only mirror of the board over HTTP:
// snapshots, a live change feed, health and the stream debug log. The only
// write it accepts is a task move, which goes through the optimistic mutator.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/boardsync/internal/bus"
	"github.com/basket/boardsync/internal/model"
	"github.com/basket/boardsync/internal/state"
	"github.com/basket/boardsync/internal/stream"
	"github.com/basket/boardsync/internal/syncerr"
)

// TaskMover performs an optimistic board move.
type TaskMover interface {
	MoveTask(ctx context.Context, id string, status model.TaskStatus) (model.Task, error)
}

type Config struct {
	Store    *state.Store
	Bus      *bus.Bus
	Mover    TaskMover
	DebugLog *stream.DebugLog
	// Status returns the health payload for /healthz.
	Status func() any
	Logger *slog.Logger

	// AuthToken protects everything but /healthz. Empty leaves the mirror
	// open, which is only sensible on a loopback bind.
	AuthToken string

	// AllowOrigins lists browser origins accepted by CORS and the WebSocket feed.
	AllowOrigins []string

	// Per-client move budget. Zero values use 120/min with a burst of 20.
	MovesPerMinute int
	MoveBurst      int
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	limiter *moveLimiter
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		limiter: newMoveLimiter(cfg.MovesPerMinute, cfg.MoveBurst),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/summary", s.authorized(s.handleSummary))
	mux.HandleFunc("/api/tasks", s.authorized(s.handleTasks))
	mux.HandleFunc("/api/tasks/", s.authorized(s.handleTaskByID))
	mux.HandleFunc("/api/agents", s.authorized(s.handleAgents))
	mux.HandleFunc("/api/events", s.authorized(s.handleEvents))
	mux.HandleFunc("/api/debug/stream", s.authorized(s.handleDebugStream))
	mux.HandleFunc("/api/changes", s.authorized(s.handleChanges))
	mux.HandleFunc("/ws", s.authorized(s.handleWS))

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(64 << 10)(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return h
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{"healthy": true}
	if s.cfg.Status != nil {
		payload["status"] = s.cfg.Status()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Store.Summary())
}

type taskView struct {
	model.Task
	Pending bool `json:"pending"`
}

func (s *Server) taskView(t model.Task) taskView {
	_, pending := s.cfg.Store.Pending(model.KindTask, t.ID)
	return taskView{Task: t, Pending: pending}
}

// handleTasks implements GET /api/tasks?status=review.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status := model.TaskStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(status)))
		return
	}
	tasks := s.cfg.Store.Tasks()
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, s.taskView(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out, "total": len(out)})
}

// handleTaskByID serves GET /api/tasks/{id} and POST /api/tasks/{id}/move.
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "task id required")
		return
	}
	switch {
	case action == "" && r.Method == http.MethodGet:
		e, ok := s.cfg.Store.Get(model.KindTask, id)
		if !ok {
			writeError(w, http.StatusNotFound, "task "+id+" not found")
			return
		}
		writeJSON(w, http.StatusOK, s.taskView(e.(model.Task)))
	case action == "move" && r.Method == http.MethodPost:
		s.handleMove(w, r, id)
	case action == "" || action == "move":
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request, id string) {
	if s.cfg.Mover == nil {
		writeError(w, http.StatusServiceUnavailable, "moves not available")
		return
	}
	if !s.limiter.allow(r) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	var req struct {
		Status model.TaskStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(req.Status)))
		return
	}
	task, err := s.cfg.Mover.MoveTask(r.Context(), id, req.Status)
	if err != nil {
		s.logger.Info("move rejected", "task_id", id, "status", req.Status, "class", syncerr.Classify(err), "error", err)
		writeError(w, moveStatusCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.taskView(task))
}

// moveStatusCode maps a mutation failure to the response status.
func moveStatusCode(err error) int {
	var rejected *syncerr.MutationRejectedError
	if errors.As(err, &rejected) && rejected.Status >= 400 && rejected.Status < 500 {
		return rejected.Status
	}
	switch syncerr.Classify(err) {
	case syncerr.ClassNotFound:
		return http.StatusNotFound
	case syncerr.ClassConflict:
		return http.StatusConflict
	case syncerr.ClassTransient:
		return http.StatusServiceUnavailable
	case syncerr.ClassRejected:
		return http.StatusBadGateway
	}
	if errors.Is(err, context.Canceled) {
		return 499
	}
	return http.StatusInternalServerError
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	agents := s.cfg.Store.Agents()
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents, "total": len(agents)})
}

// handleEvents implements GET /api/events?limit=N, newest first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	events := s.cfg.Store.Events()
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n < len(events) {
			events = events[:n]
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "total": len(events)})
}

func (s *Server) handleDebugStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.DebugLog == nil {
		writeError(w, http.StatusServiceUnavailable, "stream debug log not configured")
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"entries": s.cfg.DebugLog.Entries()})
	case http.MethodDelete:
		s.cfg.DebugLog.Clear()
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
