// Package gateway serves the operator HTTP API: task CRUD, event history,
// a WebSocket event stream, and Prometheus metrics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/engine"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/events"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/gateway/ws"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/metrics"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/storage"
	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/store"
)

// Server is the supplybot gateway HTTP server.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	bus        *events.Bus
	engine     *engine.Engine
	tasks      *TaskAPI
	audit      *storage.AuditLog
	host       string
	port       int
}

// NewServer creates a new gateway server. audit may be nil when the audit
// log is disabled.
func NewServer(bus *events.Bus, e *engine.Engine, audit *storage.AuditLog, host string, port int) *Server {
	tasks := NewTaskAPI(e)
	hub := ws.NewHub(bus, tasks)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	s := &Server{
		hub:    hub,
		bus:    bus,
		engine: e,
		tasks:  tasks,
		audit:  audit,
		host:   host,
		port:   port,
	}

	// Routes
	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ws", hub.ServeWS)
	r.Get("/api/events", s.handleEvents)
	r.Handle("/metrics", metrics.Handler())

	// API: tasks
	r.Get("/api/tasks", s.handleListTasks)
	r.Post("/api/tasks", s.handleCreateTask)
	r.Get("/api/tasks/{id}", s.handleGetTask)
	r.Post("/api/tasks/{id}/cancel", s.handleCancelTask)
	r.Post("/api/tasks/{id}/retry", s.handleRetryTask)
	r.Delete("/api/tasks/{id}", s.handleDeleteTask)
	r.Post("/api/tasks/purge", s.handlePurgeTasks)
	r.Get("/api/deletions", s.handleDeletions)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: r,
	}

	return s
}

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("gateway listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrTerminal):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limitStr := r.URL.Query().Get("limit")
	limit := 50
	if limitStr != "" {
		fmt.Sscanf(limitStr, "%d", &limit)
	}

	history := s.bus.History(limit)

	type eventJSON struct {
		ID        string             `json:"id"`
		TaskID    string             `json:"task_id,omitempty"`
		Type      string             `json:"type"`
		Timestamp string             `json:"timestamp"`
		Source    events.EventSource `json:"source"`
		Payload   map[string]any     `json:"payload"`
	}

	result := make([]eventJSON, len(history))
	for i, e := range history {
		result[i] = eventJSON{
			ID:        e.ID,
			TaskID:    e.TaskID,
			Type:      string(e.Type),
			Timestamp: e.Timestamp.Format(time.RFC3339Nano),
			Source:    e.Source,
			Payload:   e.Payload,
		}
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	result, err := s.tasks.List(r.URL.Query().Get("status"), r.URL.Query().Get("recipient"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req engine.BookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	t, err := s.engine.Submit(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	result, err := s.tasks.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	result, err := s.tasks.Cancel(chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	result, err := s.tasks.Retry(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "deleted via gateway"
	}

	if err := s.engine.DeleteTask(chi.URLParam(r, "id"), body.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handlePurgeTasks(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Days int  `json:"days"`
		All  bool `json:"all"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	var (
		ids []string
		err error
	)
	if body.All {
		ids, err = s.engine.PurgeAll()
	} else {
		if body.Days <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "days must be positive, or set all"})
			return
		}
		ids, err = s.engine.PurgeOlderThan(body.Days)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": ids})
}

func (s *Server) handleDeletions(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "audit log disabled"})
		return
	}

	limitStr := r.URL.Query().Get("limit")
	limit := 50
	if limitStr != "" {
		fmt.Sscanf(limitStr, "%d", &limit)
	}

	list, err := s.audit.RecentDeletions(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
