// Package api exposes the control surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"postpilot/internal/eventbus"
	"postpilot/internal/scheduler"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

const eventRingSize = 200

// Config for the HTTP control server.
type Config struct {
	Enabled bool
	Addr    string
}

// Server wraps an http.Server around the scheduler's control surface.
type Server struct {
	cfg   Config
	log   logx.Logger
	sched *scheduler.Service
	store storage.Store

	srv   *http.Server
	unsub func()

	eventsMu sync.Mutex
	events   []storedEvent
}

type storedEvent struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

func NewServer(cfg Config, sched *scheduler.Service, store storage.Store, bus eventbus.Bus, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8085"
	}

	s := &Server{cfg: cfg, log: log, sched: sched, store: store}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Get("/health", s.health)
	r.Get("/api/status", s.status)
	r.Get("/api/automations", s.listAutomations)
	r.Post("/api/automations", s.addAutomation)
	r.Get("/api/automations/{id}", s.getAutomation)
	r.Post("/api/automations/{id}/pause", s.pauseAutomation)
	r.Post("/api/automations/{id}/resume", s.resumeAutomation)
	r.Post("/api/automations/{id}/run", s.runAutomation)
	r.Delete("/api/automations/{id}", s.deleteAutomation)
	r.Get("/api/logs", s.listLogs)
	r.Get("/api/events", s.listEvents)

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if bus != nil {
		ch, unsub := bus.Subscribe(eventRingSize)
		s.unsub = unsub
		go s.collectEvents(ch)
	}
	return s
}

// Start begins serving in the background. ListenAndServe errors other than
// a clean shutdown are logged, not returned; the API is an auxiliary
// surface and must not take the scheduler down with it.
func (s *Server) Start() {
	if !s.cfg.Enabled {
		s.log.Info("api disabled; not starting")
		return
	}
	go func() {
		s.log.Info("api listening", logx.String("addr", s.cfg.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server stopped", logx.Err(err))
		}
	}()
}

func (s *Server) Stop(ctx context.Context) {
	if s.unsub != nil {
		s.unsub()
	}
	if !s.cfg.Enabled {
		return
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn("api shutdown incomplete", logx.Err(err))
	}
}

func (s *Server) collectEvents(ch <-chan eventbus.Event) {
	for e := range ch {
		s.eventsMu.Lock()
		s.events = append(s.events, storedEvent{Type: e.Type, Time: e.Time, Data: e.Data})
		if len(s.events) > eventRingSize {
			s.events = s.events[len(s.events)-eventRingSize:]
		}
		s.eventsMu.Unlock()
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Status())
}

func (s *Server) listAutomations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.List())
}

type addReq struct {
	TemplateID       string   `json:"template_id"`
	Destinations     []string `json:"destinations"`
	FrequencyHours   float64  `json:"frequency_hours"`
	Schedule         string   `json:"schedule"`
	StartImmediately bool     `json:"start_immediately"`
}

func (s *Server) addAutomation(w http.ResponseWriter, r *http.Request) {
	var req addReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.sched.Add(req.TemplateID, req.Destinations, req.FrequencyHours, req.Schedule, req.StartImmediately)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) getAutomation(w http.ResponseWriter, r *http.Request) {
	a, ok := s.sched.Get(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) pauseAutomation(w http.ResponseWriter, r *http.Request) {
	s.boolResult(w, s.sched.Pause(chi.URLParam(r, "id")))
}

func (s *Server) resumeAutomation(w http.ResponseWriter, r *http.Request) {
	s.boolResult(w, s.sched.Resume(chi.URLParam(r, "id")))
}

func (s *Server) runAutomation(w http.ResponseWriter, r *http.Request) {
	s.boolResult(w, s.sched.ForceExecute(chi.URLParam(r, "id")))
}

func (s *Server) deleteAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.sched.Delete(chi.URLParam(r, "id")) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) boolResult(w http.ResponseWriter, ok bool) {
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if s.store == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	entries, err := s.store.ListRunLogs(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) listEvents(w http.ResponseWriter, _ *http.Request) {
	s.eventsMu.Lock()
	out := make([]storedEvent, len(s.events))
	copy(out, s.events)
	s.eventsMu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
