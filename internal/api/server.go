// Package api exposes the session over HTTP and relays notifications to
// websocket clients.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/coopco/sessiond/internal/access"
	"github.com/coopco/sessiond/internal/cron"
	"github.com/coopco/sessiond/internal/dispatch"
	"github.com/coopco/sessiond/internal/session"
)

// Lifecycle is the command side of *session.Manager.
type Lifecycle interface {
	Start(ctx context.Context) (session.StartResult, error)
	Stop(ctx context.Context) error
	ForceReconnect(ctx context.Context) (session.StartResult, error)
	Snapshot() session.Snapshot
}

// Sender is implemented by *dispatch.Dispatcher.
type Sender interface {
	Send(ctx context.Context, caller access.Identity, batch dispatch.Batch) (dispatch.Report, error)
}

// Scheduler is implemented by *cron.Service.
type Scheduler interface {
	AddJob(schedule cron.Schedule, batch dispatch.Batch) (string, error)
	RemoveJob(id string) error
	GetJob(id string) (cron.Job, time.Time, error)
	ListJobs() []cron.Job
}

type Options struct {
	PairingPath string
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// Schedules enables /api/schedules when set.
	Schedules Scheduler
}

type Server struct {
	router    *httprouter.Router
	lifecycle Lifecycle
	query     *session.Query
	sender    Sender
	guard     *access.Guard
	schedules Scheduler
	hub       *Hub
	upgrader  websocket.Upgrader
	qrPath    string
	server    *http.Server
}

func NewServer(lifecycle Lifecycle, query *session.Query, sender Sender, guard *access.Guard, hub *Hub, opts Options) *Server {
	s := &Server{
		router:    httprouter.New(),
		lifecycle: lifecycle,
		query:     query,
		sender:    sender,
		guard:     guard,
		schedules: opts.Schedules,
		hub:       hub,
		qrPath:    opts.PairingPath,
	}
	s.setupRoutes(opts.Metrics)
	return s
}

func (s *Server) setupRoutes(metrics http.Handler) {
	s.router.POST("/api/session/start", s.handleStart)
	s.router.POST("/api/session/stop", s.handleStop)
	s.router.POST("/api/session/reconnect", s.handleReconnect)
	s.router.GET("/api/session/status", s.handleStatus)
	s.router.GET("/api/session/contacts", s.handleContacts)
	s.router.POST("/api/messages", s.handleSend)

	s.router.GET("/api/schedules", s.handleListSchedules)
	s.router.POST("/api/schedules", s.handleAddSchedule)
	s.router.GET("/api/schedules/:id", s.handleGetSchedule)
	s.router.DELETE("/api/schedules/:id", s.handleRemoveSchedule)

	s.router.GET("/api/pairing/qr.png", s.handleQR)
	s.router.GET("/ws", s.handleWS)
	s.router.GET("/healthz", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if metrics != nil {
		s.router.Handler(http.MethodGet, "/metrics", metrics)
	}
}

func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("api: listening", "addr", addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type startResponse struct {
	Result session.StartResult `json:"result"`
	State  session.State       `json:"state"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	res, err := s.lifecycle.Start(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{Result: res, State: s.lifecycle.Snapshot().State})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.lifecycle.Stop(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": s.lifecycle.Snapshot().State})
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	res, err := s.lifecycle.ForceReconnect(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{Result: res, State: s.lifecycle.Snapshot().State})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	st, err := s.query.Status(q.Get("user"), q.Get("userId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	list, err := s.query.Contacts(r.Context(), q.Get("user"), q.Get("userId"))
	if err != nil {
		writeErrorBody(w, statusFor(err), list)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type sendRequest struct {
	User   string   `json:"user"`
	UserID string   `json:"userId"`
	Phone  string   `json:"phone"`
	Texts  []string `json:"texts"`
	Media  []string `json:"media"`
}

func (req sendRequest) caller() access.Identity {
	return access.Identity{User: req.User, UserID: req.UserID}
}

func (req sendRequest) batch() dispatch.Batch {
	return dispatch.NewBatch(strings.TrimSpace(req.Phone), req.Texts, req.Media)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	report, err := s.sender.Send(r.Context(), req.caller(), req.batch())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type scheduleRequest struct {
	sendRequest
	Schedule cron.Schedule `json:"schedule"`
}

type scheduleView struct {
	cron.Job
	NextRun *time.Time `json:"nextRun,omitempty"`
}

// scheduleGate checks the caller of a schedule endpoint and that scheduling
// is enabled.
func (s *Server) scheduleGate(w http.ResponseWriter, user, userID string) bool {
	if err := s.guard.Check(user, userID); err != nil {
		writeError(w, err)
		return false
	}
	if s.schedules == nil {
		writeErrorBody(w, http.StatusNotFound, errorBody{Error: "scheduling is disabled"})
		return false
	}
	return true
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	if !s.scheduleGate(w, q.Get("user"), q.Get("userId")) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.schedules.ListJobs()})
}

func (s *Server) handleAddSchedule(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req scheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !s.scheduleGate(w, req.User, req.UserID) {
		return
	}
	id, err := s.schedules.AddJob(req.Schedule, req.batch())
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeSchedule(w, http.StatusCreated, id)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	q := r.URL.Query()
	if !s.scheduleGate(w, q.Get("user"), q.Get("userId")) {
		return
	}
	s.writeSchedule(w, http.StatusOK, ps.ByName("id"))
}

func (s *Server) writeSchedule(w http.ResponseWriter, status int, id string) {
	job, next, err := s.schedules.GetJob(id)
	if err != nil {
		writeError(w, err)
		return
	}
	view := scheduleView{Job: job}
	if !next.IsZero() {
		view.NextRun = &next
	}
	writeJSON(w, status, view)
}

func (s *Server) handleRemoveSchedule(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	q := r.URL.Query()
	if !s.scheduleGate(w, q.Get("user"), q.Get("userId")) {
		return
	}
	if err := s.schedules.RemoveJob(ps.ByName("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.qrPath == "" {
		http.NotFound(w, r)
		return
	}
	if _, err := os.Stat(s.qrPath); err != nil {
		writeErrorBody(w, http.StatusNotFound, errorBody{Error: "no pairing code available"})
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "image/png")
	http.ServeFile(w, r, s.qrPath)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("api: websocket upgrade failed", "error", err)
		return
	}
	slog.Info("api: websocket client connected", "remote", r.RemoteAddr)
	c := s.hub.AddClient(conn)

	go func() {
		defer func() {
			s.hub.RemoveClient(c)
			slog.Info("api: websocket client disconnected", "remote", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrorBody(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}
