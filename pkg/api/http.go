package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/skylab-hpc/skylab/pkg/cluster"
	"github.com/skylab-hpc/skylab/pkg/observability"
	"github.com/skylab-hpc/skylab/pkg/scheduler"
	"github.com/skylab-hpc/skylab/pkg/session"
	"github.com/skylab-hpc/skylab/pkg/store"
)

// Server is the control plane's HTTP API.
type Server struct {
	addr      string
	store     store.Store
	scheduler *scheduler.Scheduler
	sessions  *session.Engine
	jobs      *scheduler.JobTracker
	events    *observability.EventStream
	logger    *zap.Logger

	server *http.Server
}

// NewServer creates the API server.
func NewServer(addr string, st store.Store, sched *scheduler.Scheduler, sessions *session.Engine, jobs *scheduler.JobTracker, events *observability.EventStream, logger *zap.Logger) *Server {
	s := &Server{
		addr:      addr,
		store:     st,
		scheduler: sched,
		sessions:  sessions,
		jobs:      jobs,
		events:    events,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/jobs", s.handleSubmitJob)
	mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /v1/jobs/{id}/complete", s.handleCompleteJob)

	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleTerminateSession)

	mux.HandleFunc("GET /v1/nodes", s.handleListNodes)
	mux.HandleFunc("POST /v1/nodes/{id}/heartbeat", s.handleHeartbeat)

	mux.HandleFunc("GET /v1/events", s.handleListEvents)
	mux.HandleFunc("GET /v1/events/stream", s.handleStreamEvents)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// Handler returns the server's HTTP handler. Test hook.
func (s *Server) Handler() http.Handler { return s.server.Handler }

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "BadRequest", "invalid request body")
		return
	}
	if req.Class == "" {
		s.writeError(w, http.StatusBadRequest, "BadRequest", "class is required")
		return
	}

	job, err := s.jobs.SubmitJob(r.Context(), req.Class, req.Owner, req.Priority)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, jobResponse(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.ListJobs(r.Context())
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	out := make([]JobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, jobResponse(job))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobResponse(job))
}

func (s *Server) handleCompleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.CompleteJob(r.Context(), r.PathValue("id")); err != nil {
		s.writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "BadRequest", "invalid request body")
		return
	}
	if req.Class == "" || req.Owner == "" {
		s.writeError(w, http.StatusBadRequest, "BadRequest", "class and owner are required")
		return
	}

	created, err := s.sessions.Create(r.Context(), req.Owner, req.Class)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, sessionResponse(created))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.List(r.Context())
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	out := make([]SessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionResponse(sess))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sessionResponse(sess))
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Terminate(r.Context(), r.PathValue("id")); err != nil {
		s.writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.List(r.Context(), store.NodesPrefix())
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	out := make([]NodeResponse, 0, len(records))
	for _, rec := range records {
		var node cluster.NodeRecord
		if err := cluster.Decode(rec.Value, &node); err != nil {
			s.logger.Error("Corrupt node record", zap.String("key", rec.Key), zap.Error(err))
			continue
		}
		out = append(out, nodeResponse(node))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "BadRequest", "invalid request body")
		return
	}

	if err := s.scheduler.RecordHeartbeat(r.Context(), r.PathValue("id"), req.CPUPercent, req.MemPercent); err != nil {
		s.writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeJSON(w, http.StatusOK, []EventResponse{})
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "BadRequest", "invalid limit")
			return
		}
		limit = parsed
	}

	events := s.events.Recent(limit)
	out := make([]EventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, eventResponse(ev))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleStreamEvents pushes new events to the client as server-sent events
// until it disconnects.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeError(w, http.StatusNotFound, "NotFound", "event stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "Internal", "streaming unsupported")
		return
	}

	// Long-lived response; lift the server's write timeout for this request.
	rc := http.NewResponseController(w)
	rc.SetWriteDeadline(time.Time{})

	ch := s.events.Watch()
	defer s.events.Unwatch(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(eventResponse(ev))
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func eventResponse(ev observability.Event) EventResponse {
	return EventResponse{
		ID:          ev.ID,
		Type:        string(ev.Type),
		Timestamp:   ev.Timestamp,
		ResourceID:  ev.ResourceID,
		ActorID:     ev.ActorID,
		Description: ev.Description,
		Error:       ev.Error,
	}
}

// writeMappedError translates the control plane's error taxonomy to HTTP:
// admission rejections are the caller's problem (429), capacity exhaustion is
// the system's (503), invalid transitions conflict with current state (409).
func (s *Server) writeMappedError(w http.ResponseWriter, err error) {
	switch {
	case scheduler.IsAdmissionError(err):
		s.writeError(w, http.StatusTooManyRequests, "AdmissionRejected", err.Error())
	case scheduler.IsCapacityError(err):
		s.writeError(w, http.StatusServiceUnavailable, "CapacityUnavailable", err.Error())
	case session.IsTransitionError(err):
		s.writeError(w, http.StatusConflict, "InvalidTransition", err.Error())
	case store.IsNotFound(err):
		s.writeError(w, http.StatusNotFound, "NotFound", err.Error())
	case store.IsNotLeader(err):
		s.writeError(w, http.StatusServiceUnavailable, "NotLeader", err.Error())
	default:
		s.logger.Error("Internal API error", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Internal", "internal error")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}
