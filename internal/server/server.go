// Package server exposes the agent over HTTP: an inbound message webhook,
// a session admin API, health, and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tablerelay/tablerelay/internal/agent"
	"github.com/tablerelay/tablerelay/internal/archive"
	"github.com/tablerelay/tablerelay/internal/auth"
	"github.com/tablerelay/tablerelay/internal/scheduler"
	"github.com/tablerelay/tablerelay/internal/telemetry"
)

// TranscriptSource lists archived transcripts for a user, newest first.
type TranscriptSource interface {
	Recent(ctx context.Context, user string, limit int) ([]archive.Transcript, error)
}

// Server is the HTTP front for the agent manager.
type Server struct {
	manager     *agent.Manager
	metrics     *telemetry.Metrics
	limiter     *auth.RateLimiter
	jobs        *scheduler.Scheduler
	transcripts TranscriptSource
	mux         *http.ServeMux
	server      *http.Server
	logger      *slog.Logger
	apiKey      string
	startTime   time.Time
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithAPIKey requires the key on every endpoint except the health check and
// the webhook (which is guarded by the whitelist instead).
func WithAPIKey(key string) ServerOption {
	return func(s *Server) { s.apiKey = key }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithRateLimiter bounds inbound webhook traffic per sender.
func WithRateLimiter(limiter *auth.RateLimiter) ServerOption {
	return func(s *Server) { s.limiter = limiter }
}

// WithScheduler exposes the recurring-job list on the admin API.
func WithScheduler(jobs *scheduler.Scheduler) ServerOption {
	return func(s *Server) { s.jobs = jobs }
}

// WithTranscripts exposes archived transcripts on the admin API.
func WithTranscripts(src TranscriptSource) ServerOption {
	return func(s *Server) { s.transcripts = src }
}

// NewServer creates the HTTP server over the manager.
func NewServer(manager *agent.Manager, metrics *telemetry.Metrics, opts ...ServerOption) *Server {
	s := &Server{
		manager:   manager,
		metrics:   metrics,
		logger:    slog.Default(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /v1/webhook", s.handleWebhook)
	mux.HandleFunc("POST /v1/sessions", s.handleStartSession)
	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /v1/sessions/{id}/messages", s.handleSessionMessage)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleStopSession)
	mux.HandleFunc("GET /v1/metrics", s.handleManagerMetrics)
	mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /v1/transcripts", s.handleListTranscripts)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	s.mux = mux
	return s
}

// Handler returns the HTTP handler for use with httptest or custom servers.
func (s *Server) Handler() http.Handler {
	return s.authMiddleware(s.mux)
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.authMiddleware(s.mux),
	}
	s.logger.Info("server starting", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The health check is open; the webhook authenticates senders
		// through the whitelist inside the workflow instead.
		if r.URL.Path == "/healthz" || r.URL.Path == "/v1/webhook" {
			next.ServeHTTP(w, r)
			return
		}

		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			header := r.Header.Get("Authorization")
			if strings.HasPrefix(header, "Bearer ") {
				key = header[7:]
			}
		}

		if !auth.ValidateKey(s.apiKey, key) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "healthy",
		"uptime":          time.Since(s.startTime).String(),
		"active_sessions": s.manager.Metrics().ActiveSessions,
	})
}

// handleWebhook takes one inbound message from the channel and feeds it to
// the sender's session, creating one when none is active. Each request gets
// a correlation ID, echoed back so the channel can tie replies to deliveries.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := telemetry.WithCorrelationID(r.Context(), r.Header.Get("X-Correlation-ID"))
	correlationID := telemetry.CorrelationID(ctx)
	w.Header().Set("X-Correlation-ID", correlationID)

	var req struct {
		From     string                 `json:"from"`
		Message  string                 `json:"message"`
		Type     string                 `json:"type,omitempty"`
		Metadata map[string]interface{} `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.From == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "from and message are required")
		return
	}

	if s.limiter != nil && !s.limiter.Allow(req.From) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many messages, slow down")
		return
	}

	sessionID := s.manager.SessionForUser(req.From)
	if sessionID == "" {
		var err error
		sessionID, err = s.manager.StartSession(req.From, req.Message, req.Metadata)
		if errors.Is(err, agent.ErrCapacityExceeded) {
			writeError(w, http.StatusServiceUnavailable, "capacity_exceeded", err.Error())
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
	} else if !s.manager.SendMessage(sessionID, req.Message, req.Type, req.Metadata) {
		writeError(w, http.StatusInternalServerError, "internal_error",
			fmt.Sprintf("session %q vanished", sessionID))
		return
	}

	telemetry.SessionLogger(s.logger, ctx, sessionID).Debug("webhook accepted", "from", req.From)
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": sessionID})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User    string                 `json:"user"`
		Message string                 `json:"message,omitempty"`
		Context map[string]interface{} `json:"context,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.User == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user is required")
		return
	}

	sessionID, err := s.manager.StartSession(req.User, req.Message, req.Context)
	if errors.Is(err, agent.ErrCapacityExceeded) {
		writeError(w, http.StatusServiceUnavailable, "capacity_exceeded", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"session_id": sessionID})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.manager.Sessions(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	status := s.manager.GetStatus(sessionID)
	if status == nil {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("Session %q not found", sessionID))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSessionMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req struct {
		Message  string                 `json:"message"`
		Type     string                 `json:"type,omitempty"`
		Metadata map[string]interface{} `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}

	if !s.manager.SendMessage(sessionID, req.Message, req.Type, req.Metadata) {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("Session %q not found", sessionID))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": sessionID})
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "api request"
	}

	if !s.manager.StopSession(sessionID, reason) {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("Session %q not found", sessionID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleManagerMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Metrics())
}

// handleListTranscripts serves archived conversations for one user. Without
// an archive configured the list is always empty, matching the jobs endpoint.
func (s *Server) handleListTranscripts(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user is required")
		return
	}
	if s.transcripts == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"transcripts": []archive.Transcript{}})
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := s.transcripts.Recent(r.Context(), user, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if list == nil {
		list = []archive.Transcript{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transcripts": list})
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	if s.jobs == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": []scheduler.JobInfo{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": s.jobs.Jobs()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
