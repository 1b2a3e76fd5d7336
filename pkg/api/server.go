package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/vjranagit/tmarchive/pkg/errs"
	"github.com/vjranagit/tmarchive/pkg/log"
	"github.com/vjranagit/tmarchive/pkg/metrics"
	"github.com/vjranagit/tmarchive/pkg/query"
	"github.com/vjranagit/tmarchive/pkg/storage"
)

// DefaultTenant is used when a request carries no X-Tenant-ID header
const DefaultTenant = "default"

// Server implements the HTTP API server
type Server struct {
	storage storage.Storage
	writer  *storage.BatchWriter
	alarms  *AlarmTracker
	metrics *metrics.Archive

	limits         query.Limits
	statusInterval time.Duration
	sendBuffer     int
	timeout        time.Duration

	addr   string
	server *http.Server
}

// Option configures a Server
type Option func(*Server)

// WithBatchWriter routes writes through bw instead of storing them inline
func WithBatchWriter(bw *storage.BatchWriter) Option {
	return func(s *Server) { s.writer = bw }
}

// WithMetrics records request metrics into m
func WithMetrics(m *metrics.Archive) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLimits sets the default and maximum page size
func WithLimits(l query.Limits) Option {
	return func(s *Server) { s.limits = l }
}

// WithLive sets the status poll interval and the per-connection send buffer
func WithLive(statusInterval time.Duration, sendBuffer int) Option {
	return func(s *Server) {
		s.statusInterval = statusInterval
		s.sendBuffer = sendBuffer
	}
}

// WithTimeout sets the server read timeout
func WithTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// NewServer creates a new API server
func NewServer(addr string, store storage.Storage, alarms *AlarmTracker, opts ...Option) *Server {
	s := &Server{
		storage:        store,
		alarms:         alarms,
		metrics:        metrics.NewArchive(),
		limits:         query.Limits{Default: query.DefaultLimit, Max: 1000},
		statusInterval: time.Second,
		sendBuffer:     16,
		timeout:        30 * time.Second,
		addr:           addr,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the request router
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	mux.HandleFunc("GET /api/v1/archive", s.handleTables)
	mux.HandleFunc("GET /api/v1/archive/{table}", s.handleList)
	mux.HandleFunc("POST /api/v1/archive/{table}", s.handleWrite)
	mux.HandleFunc("GET /api/v1/archive/{table}/names", s.handleNames)
	mux.HandleFunc("GET /api/v1/archive/{table}/export", s.handleExport)

	mux.HandleFunc("GET /api/v1/alarms", s.handleAlarms)
	mux.HandleFunc("GET /api/v1/alarms/active", s.handleActiveAlarms)
	mux.HandleFunc("GET /api/v1/alarms/subscribe", s.handleAlarmSubscribe)
	mux.HandleFunc("GET /api/v1/alarms/status/subscribe", s.handleStatusSubscribe)

	return mux
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: s.timeout,
		// Exports and subscriptions stream for as long as the client
		// stays, so there is no global write timeout.
	}

	log.Info().Str("addr", s.addr).Msg("API server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// tenantID extracts the tenant from the X-Tenant-ID header
func tenantID(r *http.Request) string {
	if id := r.Header.Get("X-Tenant-ID"); id != "" {
		return id
	}
	return DefaultTenant
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// writeError maps err onto a status code and logs it at the level the
// error class deserves. Nothing is written for cancelled requests.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errs.IsCancellation(err) {
		log.Debug().Err(err).Str("path", r.URL.Path).Msg("Request cancelled")
		return
	}

	status := errs.HTTPStatus(err)
	ev := log.Debug().Err(err)
	switch {
	case errors.Is(err, errs.ErrMalformedToken):
		s.metrics.MalformedTokens.Inc()
	case errors.Is(err, errs.ErrSourceFailure):
		s.metrics.SourceFailures.WithLabelValues(sourceOf(r)).Inc()
		ev = log.Error(err)
	case status >= http.StatusInternalServerError:
		ev = log.Error(err)
	}
	ev.Str("tenant", tenantID(r)).
		Str("path", r.URL.Path).
		Int("status", status).
		Msg("Request failed")

	writeJSON(w, status, errorResponse{Error: err.Error(), Code: status})
}

// sourceOf labels a failure with the table or listing that produced it
func sourceOf(r *http.Request) string {
	if t := r.PathValue("table"); t != "" {
		return t
	}
	return "alarms"
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "healthy",
		"tenants":            len(s.storage.Tenants()),
		"live_subscriptions": metrics.Value(s.metrics.LiveSubscriptions),
	})
}
