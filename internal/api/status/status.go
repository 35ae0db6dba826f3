// Package status serves the orchestrator's health and metrics endpoints.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"midsoc/internal/middleware"
	"midsoc/internal/schema"
	"midsoc/internal/watcher"
)

// Source is the view of a running watcher the server needs.
type Source interface {
	Dir() string
	Tool() schema.Tool
	Running() bool
	Handles() []watcher.Unit
	ResetCache()
}

// Depther reports how many outcomes are waiting for the sinks.
type Depther interface {
	Len() int
}

// Config holds the status server settings. An empty Addr disables it.
type Config struct {
	Addr         string                     `yaml:"addr"`
	ReadTimeout  time.Duration              `yaml:"read_timeout"`
	WriteTimeout time.Duration              `yaml:"write_timeout"`
	RateLimit    middleware.RateLimitConfig `yaml:"rate_limit"`
}

// DefaultConfig returns the default status server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         ":9470",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		RateLimit:    middleware.DefaultRateLimitConfig(),
	}
}

// SourceStatus is one entry of the health report.
type SourceStatus struct {
	Path    string      `json:"path"`
	Tool    schema.Tool `json:"tool"`
	Running bool        `json:"running"`
	Handles int         `json:"handles"`
}

// Health is the /health response body.
type Health struct {
	Status        string         `json:"status"`
	Sources       []SourceStatus `json:"sources"`
	QueueDepth    int            `json:"queue_depth"`
	UptimeSeconds float64        `json:"uptime_seconds"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Code: code, Message: message})
}

// Server exposes watcher and queue state over HTTP.
type Server struct {
	cfg     Config
	sources []Source
	queue   Depther
	started time.Time
	limiter *middleware.RateLimiter
	router  *mux.Router
	srv     *http.Server
	logger  *slog.Logger
}

// New creates a Server. queue may be nil.
func New(cfg Config, sources []Source, queue Depther, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		sources: sources,
		queue:   queue,
		started: time.Now(),
		limiter: middleware.NewRateLimiter(cfg.RateLimit, logger),
		logger:  logger,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/sources/{index:[0-9]+}/units", s.handleUnits).Methods(http.MethodGet)
	r.HandleFunc("/sources/{index:[0-9]+}/reset", s.handleReset).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Headers)
	r.Use(middleware.RateLimit(s.limiter))
	s.router = r

	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Health builds the current health report. Status is "ok" while any
// watcher runs and "stopped" once all have exited.
func (s *Server) Health() Health {
	h := Health{
		Status:        "stopped",
		Sources:       make([]SourceStatus, 0, len(s.sources)),
		UptimeSeconds: time.Since(s.started).Seconds(),
	}
	for _, src := range s.sources {
		active := 0
		for _, u := range src.Handles() {
			if !u.Done {
				active++
			}
		}
		running := src.Running()
		if running {
			h.Status = "ok"
		}
		h.Sources = append(h.Sources, SourceStatus{
			Path:    src.Dir(),
			Tool:    src.Tool(),
			Running: running,
			Handles: active,
		})
	}
	if s.queue != nil {
		h.QueueDepth = s.queue.Len()
	}
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.Health()
	code := http.StatusOK
	if h.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (s *Server) source(w http.ResponseWriter, r *http.Request) (Source, bool) {
	i, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil || i < 0 || i >= len(s.sources) {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "unknown source")
		return nil, false
	}
	return s.sources[i], true
}

func (s *Server) handleUnits(w http.ResponseWriter, r *http.Request) {
	src, ok := s.source(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, src.Handles())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	src, ok := s.source(w, r)
	if !ok {
		return
	}
	src.ResetCache()
	s.logger.Info("dedup cache reset", "path", src.Dir())
	w.WriteHeader(http.StatusNoContent)
}

// Start listens in the background. Listen errors other than a clean
// shutdown are logged.
func (s *Server) Start() {
	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		s.logger.Info("status server listening", "addr", s.cfg.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server failed", "error", err)
		}
	}()
}

// Shutdown stops the server and its rate limiter.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Stop()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
