package web

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"voodoo-go/internal/bus"
	"voodoo-go/internal/report"
	"voodoo-go/internal/store"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the application version string.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Status is the live view of the runner served on /api/status and sent to
// WebSocket clients when they connect.
type Status struct {
	State      string          `json:"state"` // "idle" or "running"
	Run        *store.Run      `json:"run,omitempty"`
	Test       string          `json:"test,omitempty"`
	LastResult *report.Results `json:"last_result,omitempty"`
	Updated    time.Time       `json:"updated"`
}

// Server is the HTTP API over the results history and the live run feed.
type Server struct {
	store          store.Store
	bus            *bus.Bus
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	registry       *prometheus.Registry
	metrics        *metrics
	apiKey         string
	allowedOrigins []string
	version        string

	statusMu sync.RWMutex
	status   Status

	wg          sync.WaitGroup
	unsubEvents func()
}

// NewServer creates a new web server.
func NewServer(st store.Store, b *bus.Bus, logger *slog.Logger, opts ...ServerOption) (*Server, error) {
	if st == nil {
		return nil, fmt.Errorf("web server needs a store")
	}
	s := &Server{
		store:    st,
		bus:      b,
		logger:   logger.With("component", "web"),
		mux:      http.NewServeMux(),
		registry: prometheus.NewRegistry(),
		status:   Status{State: "idle", Updated: time.Now()},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = newMetrics(s.registry)

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	if b != nil {
		s.unsubEvents = b.OnAll(s.handleEvent)
	}

	s.routes()
	return s, nil
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	// REST API
	s.mux.HandleFunc("GET /api/runs", s.handleAPIListRuns)
	s.mux.HandleFunc("GET /api/runs/{id}", s.handleAPIGetRun)
	s.mux.HandleFunc("DELETE /api/runs/{id}", s.handleAPIDeleteRun)
	s.mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	// Metrics
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				// Preflight request.
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" {
		// Only /api/ needs the key. Browsers cannot send custom headers on a
		// WebSocket upgrade, and scrapers are configured separately.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// handleEvent updates the live status and metrics, then forwards the event
// to WebSocket clients.
func (s *Server) handleEvent(ev bus.Event) {
	s.statusMu.Lock()
	switch ev.Type {
	case bus.EventRunStarted:
		if run, ok := ev.Data.(store.Run); ok {
			s.status.State = "running"
			s.status.Run = &run
			s.status.Test = ""
		}
	case bus.EventTestStarted:
		if res, ok := ev.Data.(report.Results); ok {
			s.status.Test = res.TestFile
		}
	case bus.EventTestFinished:
		if res, ok := ev.Data.(report.Results); ok {
			s.status.LastResult = &res
			s.status.Test = ""
			if s.status.Run != nil && s.status.Run.ID == res.RunID {
				s.status.Run.Add(&res)
			}
		}
	case bus.EventRunFinished:
		if run, ok := ev.Data.(store.Run); ok {
			s.status.State = "idle"
			s.status.Run = &run
			s.status.Test = ""
		}
	}
	s.status.Updated = ev.Time
	s.statusMu.Unlock()

	s.metrics.observe(ev)
	s.wsHub.Broadcast(ev)
}

func (s *Server) currentStatus() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st := s.status
	if st.Run != nil {
		run := *st.Run
		st.Run = &run
	}
	return st
}
