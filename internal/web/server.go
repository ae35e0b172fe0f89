// Package web exposes the pattern pipeline over a JSON API plus a
// WebSocket stream of pipeline notifications. There is no HTML front end;
// consumers are the Home Assistant add-on UI and scripts.
package web

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"home-habits/internal/bus"
	"home-habits/internal/store"
	"home-habits/internal/suggest"
)

// Pipeline triggers scheduler iterations on demand, so an API-driven run
// goes through the same path as a scheduled one and reaches the same
// listeners.
type Pipeline interface {
	RunSyncNow(ctx context.Context) (int, error)
	RunDetectionNow(ctx context.Context) ([]*store.Pattern, error)
}

// Suggester maps patterns to suggestions.
type Suggester interface {
	Generate(minConfidence float64, max int) ([]*suggest.Suggestion, error)
	Suggest(p *store.Pattern) *suggest.Suggestion
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the version string reported by the health endpoint.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server for the pattern API.
type Server struct {
	store     store.Store
	pipeline  Pipeline
	suggester Suggester

	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the API server and starts its WebSocket hub. events may
// be nil, in which case the /ws stream carries nothing.
func NewServer(st store.Store, pipeline Pipeline, suggester Suggester, events *bus.Bus, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		store:     st,
		pipeline:  pipeline,
		suggester: suggester,
		logger:    logger.With("component", "web"),
		mux:       http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	if events != nil {
		s.unsubEvents = events.OnAll(func(event bus.Event) {
			s.wsHub.Broadcast(event)
		})
	}

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for its goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/patterns/insights", s.handleInsights)
	s.mux.HandleFunc("GET /api/patterns/suggestions", s.handleSuggestions)
	s.mux.HandleFunc("POST /api/patterns/sync", s.handleSync)
	s.mux.HandleFunc("POST /api/patterns/detect", s.handleDetect)
	s.mux.HandleFunc("POST /api/patterns/{id}/dismiss", s.handleDismiss)
	s.mux.HandleFunc("POST /api/patterns/{id}/accept", s.handleAccept)
	s.mux.HandleFunc("GET /api/patterns/stats", s.handleStats)
	s.mux.HandleFunc("GET /health", s.handleHealth)
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
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
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
		// Only /api/ endpoints are key-protected. The health check and the
		// WebSocket upgrade are not, because browsers cannot send custom
		// headers on a WS upgrade.
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
