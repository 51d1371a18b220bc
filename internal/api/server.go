// Package api implements the HTTP surface: the WebSocket chat endpoint
// plus a small admin and health API.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/creatorops/quotient/internal/buildinfo"
	"github.com/creatorops/quotient/internal/session"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP server.
type Server struct {
	address string
	port    int
	apiKey  string
	store   *session.Store
	channel http.Handler
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates the HTTP server. channel handles /ws/chat upgrades.
func NewServer(address string, port int, apiKey string, store *session.Store, channel http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		apiKey:  apiKey,
		store:   store,
		channel: channel,
		logger:  logger,
	}
}

// Handler returns the complete route tree. Split from Start so tests
// can drive the mux without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Chat delivery channel
	mux.Handle("GET /ws/chat", s.channel)

	// Health endpoints (unauthenticated)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	// Admin surface (x-api-key)
	mux.Handle("GET /{$}", s.requireAPIKey(http.HandlerFunc(s.handleRoot)))
	mux.Handle("POST /clear-chat", s.requireAPIKey(http.HandlerFunc(s.handleClearChat)))
	mux.Handle("GET /v1/sessions/stats", s.requireAPIKey(http.HandlerFunc(s.handleSessionStats)))

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: WebSocket connections are long-lived.
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// requireAPIKey guards admin endpoints with the shared-secret header.
// A missing or wrong key is 403; an unset server key refuses everything.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("x-api-key")
		if s.apiKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			writeJSON(w, map[string]string{"detail": "Invalid API Key"}, s.logger)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"message": "API is working"}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleClearChat truncates session history. A JSON body with a
// session_id clears that session; an empty body clears every session.
func (s *Server) handleClearChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	// Body is optional; decode errors on an empty body are expected.
	_ = json.NewDecoder(r.Body).Decode(&req)

	w.Header().Set("Content-Type", "application/json")
	if req.SessionID != "" {
		s.store.Clear(req.SessionID)
		writeJSON(w, map[string]any{
			"message": "Chat history cleared successfully",
			"success": true,
			"session": req.SessionID,
		}, s.logger)
		return
	}

	cleared := s.store.ClearAll()
	writeJSON(w, map[string]any{
		"message":  "Chat history cleared successfully",
		"success":  true,
		"sessions": cleared,
	}, s.logger)
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	stats := s.store.Stats()
	stats["uptime"] = buildinfo.Uptime().Round(time.Second).String()
	writeJSON(w, stats, s.logger)
}
