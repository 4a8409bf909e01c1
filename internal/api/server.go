package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ignite/campaign-engine/internal/campaign"
)

// Server wraps the operator HTTP API.
type Server struct {
	handler http.Handler
	server  *http.Server
}

// NewServer creates the API server.
func NewServer(store *campaign.Store, controller *campaign.Controller) *Server {
	handlers := NewHandlers(store, controller)
	return &Server{handler: SetupRoutes(handlers)}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
