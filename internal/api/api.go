// Package api exposes the reminders service over HTTP.
//
// The engine itself is protocol-agnostic; this layer only decodes JSON,
// forwards the Idempotency-Key header into the guard, and maps mutation
// outcomes onto status codes. A replayed mutation returns the cached body
// byte for byte.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/remindkit/remindkit/internal/reminders"
)

// HeaderIdempotencyKey carries the client's idempotency token on mutations.
const HeaderIdempotencyKey = "Idempotency-Key"

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = ":8080"

// Server hosts the HTTP endpoints over the reminders service.
type Server struct {
	svc  *reminders.Service
	addr string
	srv  *http.Server
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr overrides the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// NewServer creates the API server over the reminders service.
func NewServer(svc *reminders.Service, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{svc: svc, addr: cfg.Addr}
}

// Handler returns the routed HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/reminders", s.remindersHandler)
	mux.HandleFunc("/reminders/", s.reminderHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	s.srv = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	slog.Info("Server.Run: API listening", "addr", s.addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
