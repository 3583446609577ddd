package admin

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/subwatch/subwatch/cfg"
	"github.com/subwatch/subwatch/telemetry"
)

const shutdownTimeout = 5 * time.Second

// Server is the operational HTTP listener. It serves the open /health and
// /metrics endpoints, pprof, and the authenticated /admin subtree.
type Server struct {
	handlers *AdminHandlers
	server   *http.Server
	addr     string

	mu      sync.Mutex
	running bool
}

// NewServer creates the admin HTTP server around the given handlers.
func NewServer(handlers *AdminHandlers) *Server {
	return &Server{handlers: handlers}
}

// Start binds the configured address and begins serving. It returns an
// error only when the listener cannot be bound.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Config.Admin.Enabled {
		log.Info().Msg("Admin HTTP server disabled in configuration")
		return nil
	}

	if s.running {
		log.Warn().Msg("Admin HTTP server already running")
		return nil
	}

	addr := fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind admin listener on %s: %w", addr, err)
	}
	s.addr = listener.Addr().String()

	mux := http.NewServeMux()

	// Register pprof handlers for profiling
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	// Optionally add metrics handler
	if metricsHandler := telemetry.GetMetricsHandler(); metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}

	// Health probe stays outside the authenticated subtree
	mux.HandleFunc("/health", s.handlers.handleHealth)

	RegisterRoutes(mux, s.handlers)

	s.server = &http.Server{Handler: mux}
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Admin HTTP server failed")
		}
	}()

	s.running = true
	log.Info().
		Str("address", s.addr).
		Bool("auth", cfg.IsAdminAuthEnabled()).
		Msg("Admin HTTP server started")

	return nil
}

// Addr returns the bound listen address, empty until Start succeeds.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Admin HTTP server shutdown failed")
	}

	s.running = false
	log.Info().Msg("Admin HTTP server stopped")
}
