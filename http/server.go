// Package http exposes the gate service over HTTP.
package http

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/Rafallost/Water-Meters-Segmentation-Autimatization/cycle"
	"github.com/Rafallost/Water-Meters-Segmentation-Autimatization/monitoring"
	"github.com/Rafallost/Water-Meters-Segmentation-Autimatization/registry"
)

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Port           int
	Timeout        time.Duration
	MaxRequestSize int64
	AllowedOrigins []string
}

// DefaultServerConfig returns the standing defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:           8080,
		Timeout:        30 * time.Second,
		MaxRequestSize: 1 << 20,
		AllowedOrigins: []string{"*"},
	}
}

// Server is the gate service's HTTP frontend.
type Server struct {
	server *http.Server
	config ServerConfig
}

// NewServer wires the handlers and the middleware chain.
func NewServer(config ServerConfig, store *registry.Store, runner *cycle.Runner,
	collector *monitoring.Collector, monitor *monitoring.GateMonitor) *Server {

	mux := http.NewServeMux()
	handlers := &Handlers{
		store:     store,
		runner:    runner,
		collector: collector,
		monitor:   monitor,
	}
	handlers.Register(mux)

	chain := Chain(
		RecoveryMiddleware,
		LoggerMiddleware,
		SecurityHeadersMiddleware,
		CORSMiddleware(config.AllowedOrigins),
		RequestSizeMiddleware(config.MaxRequestSize),
	)

	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", config.Port),
			Handler:      chain(mux),
			ReadTimeout:  config.Timeout,
			WriteTimeout: config.Timeout,
			IdleTimeout:  120 * time.Second,
		},
		config: config,
	}
}

// Start blocks serving requests.
func (s *Server) Start() error {
	log.Printf("Starting HTTP server on %s", s.server.Addr)
	log.Printf("WebSocket endpoint: ws://localhost%s/api/ws/gate", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop drains connections and shuts down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log.Println("Shutting down HTTP server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}
