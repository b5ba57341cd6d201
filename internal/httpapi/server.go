package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"gateway/internal/clock"
	"gateway/internal/config"
)

// Server runs the HTTP/websocket dashboard surface: a health check, a
// point-in-time snapshot, and a websocket feed that gets the same
// snapshot on connect plus every event pushed through BroadcastEvent
// thereafter.
type Server struct {
	cfg      config.DashboardConfig
	fullCfg  config.Config
	provider SnapshotProvider
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates a new dashboard server.
func NewServer(cfg config.DashboardConfig, provider SnapshotProvider, fullCfg config.Config, clk clock.Clock, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, fullCfg, hub, clk, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		fullCfg:  fullCfg,
		provider: provider,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "dashboard-server"),
	}
}

// Start starts the hub, the event consumer, and the HTTP listener. It
// blocks until the listener stops.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.consumeEvents()

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the HTTP listener down.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// BroadcastEvent relays evt to every connected websocket client.
func (s *Server) BroadcastEvent(evt DashboardEvent) {
	s.hub.BroadcastEvent(evt)
}

// BroadcastWALStatus relays a wal_status snapshot event, the periodic
// push SPEC_FULL.md's supplemented-features section calls for.
func (s *Server) BroadcastWALStatus(status WALStatusInfo) {
	s.hub.BroadcastEvent(DashboardEvent{
		Type: "wal_status",
		Data: status,
	})
}

// consumeEvents relays a live event feed from the provider to the hub,
// if the provider exposes one.
func (s *Server) consumeEvents() {
	source, ok := s.provider.(EventSource)
	if !ok {
		return
	}
	eventsCh := source.DashboardEvents()
	if eventsCh == nil {
		return
	}
	for evt := range eventsCh {
		s.hub.BroadcastEvent(evt)
	}
}
