// Package api serves the operator dashboard: a JSON snapshot endpoint, a
// WebSocket push channel fed from the event bus, and the POST control
// surface (pause/resume, mode switch, emergency stop, close-all, settings).
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"indiaoptions-bot/internal/config"
	"indiaoptions-bot/internal/engine"
	"indiaoptions-bot/internal/events"
	"indiaoptions-bot/pkg/types"
)

// Controller is the slice of the engine the dashboard drives.
type Controller interface {
	Status() engine.Status
	Pause()
	Resume()
	SetMode(mode types.TradingMode) error
	EmergencyStop(credential string) error
	ResetBreaker(credential string) error
	CloseAll(ctx context.Context, credential string) (int, error)
	UpdateSettings(cfg config.Config) error
}

// Server runs the HTTP/WebSocket API for the dashboard.
type Server struct {
	cfg      config.DashboardConfig
	engine   Controller
	bus      *events.Bus
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

func NewServer(cfg config.DashboardConfig, eng Controller, bus *events.Bus, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(cfg, eng, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	mux.HandleFunc("/api/control/start", handlers.HandleStart)
	mux.HandleFunc("/api/control/stop", handlers.HandleStop)
	mux.HandleFunc("/api/control/pause", handlers.HandlePause)
	mux.HandleFunc("/api/control/resume", handlers.HandleResume)
	mux.HandleFunc("/api/control/mode", handlers.HandleMode)
	mux.HandleFunc("/api/control/emergency-stop", handlers.HandleEmergencyStop)
	mux.HandleFunc("/api/control/breaker-reset", handlers.HandleBreakerReset)
	mux.HandleFunc("/api/control/close-all", handlers.HandleCloseAll)
	mux.HandleFunc("/api/control/settings", handlers.HandleSettings)

	// Static dashboard assets.
	mux.Handle("/", http.FileServer(http.Dir("web")))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		engine:   eng,
		bus:      bus,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start runs the hub, the bus bridge, and the HTTP listener. Blocks until
// the server exits.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.bridgeEvents()

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// bridgeEvents forwards bus events to every connected dashboard client.
// The subscription queue is bounded; a stalled dashboard loses old events
// rather than backing up the bus.
func (s *Server) bridgeEvents() {
	sub := s.bus.Subscribe("dashboard", 256)
	defer s.bus.Unsubscribe(sub)

	for ev := range sub.Events() {
		s.hub.BroadcastEvent(ev)
	}
}
