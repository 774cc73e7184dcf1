package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// Config controls the HTTP/WebSocket control-plane server.
type Config struct {
	Port           int
	AllowedOrigins []string
}

// Server runs the HTTP/WebSocket strategy control plane.
type Server struct {
	cfg      Config
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires every strategy API route.
func NewServer(cfg Config, orch Orchestrator, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(orch, hub, cfg.AllowedOrigins, logger)

	r := mux.NewRouter()
	r.HandleFunc("/health", handlers.HandleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", handlers.HandleMetrics()).Methods(http.MethodGet)
	r.HandleFunc("/ws", handlers.HandleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/api/summary", handlers.HandleSummary).Methods(http.MethodGet)

	r.HandleFunc("/twap", handlers.HandleTWAPStart()).Methods(http.MethodPost)
	r.HandleFunc("/twap-basket", handlers.HandleBasketStart()).Methods(http.MethodPost)
	r.HandleFunc("/trail-stop", handlers.HandleTrailStopStart()).Methods(http.MethodPost)
	r.HandleFunc("/chase-limit", handlers.HandleChaseStart()).Methods(http.MethodPost)
	r.HandleFunc("/scalper", handlers.HandleScalperStart()).Methods(http.MethodPost)
	r.HandleFunc("/agents", handlers.HandleAgentStart()).Methods(http.MethodPost)

	r.HandleFunc("/{kind}/active/{subAccountId}", handlers.HandleActive).Methods(http.MethodGet)
	r.HandleFunc("/{kind}/{id}", handlers.HandleGet).Methods(http.MethodGet)
	r.HandleFunc("/{kind}/{id}", handlers.HandleStop).Methods(http.MethodDelete)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{cfg: cfg, hub: hub, handlers: handlers, server: httpServer, logger: logger.With("component", "api-server")}
}

// Start runs the broadcast hub and blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	go s.hub.Run()
	s.logger.Info("control-plane server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Broadcast fans evt out to every connected websocket subscriber.
func (s *Server) Broadcast(evt Event) { s.hub.BroadcastEvent(evt) }

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping control-plane server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
