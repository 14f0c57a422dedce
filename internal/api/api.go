// Package api exposes the BotForge HTTP surface: inbound message processing,
// the agent resumption callback, read-only context queries and management of
// triggers, scenarios and templates.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/botforge/botforge/internal/engine"
	"github.com/botforge/botforge/internal/models"
	"github.com/botforge/botforge/internal/transport"
)

// DefaultAddr is the default listen address.
const DefaultAddr = ":8080"

// DefaultShutdownTimeout bounds graceful HTTP shutdown.
const DefaultShutdownTimeout = 10 * time.Second

// Opts holds configuration for the API server.
type Opts struct {
	// Addr is the HTTP listen address.
	Addr string
	// Service, when set, lets handlers validate recipients and lets the
	// Twilio webhook feed inbound traffic.
	Service transport.Service
	// Bridge, when set, delivers the directives produced by handler-driven
	// turns to the channel.
	Bridge *transport.Bridge
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithService attaches the messaging service.
func WithService(svc transport.Service) Option {
	return func(o *Opts) { o.Service = svc }
}

// WithBridge attaches the directive delivery bridge.
func WithBridge(b *transport.Bridge) Option {
	return func(o *Opts) { o.Bridge = b }
}

// Server hosts the HTTP endpoints over a conversation engine.
type Server struct {
	engine *engine.Engine
	svc    transport.Service
	bridge *transport.Bridge
	addr   string

	httpServer *http.Server
}

// NewServer creates an API server over the given engine.
func NewServer(eng *engine.Engine, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{
		engine: eng,
		svc:    cfg.Service,
		bridge: cfg.Bridge,
		addr:   cfg.Addr,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", s.messagesHandler)
	mux.HandleFunc("/agent/response", s.agentResponseHandler)
	mux.HandleFunc("/users/", s.usersHandler)
	mux.HandleFunc("/triggers", s.triggersHandler)
	mux.HandleFunc("/triggers/", s.triggersHandler)
	mux.HandleFunc("/scenarios", s.scenariosHandler)
	mux.HandleFunc("/scenarios/", s.scenariosHandler)
	mux.HandleFunc("/templates", s.templatesHandler)
	mux.HandleFunc("/templates/", s.templatesHandler)
	mux.HandleFunc("/states", s.statesHandler)
	mux.HandleFunc("/stats", s.statsHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Run starts the engine and serves HTTP until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.engine.Start(); err != nil {
		return err
	}
	defer s.engine.Stop()

	s.httpServer = &http.Server{Addr: s.addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("BotForge API listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("Shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// writeEngineError maps engine error taxonomy onto HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrValidation),
		errors.Is(err, models.ErrUnknownActionType),
		errors.Is(err, models.ErrUnknownTriggerKind):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	case errors.Is(err, models.ErrUnknownUser),
		errors.Is(err, models.ErrUnknownTrigger),
		errors.Is(err, models.ErrUnknownScenario),
		errors.Is(err, models.ErrUnknownTemplate):
		writeJSONResponse(w, http.StatusNotFound, models.Error(err.Error()))
	default:
		slog.Error("Internal error", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
	}
}
