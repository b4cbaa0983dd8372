// Package admin exposes the operator surface: migration phase control,
// dead-letter management, one-off consistency checks, health and a live
// event feed.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"polysync/internal/migration"
	"polysync/internal/pubsub"
	"polysync/internal/storage/polyglot"
	"polysync/internal/syncqueue"
)

// Server serves the admin HTTP API.
type Server struct {
	addr    string
	handler *Handler
	logger  *slog.Logger

	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates the admin server. events may be nil, in which case
// the event feed endpoint reports unavailable.
func NewServer(
	addr string,
	repo *polyglot.Repository,
	phases *migration.Controller,
	queue syncqueue.Queue,
	events pubsub.Subscriber,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "admin")

	return &Server{
		addr:    addr,
		handler: NewHandler(repo, phases, queue, events, logger),
		logger:  logger,
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:           s.handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server failed", "error", err)
		}
	}()

	s.logger.Info("admin server started", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	s.logger.Info("admin server stopped")
	return err
}
