// Package server provides HTTP server wiring and lifecycle management.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/odinfed/odinfed-go/internal/api"
	"github.com/odinfed/odinfed-go/internal/config"
	"github.com/odinfed/odinfed-go/internal/connections"
	"github.com/odinfed/odinfed-go/internal/drives/storage"
	"github.com/odinfed/odinfed-go/internal/identity"
	"github.com/odinfed/odinfed-go/internal/peer"
)

// ErrMissingDep is returned by New when a required dependency is nil.
var ErrMissingDep = errors.New("missing required dependency")

// Deps holds all server dependencies.
type Deps struct {
	Tenant identity.OdinId

	Storage *storage.Service
	Manager *storage.Manager
	Conns   *connections.Manager
	Outbox  *peer.Outbox
	Inbox   *peer.Inbox
}

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	deps       *Deps
	httpServer *http.Server

	driveHandlers *api.DriveHandlers
	fileHandlers  *api.FileHandlers
	connHandlers  *api.ConnectionHandlers
	peerHandlers  *api.PeerHandlers
	queueHandlers *api.QueueHandlers
}

// New creates a Server. It fails fast on missing dependencies.
func New(cfg *config.Config, logger *slog.Logger, deps *Deps) (*Server, error) {
	if err := validateDeps(deps); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		deps:   deps,

		driveHandlers: api.NewDriveHandlers(deps.Manager, logger),
		fileHandlers:  api.NewFileHandlers(deps.Storage, deps.Outbox, logger),
		connHandlers:  api.NewConnectionHandlers(deps.Conns, deps.Manager, logger),
		peerHandlers:  api.NewPeerHandlers(deps.Inbox, logger),
		queueHandlers: api.NewQueueHandlers(deps.Outbox, deps.Inbox, logger),
	}

	router := s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Start starts the HTTP server. It blocks until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting server",
		"addr", s.cfg.ListenAddr,
		"tenant", s.deps.Tenant.String(),
	)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the configured router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func validateDeps(deps *Deps) error {
	if deps == nil {
		return errors.New("deps is nil")
	}
	if deps.Tenant.IsEmpty() {
		return fmt.Errorf("%w: Tenant", ErrMissingDep)
	}
	if deps.Storage == nil {
		return fmt.Errorf("%w: Storage", ErrMissingDep)
	}
	if deps.Manager == nil {
		return fmt.Errorf("%w: Manager", ErrMissingDep)
	}
	if deps.Conns == nil {
		return fmt.Errorf("%w: Conns", ErrMissingDep)
	}
	if deps.Outbox == nil {
		return fmt.Errorf("%w: Outbox", ErrMissingDep)
	}
	if deps.Inbox == nil {
		return fmt.Errorf("%w: Inbox", ErrMissingDep)
	}
	return nil
}
