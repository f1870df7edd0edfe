// Package web exposes the sync engine to the rest of the application
// over HTTP. Session authentication lives in the surrounding gateway;
// callers identify the user with the X-User-ID header.
package web

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// DefaultAddr is the default server address.
const DefaultAddr = "127.0.0.1:8080"

// Server is the HTTP server.
type Server struct {
	router   chi.Router
	server   *http.Server
	handlers *Handlers
	log      *logrus.Entry
}

// NewServer creates the web server around the given handlers.
func NewServer(addr string, handlers *Handlers) *Server {
	router := chi.NewRouter()

	s := &Server{
		router:   router,
		handlers: handlers,
		log:      logrus.WithField("component", "web"),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware for the router.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5))
}

// setupRoutes configures routes for the application.
func (s *Server) setupRoutes() {
	// Credential lifecycle
	s.router.Get("/auth/login", s.handlers.Login)
	s.router.Get("/auth/callback", s.handlers.Callback)
	s.router.Delete("/auth/connection", s.handlers.Disconnect)

	// History
	s.router.Post("/history/sync", s.handlers.SyncHistory)
	s.router.Get("/history", s.handlers.GetHistory)
	s.router.Get("/history/stats", s.handlers.GetStats)
	s.router.Get("/top/tracks", s.handlers.GetTopTracks)
	s.router.Get("/top/artists", s.handlers.GetTopArtists)

	// Recaps
	s.router.Get("/recaps", s.handlers.ListRecaps)
	s.router.Get("/recaps/{date}", s.handlers.GetRecap)

	// Player
	s.router.Get("/player/now", s.handlers.NowPlaying)
	s.router.Post("/player/queue", s.handlers.AddToQueue)

	// Per-session polling lifecycle
	s.router.Post("/tracker/start", s.handlers.StartTracker)
	s.router.Post("/tracker/stop", s.handlers.StopTracker)
	s.router.Post("/tracker/activity", s.handlers.TrackerActivity)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.WithField("addr", s.server.Addr).Info("starting server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Run starts the server and handles graceful shutdown on interrupt
// signals.
func (s *Server) Run() error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-stop:
		s.log.Info("shutting down server")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.Shutdown(ctx); err != nil {
		return err
	}

	s.log.Info("server stopped")
	return nil
}
