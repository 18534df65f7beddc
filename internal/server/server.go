// Package server exposes project management and generation over HTTP. One
// process serves many projects, each a directory under the base root; at
// most one generation task runs per project at a time.
package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Config holds server configuration.
type Config struct {
	Addr     string // listen address, e.g. ":8080"
	BaseRoot string // directory containing project directories
	Logger   *zap.Logger
}

// Server is the HTTP front end for the chapter generation engine.
type Server struct {
	config  Config
	queue   *TaskQueue
	log     *zap.Logger
	httpSrv *http.Server
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Server{
		config: cfg,
		queue:  NewTaskQueue(),
		log:    cfg.Logger,
	}
	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Router builds the route tree. Exposed separately for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/projects", func(r chi.Router) {
		r.Get("/", s.handleListProjects)
		r.Post("/", s.handleCreateProject)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", s.handleGetProject)
			r.Delete("/", s.handleDeleteProject)
			r.Get("/state", s.handleGetState)
			r.Post("/generate", s.handleGenerate)
			r.Post("/generate/resume", s.handleResume)
			r.Post("/generate/stop", s.handleStop)
			r.Get("/generate/status", s.handleGenerateStatus)
			r.Post("/rollback", s.handleRollback)
		})
	})
	return r
}

// ListenAndServe starts the server and blocks until a signal or Shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		s.log.Info("shutting down", zap.String("signal", sig.String()))
		s.Shutdown()
	}()

	s.log.Info("listening", zap.String("addr", s.config.Addr))
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and trips every running task.
func (s *Server) Shutdown() {
	s.queue.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(ctx)
}
