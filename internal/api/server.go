// Package api wires the HTTP surface of the clearing controller.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/clearing-armada/internal/api/clearing"
	"github.com/ahrav/clearing-armada/internal/api/health"
	"github.com/ahrav/clearing-armada/internal/api/mid"
	"github.com/ahrav/clearing-armada/pkg/common/logger"
)

// Config holds the settings and dependencies of the API server.
type Config struct {
	Host            string
	Port            string
	Build           string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	Service clearing.Service
	Ready   func(ctx context.Context) error
	Metrics mid.RequestMetrics
}

// Server serves the clearing API.
type Server struct {
	cfg    Config
	logger *logger.Logger
	router *chi.Mux
	tracer trace.Tracer
}

// NewServer builds the router with every route mounted under /v1.
func NewServer(cfg Config, log *logger.Logger, tracer trace.Tracer) *Server {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(mid.Otel(tracer))
	r.Use(mid.Logger(log))
	if cfg.Metrics != nil {
		r.Use(mid.Metrics(cfg.Metrics))
	}
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:    cfg,
		logger: log,
		router: r,
		tracer: tracer,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Route("/v1", func(r chi.Router) {
		health.Routes(r, health.Config{Build: s.cfg.Build, Log: s.logger, Ready: s.cfg.Ready})
		clearing.Routes(r, clearing.Config{Log: s.logger, Service: s.cfg.Service})
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         net.JoinHostPort(s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
		ErrorLog:     logger.NewStdLogger(s.logger, logger.LevelError),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "starting server", "addr", server.Addr, "service", "clearing-api")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error(shutdownCtx, "failed to shutdown server", "error", err)
		return err
	}
	return nil
}
