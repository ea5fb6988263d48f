// Package api assembles the HTTP surface: middleware, health, metrics and
// the versioned API routes.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"proposal-pipeline/internal/config"
	"proposal-pipeline/internal/infra/api/apiv1"
	"proposal-pipeline/internal/usecase"
)

// Server owns the http.Server for the public API.
type Server struct {
	cfg     config.HTTPConfig
	handler http.Handler
	server  *http.Server
	log     *zerolog.Logger
}

// NewServer builds the router. limiter may be nil, which disables the
// submission rate limit.
func NewServer(cfg config.HTTPConfig, proposals usecase.ProposalUseCase, limiter Limiter, logger *zerolog.Logger) *Server {
	l := logger.With().Str("component", "http").Logger()

	r := chi.NewRouter()
	r.Use(TraceID(), Recover(&l), RequestLog(&l))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(Timeout(cfg.RequestTimeout), BearerAuth(cfg.JWTSecret))
		apiv1.RegisterAPIV1(r,
			apiv1.NewServer(proposals, cfg.MaxUploadBytes, &l),
			SubmitRateLimit(limiter, cfg.SubmitPerMin, &l),
		)
	})

	return &Server{cfg: cfg, handler: r, log: &l}
}

func (s *Server) Handler() http.Handler { return s.handler }

// Start blocks until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info().Int("port", s.cfg.Port).Msg("http server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
