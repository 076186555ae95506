// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/memoria-dev/memoria/internal/engine"
	memerr "github.com/memoria-dev/memoria/pkg/errors"
)

// Config holds HTTP server configuration.
type Config struct {
	ListenAddr   string
	CORSOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server binds the engine's capability surface to HTTP.
type Server struct {
	router chi.Router
	api    huma.API
	cfg    Config
	engine *engine.Engine
	logger *slog.Logger
	http   *http.Server
}

// HealthBody is the health endpoint payload.
type HealthBody struct {
	Status string `json:"status"`
}

// HealthResponse wraps HealthBody for huma.
type HealthResponse struct {
	Body HealthBody
}

// New creates a Server with chi router, huma API, health endpoint, and
// CORS.
func New(cfg Config, eng *engine.Engine, logger *slog.Logger) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, memerr.New(memerr.CodeConfigInvalidValue, "listen address is required")
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware(cfg.CORSOrigins))

	humaConfig := huma.DefaultConfig("Memoria", "0.1.0")
	humaConfig.Info.Description = "Persistent per-user semantic memory engine API"
	api := humachi.New(r, humaConfig)

	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"system"},
	}, func(_ context.Context, _ *struct{}) (*HealthResponse, error) {
		return &HealthResponse{Body: HealthBody{Status: "ok"}}, nil
	})

	srv := &Server{
		router: r,
		api:    api,
		cfg:    cfg,
		engine: eng,
		logger: logger,
	}
	srv.registerRoutes()

	return srv, nil
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	})
}

// Start listens and serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return memerr.Wrapf(err, memerr.CodeCLIServerFailure, "listening on %s", s.cfg.ListenAddr)
	}

	s.http = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(ln)
	}()

	s.logger.Info("memoria API listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return memerr.Wrapf(err, memerr.CodeCLIServerFailure, "serving")
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// apiError converts an engine error into a huma status error, preserving
// the taxonomy's HTTP mapping.
func apiError(err error) error {
	return huma.NewError(memerr.HTTPStatus(err), err.Error())
}
