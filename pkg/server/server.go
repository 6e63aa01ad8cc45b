// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the orchestrator over HTTP: questions as JSON or
// server-sent events, plan dry runs, source listings, health and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kadirpekel/conduit/pkg/auth"
	"github.com/kadirpekel/conduit/pkg/config"
	"github.com/kadirpekel/conduit/pkg/observability"
	"github.com/kadirpekel/conduit/pkg/orchestrator"
	"github.com/kadirpekel/conduit/pkg/ratelimit"
)

// Service is what the HTTP layer needs from the orchestrator.
type Service interface {
	Run(ctx context.Context, question string, opts ...orchestrator.RunOption) *orchestrator.Run
	Explain(ctx context.Context, question string, opts ...orchestrator.RunOption) (*orchestrator.Plan, error)
	Sources(ctx context.Context, probe bool) []orchestrator.SourceStatus
}

// Option configures the server.
type Option func(*Server)

// WithObservability enables tracing and metrics middleware and mounts the
// metrics endpoint.
func WithObservability(obs *observability.Manager, cfg observability.MetricsConfig) Option {
	return func(s *Server) {
		s.obs = obs
		s.metricsPath = cfg.Endpoint
	}
}

// WithReindex exposes POST /v1/index, which runs fn.
func WithReindex(fn func(ctx context.Context) error) Option {
	return func(s *Server) { s.reindex = fn }
}

// WithAuthenticator guards the /v1 routes with a. Without it only the
// static token from the server config is checked.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

// Server is the HTTP API.
type Server struct {
	cfg     config.ServerConfig
	service Service
	obs     *observability.Manager
	reindex func(ctx context.Context) error
	auth    auth.Authenticator
	limiter *ratelimit.Limiter

	metricsPath string

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New creates a server. Nothing listens until Start.
func New(cfg config.ServerConfig, service Service, opts ...Option) *Server {
	cfg.SetDefaults()
	s := &Server{cfg: cfg, service: service}
	for _, opt := range opts {
		opt(s)
	}
	if s.auth == nil && cfg.Auth.Token != "" {
		s.auth = auth.StaticToken(cfg.Auth.Token)
	}
	if cfg.RateLimit.Enabled() {
		limiter, err := ratelimit.New(cfg.RateLimit, nil)
		if err != nil {
			slog.Error("Rate limiting disabled", "error", err)
		} else {
			s.limiter = limiter
		}
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(s.obs.Middleware())
	r.Use(loggingMiddleware)
	r.Use(corsMiddleware(s.cfg.CORSOrigins))

	r.Get("/healthz", s.handleHealth)
	if m := s.obs.Metrics(); m != nil && s.metricsPath != "" {
		r.Method(http.MethodGet, s.metricsPath, m.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(s.auth, writeAuthError))
		r.Use(ratelimit.Middleware(ratelimit.MiddlewareConfig{
			Limiter:   s.limiter,
			OnLimited: writeLimited,
		}))

		r.Post("/query", s.handleQuery)
		r.Get("/plan", s.handlePlan)
		r.Post("/plan", s.handlePlan)
		r.Get("/sources", s.handleSources)
		r.Get("/schema", s.handleSchema)
		r.Get("/requests/{id}/trace", s.handleTrace)
		if s.reindex != nil {
			r.Post("/index", s.handleReindex)
		}
	})
	return r
}

// Start listens on the configured address and serves until ctx is done,
// then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		IdleTimeout:       2 * s.cfg.RequestTimeout,
	}

	s.mu.Lock()
	s.server, s.listener = srv, ln
	s.mu.Unlock()

	slog.Info("HTTP server starting", "address", ln.Addr().String())

	if s.limiter != nil {
		go s.limiter.Run(ctx, time.Minute)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Addr returns the bound address once serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.cfg.Address
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	slog.Info("Shutting down HTTP server")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}
