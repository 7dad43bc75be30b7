/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package server exposes the pipeline's HTTP surface: admission, strategy
// reads, retry, history, and the SSE event streams. Authentication and rate
// limiting are applied by surrounding middleware, not here.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/melodydashora/vecto-pilot/pkg/cache"
	"github.com/melodydashora/vecto-pilot/pkg/events"
	"github.com/melodydashora/vecto-pilot/pkg/metrics"
	"github.com/melodydashora/vecto-pilot/pkg/strategy"
)

// Pipeline is the orchestrator surface the handlers call.
type Pipeline interface {
	Admit(ctx context.Context, snapshotID string) (*strategy.AdmitResult, error)
	Retry(ctx context.Context, originalID string) (string, error)
}

// Config wires the server's collaborators.
type Config struct {
	Port               string
	CORSAllowedOrigins []string
	ReadTimeout        time.Duration

	Pipeline       Pipeline
	Store          strategy.Store
	Broker         *events.Broker
	Idempotency    cache.IdempotencyCache
	Recorder       *metrics.Recorder
	MetricsHandler http.Handler
	ListenerReady  func() bool
	Logger         *logrus.Logger
}

// Server is the HTTP front of the pipeline.
type Server struct {
	cfg    Config
	logger *logrus.Logger
	http   *http.Server
}

// New builds the server and its routes.
func New(cfg Config) *Server {
	s := &Server{cfg: cfg, logger: cfg.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "Idempotency-Key"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Post("/api/blocks", s.handleBlocks)
	r.Post("/api/strategy/seed", s.handleSeed)
	r.Post("/api/strategy/run/{snapshotID}", s.handleRun)
	r.Get("/api/strategy/history", s.handleHistory)
	r.Get("/api/strategy/briefing/{snapshotID}", s.handleGetBriefing)
	r.Get("/api/strategy/{snapshotID}", s.handleGetStrategy)
	r.Post("/api/strategy/{snapshotID}/retry", s.handleRetry)

	r.Get("/events/strategy", s.handleSSE(events.ChannelStrategyReady))
	r.Get("/events/blocks", s.handleSSE(events.ChannelBlocksReady))

	r.Get("/healthz", s.handleHealth)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	s.http = &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: cfg.ReadTimeout,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.WithField("port", s.cfg.Port).Info("HTTP server listening")
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
