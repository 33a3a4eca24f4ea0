// Coinflow - Financial Account Aggregation and Real-Time Event Streaming
// Copyright 2026 Coinflow Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/coinflow/coinflow

// Package api provides the HTTP surface: the WebSocket attach point, the
// internal event publish hook, and sync schedule management.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coinflow/coinflow/internal/config"
	"github.com/coinflow/coinflow/internal/event"
	"github.com/coinflow/coinflow/internal/logging"
	"github.com/coinflow/coinflow/internal/realtime"
	"github.com/coinflow/coinflow/internal/store"
	"github.com/coinflow/coinflow/internal/syncer"
)

// Server wires the HTTP routes to the hub, bus, coordinator, and store.
type Server struct {
	cfg         config.ServerConfig
	hub         *realtime.Hub
	bus         *event.Bus
	coordinator *syncer.Coordinator
	store       store.Store
	upgrader    websocket.Upgrader
}

// NewServer creates the HTTP server facade.
func NewServer(cfg config.ServerConfig, hub *realtime.Hub, bus *event.Bus, coordinator *syncer.Coordinator, st store.Store) *Server {
	return &Server{
		cfg:         cfg,
		hub:         hub,
		bus:         bus,
		coordinator: coordinator,
		store:       st,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// String names the server for supervisor logs.
func (s *Server) String() string { return "http-server" }

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events", s.handlePublishEvent)
		r.Get("/transactions/{userID}/{sourceID}", s.handleListTransactions)

		r.Route("/sync", func(r chi.Router) {
			r.Post("/schedules", s.handleCreateSchedule)
			r.Get("/schedules/{userID}", s.handleGetSchedule)
			r.Delete("/schedules/{userID}", s.handleDeleteSchedule)
			r.Post("/schedules/{userID}/resume", s.handleResumeSchedule)
			r.Post("/schedules/{userID}/refresh", s.handleTriggerSync)
		})
	})

	return r
}

// Serve runs the HTTP server until the context is canceled, then shuts it
// down gracefully. Designed to run under suture supervision.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", srv.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("http server shutdown")
		}
		return ctx.Err()
	}
}

// requestLogger emits one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
