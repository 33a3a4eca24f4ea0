// Coinflow - Financial Account Aggregation and Real-Time Event Streaming
// Copyright 2026 Coinflow Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/coinflow/coinflow

// Package main is the entry point for the Coinflow server.
//
// Coinflow keeps a local mirror of users' financial data in sync with an
// external aggregation provider and streams changes to connected clients
// over WebSocket. The server initializes components in the following order:
//
//  1. Configuration: layered defaults, YAML file, environment (koanf v2)
//  2. Persistent store: SQLite with embedded migrations
//  3. Cache: in-memory TTL cache with secondary indexes
//  4. Aggregator client: rate-limited, circuit-broken HTTP client
//  5. Event bus, realtime hub, sync coordinator
//  6. HTTP server: REST API, WebSocket attach point, Prometheus metrics
//
// All long-running services run under a suture supervision tree and shut
// down gracefully on SIGINT and SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/coinflow/coinflow/internal/aggregator"
	"github.com/coinflow/coinflow/internal/api"
	"github.com/coinflow/coinflow/internal/auth"
	"github.com/coinflow/coinflow/internal/cache"
	"github.com/coinflow/coinflow/internal/config"
	"github.com/coinflow/coinflow/internal/event"
	"github.com/coinflow/coinflow/internal/logging"
	"github.com/coinflow/coinflow/internal/realtime"
	"github.com/coinflow/coinflow/internal/store"
	"github.com/coinflow/coinflow/internal/supervisor"
	"github.com/coinflow/coinflow/internal/syncer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logging.Info().Str("addr", cfg.Server.Host).Int("port", cfg.Server.Port).Msg("starting coinflow")

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.Database.Path).Msg("failed to open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Warn().Err(err).Msg("store close")
		}
	}()

	appCache := cache.New(cfg.Cache.DefaultTTL)
	defer appCache.Close()

	agg := aggregator.NewHTTPClient(cfg.Aggregator)
	verifier := auth.NewJWTVerifier(cfg.Security.JWTSecret)

	registry := event.NewSubscriptionRegistry()
	hub := realtime.NewHub(registry, verifier, appCache, realtime.Config{
		MaxConnectionsPerUser: cfg.Realtime.MaxConnectionsPerUser,
		PingInterval:          cfg.Realtime.PingInterval,
		PingTimeout:           cfg.Realtime.PingTimeout,
		SendBuffer:            cfg.Realtime.SendBuffer,
	})
	bus := event.NewBus(registry, appCache, hub, cfg.Cache.EventRelayTTL)

	accounts := syncer.NewAccountSyncer(agg, appCache, bus)
	transactions := syncer.NewTransactionSyncer(agg, st, appCache, bus)
	coordinator := syncer.NewCoordinator(st, accounts, transactions, bus, cfg.Sync)

	httpServer := api.NewServer(cfg.Server, hub, bus, coordinator, st)

	tree := supervisor.NewTree(slog.New(slog.NewJSONHandler(os.Stderr, nil)), supervisor.DefaultTreeConfig())
	tree.AddStreamingService(bus)
	tree.AddStreamingService(hub)
	tree.AddStreamingService(coordinator)
	tree.AddAPIService(httpServer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tree.Serve(ctx); err != nil && err != context.Canceled {
		logging.Error().Err(err).Msg("supervisor tree exited")
		os.Exit(1)
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("service did not stop within timeout")
		}
	}
	logging.Info().Msg("coinflow stopped")
}
