// Coinflow - Financial Account Aggregation and Real-Time Event Streaming
// Copyright 2026 Coinflow Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/coinflow/coinflow

// Package metrics provides Prometheus instrumentation for sync operations,
// event distribution, and WebSocket connections.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync metrics
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coinflow_sync_runs_total",
			Help: "Total number of sync ticks by outcome",
		},
		[]string{"outcome"}, // "success", "failure", "skipped"
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coinflow_sync_duration_seconds",
			Help:    "Duration of a full sync tick (accounts + transactions)",
			Buckets: prometheus.DefBuckets,
		},
	)

	TransactionsIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coinflow_transactions_ingested_total",
			Help: "Total transactions written to the persistent store",
		},
	)

	TransactionsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coinflow_transactions_deduplicated_total",
			Help: "Total transactions skipped because their dedup key already existed",
		},
	)

	SchedulesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coinflow_sync_schedules_active",
			Help: "Current number of active sync schedules",
		},
	)

	// Event metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coinflow_events_published_total",
			Help: "Total events published by type",
		},
		[]string{"type"},
	)

	EventsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coinflow_events_delivered_total",
			Help: "Total event deliveries to individual connections",
		},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coinflow_events_dropped_total",
			Help: "Total event deliveries dropped due to dead or saturated connections",
		},
	)

	// Connection metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coinflow_ws_connections_active",
			Help: "Current number of live WebSocket connections",
		},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coinflow_ws_connections_rejected_total",
			Help: "Total rejected connection attempts by reason",
		},
		[]string{"reason"}, // "capacity", "auth"
	)

	HeartbeatTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coinflow_ws_heartbeat_timeouts_total",
			Help: "Total connections reclaimed after a missed heartbeat",
		},
	)

	// Aggregator client metrics
	AggregatorRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coinflow_aggregator_requests_total",
			Help: "Total aggregator API requests by operation and outcome",
		},
		[]string{"operation", "outcome"}, // operation: "balances", "transactions"
	)
)
