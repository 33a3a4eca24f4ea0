// Coinflow - Financial Account Aggregation and Real-Time Event Streaming
// Copyright 2026 Coinflow Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/coinflow/coinflow

// Package realtime manages live client connections: identity verification,
// per-user connection caps, heartbeat liveness, and delivery of events into
// each connection's send queue. It implements the bus's delivery sink.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coinflow/coinflow/internal/auth"
	"github.com/coinflow/coinflow/internal/cache"
	"github.com/coinflow/coinflow/internal/event"
	"github.com/coinflow/coinflow/internal/logging"
	"github.com/coinflow/coinflow/internal/metrics"
)

// ErrCapacityExceeded is returned when a user already holds the maximum
// number of live connections.
var ErrCapacityExceeded = errors.New("realtime: connection capacity exceeded")

// ErrConnectionGone is returned by Deliver when the target connection no
// longer exists.
var ErrConnectionGone = errors.New("realtime: connection gone")

// Config holds the hub's tunables.
type Config struct {
	MaxConnectionsPerUser int
	PingInterval          time.Duration
	PingTimeout           time.Duration
	SendBuffer            int
}

// Hub tracks live connections, enforces the per-user cap, and fans events
// into per-connection send queues. All maps are guarded by one mutex;
// connection teardown is funneled through disconnect so that the registry,
// the cache mirror, and the gauges never drift from the connection set.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	byUser map[string]map[string]*Conn

	registry *event.SubscriptionRegistry
	verifier auth.IdentityVerifier
	cache    *cache.Cache
	cfg      Config
}

// NewHub creates a hub wired to the subscription registry, the identity
// verifier, and the cache that mirrors connection records.
func NewHub(registry *event.SubscriptionRegistry, verifier auth.IdentityVerifier, connCache *cache.Cache, cfg Config) *Hub {
	return &Hub{
		conns:    make(map[string]*Conn),
		byUser:   make(map[string]map[string]*Conn),
		registry: registry,
		verifier: verifier,
		cache:    connCache,
		cfg:      cfg,
	}
}

// String names the hub for supervisor logs.
func (h *Hub) String() string { return "realtime-hub" }

// Serve blocks until the context is canceled, then closes every live
// connection. Designed to run under suture supervision.
func (h *Hub) Serve(ctx context.Context) error {
	<-ctx.Done()

	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.disconnect(c, "shutdown")
	}
	logging.Info().Str("component", "realtime-hub").Int("connections_closed", len(conns)).Msg("realtime hub stopped")
	return ctx.Err()
}

// Connect verifies the token, enforces the per-user cap, registers the
// connection, and starts its pumps. The cap check and the registration
// happen under one lock so concurrent connects cannot both pass the check.
func (h *Hub) Connect(transport Transport, token string) (*Conn, error) {
	userID, err := h.verifier.Verify(token)
	if err != nil {
		metrics.ConnectionsRejected.WithLabelValues("auth").Inc()
		return nil, err
	}

	connID := fmt.Sprintf("ws_conn:%s:%s", userID, uuid.NewString())
	conn := newConn(h, connID, userID, transport, h.cfg)

	h.mu.Lock()
	if len(h.byUser[userID]) >= h.cfg.MaxConnectionsPerUser {
		h.mu.Unlock()
		metrics.ConnectionsRejected.WithLabelValues("capacity").Inc()
		logging.Warn().Str("user_id", userID).Int("limit", h.cfg.MaxConnectionsPerUser).Msg("connection rejected, user at capacity")
		return nil, ErrCapacityExceeded
	}
	h.conns[connID] = conn
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[string]*Conn)
	}
	h.byUser[userID][connID] = conn
	h.mu.Unlock()

	h.cache.Set(connID, time.Now().UTC())
	h.cache.AddToIndex("ws_conn:"+userID, connID)
	metrics.ConnectionsActive.Inc()

	conn.start()
	logging.Info().Str("user_id", userID).Str("conn_id", connID).Msg("client connected")
	return conn, nil
}

// Deliver queues an event on a connection's send buffer. A full buffer
// means the consumer stopped draining; the connection is torn down and the
// failure is reported to the caller, which isolates it per recipient.
// Implements event.DeliverySink.
func (h *Hub) Deliver(connID string, evt *event.Event) error {
	h.mu.RLock()
	conn, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return ErrConnectionGone
	}

	if !conn.enqueue(evt) {
		h.disconnect(conn, "send buffer full")
		return fmt.Errorf("realtime: send buffer full on %s", connID)
	}
	return nil
}

// ConnectionCount returns the number of live connections, optionally
// scoped to one user.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if userID == "" {
		return len(h.conns)
	}
	return len(h.byUser[userID])
}

// mirrorSubscriptions writes TTL'd subscription records into the cache so
// other components can observe a user's interests without touching the
// registry. Expiry is the cleanup path; subscribing again refreshes.
func (h *Hub) mirrorSubscriptions(userID string, types []event.Type) {
	for _, t := range types {
		key := fmt.Sprintf("sub:%s:%s", userID, t)
		h.cache.Set(key, time.Now().UTC())
		h.cache.AddToIndex("sub:"+userID, key)
	}
}

// disconnect removes a connection from every structure that knows about it
// and closes its send queue. Safe to call more than once per connection.
func (h *Hub) disconnect(conn *Conn, reason string) {
	h.mu.Lock()
	_, live := h.conns[conn.id]
	if live {
		delete(h.conns, conn.id)
		if userConns, ok := h.byUser[conn.userID]; ok {
			delete(userConns, conn.id)
			if len(userConns) == 0 {
				delete(h.byUser, conn.userID)
			}
		}
	}
	h.mu.Unlock()

	if !live {
		conn.close()
		return
	}

	h.registry.RemoveConnection(conn.id)
	h.cache.Delete(conn.id)
	h.cache.RemoveFromIndex("ws_conn:"+conn.userID, conn.id)
	metrics.ConnectionsActive.Dec()
	conn.close()

	logging.Info().Str("user_id", conn.userID).Str("conn_id", conn.id).Str("reason", reason).Msg("client disconnected")
}
