// Coinflow - Financial Account Aggregation and Real-Time Event Streaming
// Copyright 2026 Coinflow Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/coinflow/coinflow

package realtime

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coinflow/coinflow/internal/event"
	"github.com/coinflow/coinflow/internal/logging"
	"github.com/coinflow/coinflow/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024 // 64 KB; client frames are small control messages
)

// Transport is the wire half of a connection. *websocket.Conn satisfies the
// shape via WSTransport; tests substitute in-memory fakes.
type Transport interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	WritePing() error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// WSTransport adapts a gorilla websocket connection to Transport.
type WSTransport struct {
	*websocket.Conn
}

// WritePing sends a websocket-level ping control frame.
func (t WSTransport) WritePing() error {
	return t.Conn.WriteMessage(websocket.PingMessage, nil)
}

// clientMessage is the frame clients send: either a subscription action
// ({"action": "subscribe"|"unsubscribe", "event_types": [...]}) or an
// application-level ping ({"type": "ping"}).
type clientMessage struct {
	Action     string   `json:"action,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
	Type       string   `json:"type,omitempty"`
}

// controlReply is the frame sent back for pings and subscription actions.
type controlReply struct {
	Type       string   `json:"type"`
	EventTypes []string `json:"event_types,omitempty"`
	Message    string   `json:"message,omitempty"`
}

// Conn is one live client connection. Outbound traffic goes through the
// send channel so the bus never blocks on a slow socket; the write pump is
// the only goroutine touching the transport's write side.
type Conn struct {
	id     string
	userID string
	hub    *Hub

	transport Transport
	send      chan interface{}
	closeOnce sync.Once
	cfg       Config
}

func newConn(hub *Hub, id, userID string, transport Transport, cfg Config) *Conn {
	return &Conn{
		id:        id,
		userID:    userID,
		hub:       hub,
		transport: transport,
		send:      make(chan interface{}, cfg.SendBuffer),
		cfg:       cfg,
	}
}

// ID returns the connection's identifier.
func (c *Conn) ID() string { return c.id }

// UserID returns the authenticated owner of the connection.
func (c *Conn) UserID() string { return c.userID }

func (c *Conn) start() {
	go c.writePump()
	go c.readPump()
}

// enqueue attempts a non-blocking send. False means the buffer is full.
func (c *Conn) enqueue(evt *event.Event) bool {
	select {
	case c.send <- evt:
		return true
	default:
		return false
	}
}

// close shuts the transport. The send channel is not closed; the write
// pump exits when its reads on the dead transport fail, which avoids a
// send-on-closed-channel race with concurrent Deliver calls.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		_ = c.transport.Close()
	})
}

// readPump consumes client frames until the transport dies. The read
// deadline is the heartbeat: it is pushed forward on every pong, so a
// client that stops answering pings times out after PingInterval +
// PingTimeout and the connection is reclaimed.
func (c *Conn) readPump() {
	defer c.hub.disconnect(c, "read closed")

	liveness := c.cfg.PingInterval + c.cfg.PingTimeout
	c.transport.SetReadLimit(maxMessageSize)
	if err := c.transport.SetReadDeadline(time.Now().Add(liveness)); err != nil {
		logging.Error().Err(err).Str("conn_id", c.id).Msg("failed to set read deadline")
		return
	}
	c.transport.SetPongHandler(func(string) error {
		return c.transport.SetReadDeadline(time.Now().Add(liveness))
	})

	for {
		var msg clientMessage
		if err := c.transport.ReadJSON(&msg); err != nil {
			var netErr net.Error
			if ok := errors.As(err, &netErr); ok && netErr.Timeout() {
				metrics.HeartbeatTimeouts.Inc()
				logging.Warn().Str("conn_id", c.id).Msg("heartbeat timeout, reclaiming connection")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug().Err(err).Str("conn_id", c.id).Msg("unexpected websocket close")
			}
			return
		}
		c.handleMessage(&msg)
	}
}

func (c *Conn) handleMessage(msg *clientMessage) {
	switch {
	case msg.Type == "ping":
		// Application-level keepalive, answered in-band.
		c.reply(controlReply{Type: "pong"})

	case msg.Action == "subscribe":
		types := toEventTypes(msg.EventTypes)
		if err := c.hub.registry.Subscribe(c.id, c.userID, types); err != nil {
			c.reply(controlReply{Type: "error", Message: err.Error()})
			return
		}
		c.hub.mirrorSubscriptions(c.userID, types)
		c.reply(controlReply{Type: "subscribed", EventTypes: msg.EventTypes})

	case msg.Action == "unsubscribe":
		types := toEventTypes(msg.EventTypes)
		if err := c.hub.registry.Unsubscribe(c.id, types); err != nil {
			c.reply(controlReply{Type: "error", Message: err.Error()})
			return
		}
		c.reply(controlReply{Type: "unsubscribed", EventTypes: msg.EventTypes})

	default:
		c.reply(controlReply{Type: "error", Message: "unrecognized message"})
	}
}

// reply queues a control frame, dropping it if the buffer is full. Control
// frames are advisory; event delivery failures are what tear connections
// down.
func (c *Conn) reply(r controlReply) {
	select {
	case c.send <- r:
	default:
		logging.Debug().Str("conn_id", c.id).Str("reply", r.Type).Msg("send buffer full, control reply dropped")
	}
}

// writePump drains the send queue onto the transport and emits transport
// pings every PingInterval. Any write error kills the connection; the read
// pump then observes the dead transport and runs the disconnect path.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.transport.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.transport.WriteJSON(msg); err != nil {
				logging.Debug().Err(err).Str("conn_id", c.id).Msg("write failed")
				return
			}

		case <-ticker.C:
			if err := c.transport.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.transport.WritePing(); err != nil {
				return
			}
		}
	}
}

func toEventTypes(names []string) []event.Type {
	types := make([]event.Type, 0, len(names))
	for _, n := range names {
		types = append(types, event.Type(n))
	}
	return types
}
